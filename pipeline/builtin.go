package pipeline

import (
	"context"
	"io/fs"
	"math/rand"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

func registerBuiltins(r *Registry) {
	r.Register("zmlp.ListGenerator", newListGenerator)
	r.Register("zmlp.FileGenerator", newFileGenerator)
	r.Register("zmlp.Noop", func(Args) (any, error) {
		return ProcessorFunc(func(context.Context, *Frame) error { return nil }), nil
	})
	r.Register("zmlp.SetAttr", newSetAttr)
	r.Register("zmlp.Warn", func(Args) (any, error) {
		return ProcessorFunc(func(_ context.Context, f *Frame) error {
			f.Warn()
			return nil
		}), nil
	})
	r.Register("zmlp.Fail", newFail)
	r.Register("zmlp.Maybe", newMaybe)
	r.Register("zmlp.Sleep", newSleep)
	r.Register("zmlp.Respond", newRespond)
}

// listGenerator emits an item per path.
type listGenerator struct {
	paths []string
}

func newListGenerator(a Args) (any, error) {
	return &listGenerator{paths: a.StringSlice("paths")}, nil
}

func (g *listGenerator) Generate(ctx context.Context, emit func(*Item) error) error {
	for i, p := range g.paths {
		if err := emit(&Item{ID: strconv.Itoa(i), Path: p}); err != nil {
			return err
		}
	}
	return nil
}

// fileGenerator walks a directory and emits the files whose base name
// matches a glob pattern.
type fileGenerator struct {
	root    string
	pattern string
}

func newFileGenerator(a Args) (any, error) {
	root := a.String("root", "")
	if root == "" {
		return nil, errors.New("root required")
	}
	pattern := a.String("pattern", "*")
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, errors.Wrap(err, "pattern")
	}
	return &fileGenerator{root: root, pattern: pattern}, nil
}

func (g *fileGenerator) Generate(ctx context.Context, emit func(*Item) error) error {
	return filepath.WalkDir(g.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(g.pattern, d.Name()); !ok {
			return nil
		}
		return emit(&Item{ID: path, Path: path})
	})
}

func newSetAttr(a Args) (any, error) {
	attrs := a.Map("attrs")
	return ProcessorFunc(func(_ context.Context, f *Frame) error {
		for k, v := range attrs {
			f.Item.SetAttr(k, v)
		}
		return nil
	}), nil
}

// newFail creates a processor failing every item, or only the item
// whose path is given.
func newFail(a Args) (any, error) {
	msg := a.String("message", "failed on purpose")
	path := a.String("path", "")
	skip := a.Bool("skip", false)
	return ProcessorFunc(func(_ context.Context, f *Frame) error {
		if path != "" && f.Item.Path != path {
			return nil
		}
		if skip {
			return &SkipItem{Reason: msg}
		}
		return errors.New(msg)
	}), nil
}

// newMaybe creates a processor that succeeds with the given probability [0-1].
func newMaybe(a Args) (any, error) {
	prob := a.Float("probability", 0.5)
	if prob < 0 {
		prob = 0
	}
	if prob > 1 {
		prob = 1
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ProcessorFunc(func(_ context.Context, f *Frame) error {
		if rnd.Float64() > prob {
			return errors.New("maybe: unlucky")
		}
		return nil
	}), nil
}

func newSleep(a Args) (any, error) {
	d := a.Duration("duration", time.Second)
	return ProcessorFunc(func(ctx context.Context, f *Frame) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}), nil
}

// newRespond creates a processor that answers an interactive task
// with the item's attributes.
func newRespond(a Args) (any, error) {
	return ProcessorFunc(func(_ context.Context, f *Frame) error {
		return f.Respond(f.Item)
	}), nil
}

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, s *Script) string {
	t.Helper()
	data, err := s.Encode()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "script.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// runScript executes s and collects every reaction.
func runScript(t *testing.T, reg *Registry, s *Script) (int, []Reaction) {
	t.Helper()
	out := make(chan Reaction)
	e := NewExecutor(Task{ID: 1, ScriptPath: writeScript(t, s)}, reg, out)
	var got []Reaction
	done := make(chan struct{})
	go func() {
		for r := range out {
			got = append(got, r)
		}
		close(done)
	}()
	status := e.Execute()
	close(out)
	<-done
	return status, got
}

func sumStats(rs []Reaction) Stats {
	total := Stats{}
	for _, r := range rs {
		if r.Stats != nil {
			total.Success += r.Stats.Success
			total.Error += r.Stats.Error
			total.Warning += r.Stats.Warning
		}
	}
	return total
}

func TestExecutorStatsAndErrors(t *testing.T) {
	s := &Script{
		Generate: []*ProcessorRef{{ClassName: "zmlp.ListGenerator", Args: map[string]any{"paths": []any{"a", "b", "c"}}}},
		Execute: []*ProcessorRef{
			{ClassName: "zmlp.Warn"},
			{ClassName: "zmlp.Fail", Args: map[string]any{"path": "b", "skip": true}},
			{ClassName: "zmlp.Fail", Args: map[string]any{"path": "b", "message": "never reached"}},
		},
	}
	status, rs := runScript(t, NewDefaultRegistry(), s)
	assert.Equal(t, ExitSuccess, status)
	assert.Equal(t, Stats{Success: 2, Error: 1, Warning: 3}, sumStats(rs))

	var errs []*ProcessingError
	for _, r := range rs {
		if r.Error != nil {
			errs = append(errs, r.Error)
		}
	}
	require.Len(t, errs, 1)
	assert.Equal(t, "b", errs[0].OriginPath)
	assert.Equal(t, PhaseExecute, errs[0].Phase)
	assert.True(t, errs[0].Skipped)
}

func TestExecutorExpand(t *testing.T) {
	s := &Script{
		Name: "import",
		Over: []*Item{{Path: "1"}, {Path: "2"}, {Path: "3"}},
		Execute: []*ProcessorRef{{
			Args:    map[string]any{"batchSize": 2},
			Execute: []*ProcessorRef{{ClassName: "zmlp.Noop"}},
		}},
	}
	status, rs := runScript(t, NewDefaultRegistry(), s)
	assert.Equal(t, ExitSuccess, status)
	var expands []*Expand
	for _, r := range rs {
		if r.Expand != nil {
			expands = append(expands, r.Expand)
		}
	}
	require.Len(t, expands, 2)
	assert.Len(t, expands[0].Script.Over, 2)
	assert.Len(t, expands[1].Script.Over, 1)
	assert.Equal(t, "zmlp.Noop", expands[1].Script.Execute[0].ClassName)
	assert.Equal(t, "import expand #2", expands[1].Name)
}

func TestExecutorUnknownProcessor(t *testing.T) {
	s := &Script{Over: []*Item{{Path: "a"}}, Execute: []*ProcessorRef{{ClassName: "acme.Missing"}}}
	status, rs := runScript(t, NewDefaultRegistry(), s)
	assert.Equal(t, ExitFailure, status)
	require.Len(t, rs, 1)
	require.NotNil(t, rs[0].Error)
	assert.Equal(t, PhaseInit, rs[0].Error.Phase)
}

func TestExecutorMissingScript(t *testing.T) {
	e := NewExecutor(Task{ID: 1, ScriptPath: filepath.Join(t.TempDir(), "none.json")}, NewDefaultRegistry(), nil)
	assert.Equal(t, ExitFailure, e.Execute())
}

func TestExecutorCancel(t *testing.T) {
	reg := NewDefaultRegistry()
	started := make(chan struct{})
	reg.Register("test.Block", func(Args) (any, error) {
		return ProcessorFunc(func(ctx context.Context, f *Frame) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}), nil
	})
	s := &Script{Over: []*Item{{Path: "a"}, {Path: "b"}}, Execute: []*ProcessorRef{{ClassName: "test.Block"}}}
	e := NewExecutor(Task{ID: 1, ScriptPath: writeScript(t, s)}, reg, nil)

	result := make(chan int)
	go func() { result <- e.Execute() }()
	<-started
	assert.True(t, e.Cancel())
	assert.False(t, e.Cancel(), "second cancel")
	select {
	case status := <-result:
		assert.Equal(t, ExitKilled, status)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stop")
	}
	assert.False(t, e.Cancel(), "cancel after finish")
}

func TestExecutorCancelBeforeExecute(t *testing.T) {
	s := &Script{Over: []*Item{{Path: "a"}}, Execute: []*ProcessorRef{{ClassName: "zmlp.Noop"}}}
	e := NewExecutor(Task{ID: 1, ScriptPath: writeScript(t, s)}, NewDefaultRegistry(), nil)
	assert.True(t, e.Cancel())
	assert.Equal(t, ExitKilled, e.Execute())
}

func TestExecutorRespond(t *testing.T) {
	s := &Script{
		Over:    []*Item{{Path: "a"}},
		Execute: []*ProcessorRef{{ClassName: "zmlp.SetAttr", Args: map[string]any{"attrs": map[string]any{"k": "v"}}}, {ClassName: "zmlp.Respond"}},
	}
	_, rs := runScript(t, NewDefaultRegistry(), s)
	var resp []byte
	for _, r := range rs {
		if r.Response != nil {
			resp = r.Response
		}
	}
	assert.JSONEq(t, `{"path":"a","attrs":{"k":"v"}}`, string(resp))
}

func TestFileGenerator(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.jpg", "b.png", "c.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	g, err := NewDefaultRegistry().NewGenerator(&ProcessorRef{
		ClassName: "zmlp.FileGenerator",
		Args:      map[string]any{"root": dir, "pattern": "*.jpg"},
	})
	require.NoError(t, err)
	var got []string
	err = g.Generate(context.Background(), func(i *Item) error {
		got = append(got, filepath.Base(i.Path))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "c.jpg"}, got)
}

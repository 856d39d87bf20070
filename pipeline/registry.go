package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrUnknownProcessor = errors.New("unknown processor")

// Processor handles one item at a time.
type Processor interface {
	Process(ctx context.Context, f *Frame) error
}

// Generator produces items. emit returns an error when the
// executor wants the generator to stop.
type Generator interface {
	Generate(ctx context.Context, emit func(*Item) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(ctx context.Context, f *Frame) error

func (fn ProcessorFunc) Process(ctx context.Context, f *Frame) error {
	return fn(ctx, f)
}

// Factory creates a Processor or a Generator from arguments.
type Factory func(args Args) (any, error)

// Registry maps class names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry returns a registry holding the built-in processors.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns registered class names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) newInstance(ref *ProcessorRef) (any, error) {
	r.mu.RLock()
	f, ok := r.factories[ref.ClassName]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownProcessor, ref.ClassName)
	}
	v, err := f(Args(ref.Args))
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", ref.ClassName)
	}
	return v, nil
}

// NewProcessor instantiates ref as a Processor.
func (r *Registry) NewProcessor(ref *ProcessorRef) (Processor, error) {
	v, err := r.newInstance(ref)
	if err != nil {
		return nil, err
	}
	p, ok := v.(Processor)
	if !ok {
		return nil, errors.Errorf("%s is not a processor", ref.ClassName)
	}
	return p, nil
}

// NewGenerator instantiates ref as a Generator.
func (r *Registry) NewGenerator(ref *ProcessorRef) (Generator, error) {
	v, err := r.newInstance(ref)
	if err != nil {
		return nil, err
	}
	g, ok := v.(Generator)
	if !ok {
		return nil, errors.Errorf("%s is not a generator", ref.ClassName)
	}
	return g, nil
}

// Args are the arguments of a processor reference.
type Args map[string]any

func (a Args) String(k, def string) string {
	v, ok := a[k]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int accepts any number. Numbers decoded from json are float64.
func (a Args) Int(k string, def int) int {
	switch v := a[k].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (a Args) Float(k string, def float64) float64 {
	switch v := a[k].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return def
}

func (a Args) Bool(k string, def bool) bool {
	if v, ok := a[k].(bool); ok {
		return v
	}
	return def
}

func (a Args) StringSlice(k string) []string {
	switch v := a[k].(type) {
	case []string:
		return v
	case []any:
		ss := make([]string, 0, len(v))
		for _, e := range v {
			ss = append(ss, fmt.Sprint(e))
		}
		return ss
	}
	return nil
}

func (a Args) Map(k string) map[string]any {
	if v, ok := a[k].(map[string]any); ok {
		return v
	}
	return nil
}

// Duration accepts "1s" style strings or a number of seconds.
func (a Args) Duration(k string, def time.Duration) time.Duration {
	switch v := a[k].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	}
	return def
}

// Package pipeline describes the work a task carries and runs it.
//
// A Script is a serializable pipeline: optional generators that produce
// items, an optional literal list of items, and an ordered list of
// processors every item goes through. A processor reference that carries a
// nested execute list is not a processor itself. It collects the items
// reaching it and expands them into child tasks that run the nested list.
package pipeline

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

var ErrInvalidScript = errors.New("invalid script")

// Script is the unit of work of a task.
type Script struct {
	Name     string          `json:"name,omitempty" yaml:"name,omitempty"`
	Generate []*ProcessorRef `json:"generate,omitempty" yaml:"generate,omitempty"`
	Over     []*Item         `json:"over,omitempty" yaml:"over,omitempty"`
	Execute  []*ProcessorRef `json:"execute,omitempty" yaml:"execute,omitempty"`
}

// ProcessorRef names a registered processor and its arguments.
type ProcessorRef struct {
	ClassName string         `json:"className,omitempty" yaml:"className,omitempty"`
	Args      map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	// Execute makes the ref a sub-pipeline expander.
	Execute []*ProcessorRef `json:"execute,omitempty" yaml:"execute,omitempty"`
}

// IsExpander reports whether the ref expands its items into child tasks.
func (r *ProcessorRef) IsExpander() bool {
	return len(r.Execute) != 0
}

// Item is a unit of data flowing through a pipeline.
type Item struct {
	ID    string         `json:"id,omitempty" yaml:"id,omitempty"`
	Path  string         `json:"path,omitempty" yaml:"path,omitempty"`
	Attrs map[string]any `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// SetAttr sets an attribute, allocating the map if needed.
func (i *Item) SetAttr(k string, v any) {
	if i.Attrs == nil {
		i.Attrs = make(map[string]any)
	}
	i.Attrs[k] = v
}

func (i *Item) clone() *Item {
	c := &Item{ID: i.ID, Path: i.Path}
	if i.Attrs != nil {
		c.Attrs = make(map[string]any, len(i.Attrs))
		for k, v := range i.Attrs {
			c.Attrs[k] = v
		}
	}
	return c
}

// Expand is a request to add a child task running Script to the
// job of the task that produced it.
type Expand struct {
	Name   string  `json:"name"`
	Script *Script `json:"script"`
}

// Inherit fills the parts of s that are left empty from parent.
// An expanded script without its own execute list runs the parent's.
func (s *Script) Inherit(parent *Script) {
	if parent == nil {
		return
	}
	if len(s.Execute) == 0 {
		s.Execute = parent.Execute
	}
}

// Walk calls fn for every processor reference in the script,
// nested execute lists included.
func (s *Script) Walk(fn func(*ProcessorRef) error) error {
	var walk func(refs []*ProcessorRef) error
	walk = func(refs []*ProcessorRef) error {
		for _, r := range refs {
			if r == nil {
				return errors.Wrap(ErrInvalidScript, "nil processor")
			}
			if err := fn(r); err != nil {
				return err
			}
			if err := walk(r.Execute); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(s.Generate); err != nil {
		return err
	}
	return walk(s.Execute)
}

// Validate checks every processor of the script is known to reg.
func (s *Script) Validate(reg *Registry) error {
	if len(s.Generate) == 0 && len(s.Over) == 0 && len(s.Execute) == 0 {
		return errors.Wrap(ErrInvalidScript, "script has nothing to do")
	}
	for _, g := range s.Generate {
		if g != nil && g.IsExpander() {
			return errors.Wrapf(ErrInvalidScript, "generator %q cannot have an execute list", g.ClassName)
		}
	}
	return s.Walk(func(r *ProcessorRef) error {
		if r.IsExpander() {
			return nil
		}
		if r.ClassName == "" {
			return errors.Wrap(ErrInvalidScript, "processor without a class name")
		}
		if !reg.Has(r.ClassName) {
			return errors.Wrap(ErrUnknownProcessor, r.ClassName)
		}
		return nil
	})
}

// Encode serializes the script for the wire.
func (s *Script) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeScript parses a serialized script.
func DecodeScript(data []byte) (*Script, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrInvalidScript, "empty script")
	}
	s := &Script{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(ErrInvalidScript, err.Error())
	}
	return s, nil
}

// LoadScript reads a serialized script from path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read script")
	}
	return DecodeScript(data)
}

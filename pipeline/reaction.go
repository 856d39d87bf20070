package pipeline

import (
	"encoding/json"
	"fmt"
)

const (
	PhaseInit     = "init"
	PhaseGenerate = "generate"
	PhaseExecute  = "execute"
	PhaseTeardown = "teardown"
)

// ProcessingError describes a failure of a processor on an item.
type ProcessingError struct {
	Message    string `json:"message"`
	Processor  string `json:"processor,omitempty"`
	Phase      string `json:"phase,omitempty"`
	ItemID     string `json:"itemId,omitempty"`
	OriginPath string `json:"originPath,omitempty"`
	// Skipped is set when the rest of the pipeline was not run for the item.
	Skipped bool `json:"skipped,omitempty"`
}

func (e *ProcessingError) Error() string {
	if e.Processor == "" {
		return fmt.Sprintf("%s: %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Phase, e.Processor, e.Message)
}

// SkipItem is returned by processors that want the remaining processors
// to be skipped for the current item.
type SkipItem struct {
	Reason string
}

func (e *SkipItem) Error() string {
	return "skip item: " + e.Reason
}

// Stats counts processed items.
type Stats struct {
	Success int `json:"success"`
	Error   int `json:"error"`
	Warning int `json:"warning"`
}

func (s Stats) IsZero() bool {
	return s.Success == 0 && s.Error == 0 && s.Warning == 0
}

// Reaction is an event emitted by the executor while a task runs.
// Exactly one field is set.
type Reaction struct {
	Error    *ProcessingError
	Expand   *Expand
	Stats    *Stats
	Response json.RawMessage
}

// Frame is an item on its way through the pipeline.
type Frame struct {
	Item *Item

	warnings int
	emit     func(Reaction)
}

// Warn records a warning for the item.
func (f *Frame) Warn() {
	f.warnings++
}

// Expand asks for a child task running s.
func (f *Frame) Expand(name string, s *Script) {
	f.emit(Reaction{Expand: &Expand{Name: name, Script: s}})
}

// Respond sends v back to the caller of an interactive task.
func (f *Frame) Respond(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.emit(Reaction{Response: data})
	return nil
}

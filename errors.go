package zmlp

import "github.com/pkg/errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrInvalidJobSpec    = errors.New("invalid job spec")
	// ErrNoReturnURL is returned when a worker asks for tasks
	// without saying where to reach it.
	ErrNoReturnURL       = errors.New("worker url required")
	ErrAnalystNotAllowed = errors.New("analyst address not allowed")
	ErrNoAnalyst         = errors.New("no analyst available")
	ErrResponseTimeout   = errors.New("timed out waiting for a response")
	// ErrNotLeased is returned for reports about a task the reporting
	// analyst no longer holds.
	ErrNotLeased         = errors.New("task not leased to the analyst")
)

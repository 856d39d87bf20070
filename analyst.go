package zmlp

import (
	"fmt"
	"time"
)

// AnalystState is the liveness of a worker node.
type AnalystState int

const (
	AnalystUp = AnalystState(iota)
	AnalystDown
)

// String represents AnalystState as string.
func (s AnalystState) String() string {
	return map[AnalystState]string{
		AnalystUp:   "up",
		AnalystDown: "down",
	}[s]
}

func (s AnalystState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AnalystState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "up":
		*s = AnalystUp
	case "down":
		*s = AnalystDown
	default:
		return fmt.Errorf("unknown analyst state: %s", b)
	}
	return nil
}

// Analyst is a worker node that leases and runs tasks.
type Analyst struct {
	ID          string       `json:"id"`
	URL         string       `json:"url"`
	State       AnalystState `json:"state"`
	QueueSize   int          `json:"queueSize"`
	Threads     int          `json:"threads"`
	OS          string       `json:"os"`
	Arch        string       `json:"arch"`
	Version     string       `json:"version,omitempty"`
	TimeCreated time.Time    `json:"timeCreated"`
	TimePing    time.Time    `json:"timePing"`
}

// AnalystPing is the registration and heartbeat of an analyst.
type AnalystPing struct {
	URL       string
	QueueSize int
	Threads   int
	OS        string
	Arch      string
	Version   string
	// TaskIDs are the tasks running on the analyst.
	TaskIDs []TaskID
}

// AnalystFilter is a filter for searching analysts.
type AnalystFilter struct {
	URL   string
	State *AnalystState
}

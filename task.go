package zmlp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Juanbuhler/zmlp-sub000/pipeline"
)

// TaskID identifies a task.
type TaskID int64

// InteractiveTaskID is the id of a task run synchronously for a caller.
// Such a task is never stored.
const InteractiveTaskID = TaskID(0)

// TaskState is the state of a task.
type TaskState int

const (
	TaskWaiting = TaskState(iota)
	TaskQueued
	TaskRunning
	TaskSuccess
	TaskFailure
	TaskSkipped
)

// TaskStates lists every task state.
var TaskStates = []TaskState{TaskWaiting, TaskQueued, TaskRunning, TaskSuccess, TaskFailure, TaskSkipped}

// String represents TaskState as string.
func (s TaskState) String() string {
	return map[TaskState]string{
		TaskWaiting: "waiting",
		TaskQueued:  "queued",
		TaskRunning: "running",
		TaskSuccess: "success",
		TaskFailure: "failure",
		TaskSkipped: "skipped",
	}[s]
}

func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskState) UnmarshalText(b []byte) error {
	for _, st := range TaskStates {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown task state: %s", b)
}

// IsActive reports whether the task still needs a worker.
func (s TaskState) IsActive() bool {
	return s == TaskWaiting || s == TaskQueued || s == TaskRunning
}

// IsStopper reports whether s is a terminal state.
func (s TaskState) IsStopper() bool {
	return s == TaskSuccess || s == TaskFailure || s == TaskSkipped
}

// IsLeased reports whether a worker holds the task.
func (s TaskState) IsLeased() bool {
	return s == TaskQueued || s == TaskRunning
}

// CanTransition reports whether a task may move from s to to.
func (s TaskState) CanTransition(to TaskState) bool {
	if s == to {
		return false
	}
	switch s {
	case TaskWaiting:
		return to == TaskQueued || to == TaskSkipped
	case TaskQueued, TaskRunning:
		// a stop report can land before the start report.
		return to != TaskQueued
	}
	// stoppers are only reset on purpose.
	return to == TaskWaiting || to == TaskSkipped
}

// Task is the schedulable unit of a job.
type Task struct {
	ID          TaskID          `json:"id"`
	JobID       JobID           `json:"jobId"`
	ParentID    TaskID          `json:"parentId,omitempty"`
	Name        string          `json:"name"`
	State       TaskState       `json:"state"`
	Host        string          `json:"host,omitempty"`
	LogPath     string          `json:"logPath,omitempty"`
	Script      json.RawMessage `json:"script,omitempty"`
	ExitStatus  int             `json:"exitStatus"`
	RunCount    int             `json:"runCount"`
	TimeCreated time.Time       `json:"timeCreated"`
	TimeStarted time.Time       `json:"timeStarted,omitempty"`
	TimeStopped time.Time       `json:"timeStopped,omitempty"`
	TimePing    time.Time       `json:"timePing"`
	Stats       FrameStats      `json:"stats"`
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	Name     string
	Script   *pipeline.Script
	ParentID TaskID
}

// TaskTransition is a compare and swap of a task's state.
type TaskTransition struct {
	ID   TaskID
	From TaskState
	To   TaskState
	// Host and LogPath are recorded when the task gets queued.
	Host    string
	LogPath string
	// ExitStatus is recorded if not nil.
	ExitStatus *int
}

// TaskFilter is a task filter for searching tasks.
// Zero values match anything.
type TaskFilter struct {
	JobID  JobID
	States []TaskState
	Host   string
}

// TaskError is a processing error reported by a running task.
type TaskError struct {
	ID         int64     `json:"id"`
	TaskID     TaskID    `json:"taskId"`
	JobID      JobID     `json:"jobId"`
	Message    string    `json:"message"`
	Processor  string    `json:"processor,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	ItemID     string    `json:"itemId,omitempty"`
	OriginPath string    `json:"originPath,omitempty"`
	Skipped    bool      `json:"skipped,omitempty"`
	Time       time.Time `json:"time"`
}

// TaskErrorFilter is a filter for searching task errors.
type TaskErrorFilter struct {
	JobID  JobID
	TaskID TaskID
}

package zmlp

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Juanbuhler/zmlp-sub000/pipeline"
	"github.com/pkg/errors"
)

// JobID identifies a job.
type JobID int64

// JobType tells what kind of work a job does.
type JobType int

const (
	JobImport = JobType(iota)
	JobExport
	JobBatch
)

// String represents JobType as string.
func (t JobType) String() string {
	return map[JobType]string{
		JobImport: "import",
		JobExport: "export",
		JobBatch:  "batch",
	}[t]
}

func (t JobType) MarshalText() ([]byte, error) {
	s := t.String()
	if s == "" {
		return nil, fmt.Errorf("unknown job type: %d", int(t))
	}
	return []byte(s), nil
}

func (t *JobType) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "import":
		*t = JobImport
	case "export":
		*t = JobExport
	case "batch", "":
		*t = JobBatch
	default:
		return fmt.Errorf("unknown job type: %s", b)
	}
	return nil
}

// JobState is the state of a job.
type JobState int

const (
	JobActive = JobState(iota)
	JobCancelled
	JobFinished
)

// String represents JobState as string.
func (s JobState) String() string {
	return map[JobState]string{
		JobActive:    "active",
		JobCancelled: "cancelled",
		JobFinished:  "finished",
	}[s]
}

func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobState) UnmarshalText(b []byte) error {
	for st := JobActive; st <= JobFinished; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown job state: %s", b)
}

// CanTransition reports whether a job may move from s to to.
func (s JobState) CanTransition(to JobState) bool {
	switch s {
	case JobActive:
		return to == JobCancelled || to == JobFinished
	case JobCancelled:
		return to == JobActive
	case JobFinished:
		// a retried task brings its finished job back.
		return to == JobActive
	}
	return false
}

// Args is an opaque argument map. It is stored as json.
type Args map[string]any

// Value implements driver.Valuer.
func (a Args) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner.
func (a *Args) Scan(v interface{}) error {
	b, err := scanBytes(v)
	if err != nil {
		return errors.Wrap(err, "scan args")
	}
	return json.Unmarshal(b, a)
}

// Env holds environment variables given to the processes of a job.
type Env map[string]string

// Value implements driver.Valuer.
func (e Env) Value() (driver.Value, error) {
	if e == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner.
func (e *Env) Scan(v interface{}) error {
	b, err := scanBytes(v)
	if err != nil {
		return errors.Wrap(err, "scan env")
	}
	return json.Unmarshal(b, e)
}

func scanBytes(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case nil:
		return nil, errors.New("nil")
	}
	return nil, errors.Errorf("unsupported type %T", v)
}

// JobSpec is what a user submits.
type JobSpec struct {
	Name   string           `json:"name" yaml:"name"`
	Type   JobType          `json:"type" yaml:"type"`
	User   string           `json:"user,omitempty" yaml:"user,omitempty"`
	Args   Args             `json:"args,omitempty" yaml:"args,omitempty"`
	Env    Env              `json:"env,omitempty" yaml:"env,omitempty"`
	Script *pipeline.Script `json:"script" yaml:"script"`
}

// Validate checks the spec can be scheduled with processors known to reg.
func (s *JobSpec) Validate(reg *pipeline.Registry) error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.Wrap(ErrInvalidJobSpec, "name required")
	}
	if s.Script == nil {
		return errors.Wrap(ErrInvalidJobSpec, "script required")
	}
	if err := s.Script.Validate(reg); err != nil {
		return errors.Wrap(ErrInvalidJobSpec, err.Error())
	}
	return nil
}

// FrameStats counts the items processed by the tasks of a job.
type FrameStats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Error   int64 `json:"error"`
	Warning int64 `json:"warning"`
}

// FrameStatsOf converts the stats reported by a running task.
// A warning doesn't make a frame, the item is also counted
// as a success or an error.
func FrameStatsOf(s pipeline.Stats) FrameStats {
	return FrameStats{
		Total:   int64(s.Success + s.Error),
		Success: int64(s.Success),
		Error:   int64(s.Error),
		Warning: int64(s.Warning),
	}
}

func (s FrameStats) Neg() FrameStats {
	return FrameStats{Total: -s.Total, Success: -s.Success, Error: -s.Error, Warning: -s.Warning}
}

// TaskCounts is the histogram of a job's task states.
type TaskCounts struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Waiting   int64 `json:"waiting"`
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Success   int64 `json:"success"`
	Failure   int64 `json:"failure"`
	Skipped   int64 `json:"skipped"`
}

// Of returns a pointer to the counter of state s.
func (c *TaskCounts) Of(s TaskState) *int64 {
	switch s {
	case TaskWaiting:
		return &c.Waiting
	case TaskQueued:
		return &c.Queued
	case TaskRunning:
		return &c.Running
	case TaskSuccess:
		return &c.Success
	case TaskFailure:
		return &c.Failure
	case TaskSkipped:
		return &c.Skipped
	}
	panic(fmt.Sprintf("unknown TaskState: %v", s))
}

// Change moves a task from one state counter to another.
func (c *TaskCounts) Change(from, to TaskState) {
	*c.Of(from) -= 1
	*c.Of(to) += 1
	if !from.IsStopper() && to.IsStopper() {
		c.Completed++
	}
	if from.IsStopper() && !to.IsStopper() {
		c.Completed--
	}
}

// Outstanding is the number of tasks not yet stopped.
func (c TaskCounts) Outstanding() int64 {
	return c.Total - c.Completed
}

// Check returns an error if the counts are inconsistent.
func (c TaskCounts) Check() error {
	sum := c.Waiting + c.Queued + c.Running + c.Success + c.Failure + c.Skipped
	if sum != c.Total {
		return fmt.Errorf("task states sum to %d, total is %d", sum, c.Total)
	}
	if stopped := c.Success + c.Failure + c.Skipped; stopped != c.Completed {
		return fmt.Errorf("%d tasks stopped, completed is %d", stopped, c.Completed)
	}
	for _, n := range []int64{c.Waiting, c.Queued, c.Running, c.Success, c.Failure, c.Skipped} {
		if n < 0 {
			return fmt.Errorf("negative count: %+v", c)
		}
	}
	return nil
}

// Job is a unit of work submitted by a user.
type Job struct {
	ID          JobID      `json:"id"`
	Name        string     `json:"name"`
	Type        JobType    `json:"type"`
	State       JobState   `json:"state"`
	User        string     `json:"user,omitempty"`
	Args        Args       `json:"args,omitempty"`
	Env         Env        `json:"env,omitempty"`
	TimeCreated time.Time  `json:"timeCreated"`
	TimeStarted time.Time  `json:"timeStarted,omitempty"`
	TimeStopped time.Time  `json:"timeStopped,omitempty"`
	Counts      TaskCounts `json:"counts"`
	Stats       FrameStats `json:"stats"`
}

// JobFilter is a job filter for searching jobs.
// Zero values match anything.
type JobFilter struct {
	ID    JobID
	State *JobState
	User  string
	Name  string
}

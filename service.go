package zmlp

import "time"

// Services bundles the persistence of a coordinator.
// Every implementation must keep the job counters consistent
// with task states under concurrent callers.
type Services interface {
	JobService() JobService
	TaskService() TaskService
	AnalystService() AnalystService
}

// JobService is an interface which let us use a job store.
type JobService interface {
	CreateJob(spec JobSpec) (*Job, error)
	GetJob(id JobID) (*Job, error)
	FindJobs(f JobFilter) ([]*Job, error)
	// SetJobState changes the job's state only if it is expect.
	// It returns false when it isn't.
	SetJobState(id JobID, to, expect JobState) (bool, error)
	// IncrementFrameStats adds s to the job's stats, and to the task's
	// stats when task is not zero.
	IncrementFrameStats(id JobID, task TaskID, s FrameStats) error
	// ResetTaskStats subtracts the task's stats from its job and
	// zeroes them.
	ResetTaskStats(task TaskID) error
}

// TaskService is an interface which let us use a task store.
type TaskService interface {
	// CreateTask adds a waiting task to the job and counts it.
	// A finished job becomes active again.
	CreateTask(job JobID, spec TaskSpec) (*Task, error)
	GetTask(id TaskID) (*Task, error)
	FindTasks(f TaskFilter) ([]*Task, error)
	// SetTaskState moves the task from t.From to t.To, updating its job's
	// counts in the same step. It returns false, changing nothing, when
	// the task is not in t.From. When the move stops the last outstanding
	// task of an active job, the job gets finished.
	SetTaskState(t TaskTransition) (bool, error)
	// GetWaitingTasks returns up to limit waiting tasks of active jobs
	// whose id is greater than after, in id order.
	GetWaitingTasks(limit int, after TaskID) ([]*Task, error)
	// GetOrphanTasks returns up to limit queued or running tasks
	// whose last ping is before the given time.
	GetOrphanTasks(limit int, before time.Time) ([]*Task, error)
	// PingTasks refreshes the ping time of the given tasks
	// if they are still leased to host.
	PingTasks(host string, ids []TaskID, now time.Time) error
	AddTaskErrors(task TaskID, errs []TaskError) error
	FindTaskErrors(f TaskErrorFilter) ([]*TaskError, error)
}

// AnalystService is an interface which let us use an analyst store.
type AnalystService interface {
	// UpsertAnalyst registers the analyst on its first ping, and marks
	// it up with a fresh ping time on the next ones.
	UpsertAnalyst(p AnalystPing, now time.Time) (*Analyst, error)
	GetAnalyst(url string) (*Analyst, error)
	FindAnalysts(f AnalystFilter) ([]*Analyst, error)
	// GetUnresponsiveAnalysts returns up to limit analysts that are up
	// and have not pinged since before.
	GetUnresponsiveAnalysts(limit int, before time.Time) ([]*Analyst, error)
	SetAnalystState(url string, to, expect AnalystState) (bool, error)
	DeleteAnalyst(url string) error
}

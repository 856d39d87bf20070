package sqlite

import (
	"database/sql"
	"time"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
)

// Services bundles the sqlite services sharing a db.
type Services struct {
	job     *JobService
	task    *TaskService
	analyst *AnalystService
}

// NewServices creates Services on an opened db.
func NewServices(db *sql.DB) *Services {
	return &Services{
		job:     NewJobService(db),
		task:    NewTaskService(db),
		analyst: NewAnalystService(db),
	}
}

// SetNow replaces the clock used for timestamps.
func (s *Services) SetNow(now func() time.Time) {
	s.job.now = now
	s.task.now = now
}

func (s *Services) JobService() zmlp.JobService {
	return s.job
}

func (s *Services) TaskService() zmlp.TaskService {
	return s.task
}

func (s *Services) AnalystService() zmlp.AnalystService {
	return s.analyst
}

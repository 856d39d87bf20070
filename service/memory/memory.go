// Package memory keeps coordinator state in process memory.
//
// It is meant for tests and single node trials. It honors the same
// compare and swap contract as the sqlite services, so races between
// callers play out the same way.
package memory

import (
	"sort"
	"time"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	sync "github.com/sasha-s/go-deadlock"
)

// Services holds jobs, tasks and analysts.
type Services struct {
	// Now is used for every timestamp. It defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	jobs     map[zmlp.JobID]*zmlp.Job
	tasks    map[zmlp.TaskID]*zmlp.Task
	errs     []*zmlp.TaskError
	analysts map[string]*zmlp.Analyst
	lastJob  zmlp.JobID
	lastTask zmlp.TaskID
	lastErr  int64
}

// New creates an empty Services.
func New() *Services {
	return &Services{
		Now:      time.Now,
		jobs:     make(map[zmlp.JobID]*zmlp.Job),
		tasks:    make(map[zmlp.TaskID]*zmlp.Task),
		analysts: make(map[string]*zmlp.Analyst),
	}
}

func (s *Services) JobService() zmlp.JobService {
	return s
}

func (s *Services) TaskService() zmlp.TaskService {
	return s
}

func (s *Services) AnalystService() zmlp.AnalystService {
	return s
}

func (s *Services) CreateJob(spec zmlp.JobSpec) (*zmlp.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastJob++
	j := &zmlp.Job{
		ID:          s.lastJob,
		Name:        spec.Name,
		Type:        spec.Type,
		State:       zmlp.JobActive,
		User:        spec.User,
		Args:        spec.Args,
		Env:         spec.Env,
		TimeCreated: s.Now(),
	}
	s.jobs[j.ID] = j
	c := *j
	return &c, nil
}

func (s *Services) GetJob(id zmlp.JobID) (*zmlp.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(zmlp.ErrNotFound, "job %d", id)
	}
	c := *j
	return &c, nil
}

func (s *Services) FindJobs(f zmlp.JobFilter) ([]*zmlp.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*zmlp.Job, 0)
	for _, j := range s.jobs {
		if f.ID != 0 && j.ID != f.ID {
			continue
		}
		if f.State != nil && j.State != *f.State {
			continue
		}
		if f.User != "" && j.User != f.User {
			continue
		}
		if f.Name != "" && j.Name != f.Name {
			continue
		}
		c := *j
		jobs = append(jobs, &c)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs, nil
}

func (s *Services) SetJobState(id zmlp.JobID, to, expect zmlp.JobState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, errors.Wrapf(zmlp.ErrNotFound, "job %d", id)
	}
	if j.State != expect {
		return false, nil
	}
	if !expect.CanTransition(to) {
		return false, errors.Wrapf(zmlp.ErrIllegalTransition, "job %v -> %v", expect, to)
	}
	s.setJobState(j, to)
	return true, nil
}

func (s *Services) setJobState(j *zmlp.Job, to zmlp.JobState) {
	j.State = to
	if to == zmlp.JobActive {
		j.TimeStopped = time.Time{}
	} else {
		j.TimeStopped = s.Now()
	}
}

func addStats(dst *zmlp.FrameStats, s zmlp.FrameStats) {
	dst.Total += s.Total
	dst.Success += s.Success
	dst.Error += s.Error
	dst.Warning += s.Warning
}

func (s *Services) IncrementFrameStats(id zmlp.JobID, task zmlp.TaskID, st zmlp.FrameStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.Wrapf(zmlp.ErrNotFound, "job %d", id)
	}
	if task != 0 {
		t, ok := s.tasks[task]
		if !ok || t.JobID != id {
			return errors.Wrapf(zmlp.ErrNotFound, "task %d of job %d", task, id)
		}
		addStats(&t.Stats, st)
	}
	addStats(&j.Stats, st)
	return nil
}

func (s *Services) ResetTaskStats(task zmlp.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[task]
	if !ok {
		return errors.Wrapf(zmlp.ErrNotFound, "task %d", task)
	}
	addStats(&s.jobs[t.JobID].Stats, t.Stats.Neg())
	t.Stats = zmlp.FrameStats{}
	return nil
}

func (s *Services) CreateTask(job zmlp.JobID, spec zmlp.TaskSpec) (*zmlp.Task, error) {
	if spec.Script == nil {
		return nil, errors.New("task script required")
	}
	script, err := spec.Script.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "encode script")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[job]
	if !ok {
		return nil, errors.Wrapf(zmlp.ErrNotFound, "job %d", job)
	}
	if spec.ParentID != 0 {
		p, ok := s.tasks[spec.ParentID]
		if !ok || p.JobID != job {
			return nil, errors.Wrapf(zmlp.ErrNotFound, "parent task %d of job %d", spec.ParentID, job)
		}
	}
	now := s.Now()
	s.lastTask++
	t := &zmlp.Task{
		ID:          s.lastTask,
		JobID:       job,
		ParentID:    spec.ParentID,
		Name:        spec.Name,
		State:       zmlp.TaskWaiting,
		Script:      script,
		ExitStatus:  -1,
		TimeCreated: now,
		TimePing:    now,
	}
	s.tasks[t.ID] = t
	j.Counts.Total++
	j.Counts.Waiting++
	if j.State == zmlp.JobFinished {
		s.setJobState(j, zmlp.JobActive)
	}
	c := *t
	return &c, nil
}

func (s *Services) GetTask(id zmlp.TaskID) (*zmlp.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, errors.Wrapf(zmlp.ErrNotFound, "task %d", id)
	}
	c := *t
	return &c, nil
}

func hasState(states []zmlp.TaskState, st zmlp.TaskState) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

// sortedTasks returns tasks accepted by fn in id order.
// It should be called with s.mu held.
func (s *Services) sortedTasks(fn func(*zmlp.Task) bool) []*zmlp.Task {
	tasks := make([]*zmlp.Task, 0)
	for _, t := range s.tasks {
		if fn(t) {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, k int) bool { return tasks[i].ID < tasks[k].ID })
	return tasks
}

func copyTasks(tasks []*zmlp.Task, limit int) []*zmlp.Task {
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	cs := make([]*zmlp.Task, len(tasks))
	for i, t := range tasks {
		c := *t
		cs[i] = &c
	}
	return cs
}

func (s *Services) FindTasks(f zmlp.TaskFilter) ([]*zmlp.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.sortedTasks(func(t *zmlp.Task) bool {
		if f.JobID != 0 && t.JobID != f.JobID {
			return false
		}
		if len(f.States) != 0 && !hasState(f.States, t.State) {
			return false
		}
		if f.Host != "" && t.Host != f.Host {
			return false
		}
		return true
	})
	return copyTasks(tasks, 0), nil
}

func (s *Services) SetTaskState(tr zmlp.TaskTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[tr.ID]
	if !ok {
		return false, errors.Wrapf(zmlp.ErrNotFound, "task %d", tr.ID)
	}
	if t.State != tr.From {
		return false, nil
	}
	if !tr.From.CanTransition(tr.To) {
		return false, errors.Wrapf(zmlp.ErrIllegalTransition, "task %v -> %v", tr.From, tr.To)
	}
	now := s.Now()
	t.State = tr.To
	t.TimePing = now
	switch {
	case tr.To == zmlp.TaskQueued:
		t.Host = tr.Host
		if tr.LogPath != "" {
			t.LogPath = tr.LogPath
		}
	case tr.To == zmlp.TaskRunning:
		t.RunCount++
		t.TimeStarted = now
	case tr.To.IsStopper():
		t.Host = ""
		t.TimeStopped = now
	default:
		t.Host = ""
	}
	if tr.ExitStatus != nil {
		t.ExitStatus = *tr.ExitStatus
	}

	j := s.jobs[t.JobID]
	j.Counts.Change(tr.From, tr.To)
	if tr.To == zmlp.TaskRunning && j.TimeStarted.IsZero() {
		j.TimeStarted = now
	}
	if tr.To.IsStopper() && j.State == zmlp.JobActive && j.Counts.Outstanding() == 0 {
		s.setJobState(j, zmlp.JobFinished)
	}
	if !tr.To.IsStopper() && j.State == zmlp.JobFinished {
		s.setJobState(j, zmlp.JobActive)
	}
	return true, nil
}

func (s *Services) GetWaitingTasks(limit int, after zmlp.TaskID) ([]*zmlp.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.sortedTasks(func(t *zmlp.Task) bool {
		return t.ID > after && t.State == zmlp.TaskWaiting && s.jobs[t.JobID].State == zmlp.JobActive
	})
	return copyTasks(tasks, limit), nil
}

func (s *Services) GetOrphanTasks(limit int, before time.Time) ([]*zmlp.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.sortedTasks(func(t *zmlp.Task) bool {
		return t.State.IsLeased() && t.TimePing.Before(before)
	})
	return copyTasks(tasks, limit), nil
}

func (s *Services) PingTasks(host string, ids []zmlp.TaskID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		t, ok := s.tasks[id]
		if !ok || t.Host != host || !t.State.IsLeased() {
			continue
		}
		t.TimePing = now
	}
	return nil
}

func (s *Services) AddTaskErrors(task zmlp.TaskID, errs []zmlp.TaskError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[task]
	if !ok {
		return errors.Wrapf(zmlp.ErrNotFound, "task %d", task)
	}
	for _, e := range errs {
		s.lastErr++
		e.ID = s.lastErr
		e.TaskID = task
		e.JobID = t.JobID
		if e.Time.IsZero() {
			e.Time = s.Now()
		}
		c := e
		s.errs = append(s.errs, &c)
	}
	return nil
}

func (s *Services) FindTaskErrors(f zmlp.TaskErrorFilter) ([]*zmlp.TaskError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := make([]*zmlp.TaskError, 0)
	for _, e := range s.errs {
		if f.JobID != 0 && e.JobID != f.JobID {
			continue
		}
		if f.TaskID != 0 && e.TaskID != f.TaskID {
			continue
		}
		c := *e
		errs = append(errs, &c)
	}
	return errs, nil
}

func (s *Services) UpsertAnalyst(p zmlp.AnalystPing, now time.Time) (*zmlp.Analyst, error) {
	if p.URL == "" {
		return nil, zmlp.ErrNoReturnURL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analysts[p.URL]
	if !ok {
		a = &zmlp.Analyst{
			ID:          xid.New().String(),
			URL:         p.URL,
			TimeCreated: now,
		}
		s.analysts[p.URL] = a
	}
	a.State = zmlp.AnalystUp
	a.QueueSize = p.QueueSize
	a.Threads = p.Threads
	a.OS = p.OS
	a.Arch = p.Arch
	a.Version = p.Version
	a.TimePing = now
	c := *a
	return &c, nil
}

func (s *Services) GetAnalyst(url string) (*zmlp.Analyst, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analysts[url]
	if !ok {
		return nil, errors.Wrapf(zmlp.ErrNotFound, "analyst %s", url)
	}
	c := *a
	return &c, nil
}

func (s *Services) findAnalysts(fn func(a *zmlp.Analyst) bool) []*zmlp.Analyst {
	as := make([]*zmlp.Analyst, 0)
	for _, a := range s.analysts {
		if fn(a) {
			c := *a
			as = append(as, &c)
		}
	}
	sort.Slice(as, func(i, k int) bool { return as[i].URL < as[k].URL })
	return as
}

func (s *Services) FindAnalysts(f zmlp.AnalystFilter) ([]*zmlp.Analyst, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findAnalysts(func(a *zmlp.Analyst) bool {
		if f.URL != "" && a.URL != f.URL {
			return false
		}
		if f.State != nil && a.State != *f.State {
			return false
		}
		return true
	}), nil
}

func (s *Services) GetUnresponsiveAnalysts(limit int, before time.Time) ([]*zmlp.Analyst, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as := s.findAnalysts(func(a *zmlp.Analyst) bool {
		return a.State == zmlp.AnalystUp && a.TimePing.Before(before)
	})
	sort.SliceStable(as, func(i, k int) bool { return as[i].TimePing.Before(as[k].TimePing) })
	if limit > 0 && len(as) > limit {
		as = as[:limit]
	}
	return as, nil
}

func (s *Services) SetAnalystState(url string, to, expect zmlp.AnalystState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analysts[url]
	if !ok {
		return false, errors.Wrapf(zmlp.ErrNotFound, "analyst %s", url)
	}
	if a.State != expect {
		return false, nil
	}
	a.State = to
	return true, nil
}

func (s *Services) DeleteAnalyst(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.analysts[url]; !ok {
		return errors.Wrapf(zmlp.ErrNotFound, "analyst %s", url)
	}
	delete(s.analysts, url)
	return nil
}

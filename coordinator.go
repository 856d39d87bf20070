package zmlp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/Juanbuhler/zmlp-sub000/lib/container"
	"github.com/Juanbuhler/zmlp-sub000/lib/lock"
	"github.com/Juanbuhler/zmlp-sub000/lib/log"
	"github.com/Juanbuhler/zmlp-sub000/lib/metrics"
	"github.com/Juanbuhler/zmlp-sub000/pipeline"
	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

// ExecMode tells how the coordinator runs administrative commands.
type ExecMode int

const (
	// ModeAsync queues commands to the goroutine started by Run.
	ModeAsync = ExecMode(iota)
	// ModeInline runs commands on the caller's goroutine before returning.
	ModeInline
)

// Options configures a Coordinator.
type Options struct {
	LogRoot   string `json:"logRoot,omitempty" description:"directory of task logs"`
	WorkRoot  string `json:"workRoot,omitempty" description:"working directory root of tasks on analysts"`
	SharedDir string `json:"sharedDir,omitempty" description:"storage shared by coordinators and analysts, scripts are written there when set"`

	HousekeepingInterval time.Duration `json:"housekeepingInterval,omitempty"`
	InactiveTimeout      time.Duration `json:"inactiveTimeout,omitempty" description:"analysts not pinging for this long are marked down"`
	OrphanTimeout        time.Duration `json:"orphanTimeout,omitempty" description:"leased tasks not pinged for this long are reset to waiting"`
	OrphanBatch          int           `json:"orphanBatch,omitempty"`
	UnresponsiveBatch    int           `json:"unresponsiveBatch,omitempty"`
	KillGrace            time.Duration `json:"killGrace,omitempty" description:"wait after killing a task before moving it"`
	AutoRetryLimit       int           `json:"autoRetryLimit,omitempty" description:"runs a failing task gets before it is failed"`
	ResponseTimeout      time.Duration `json:"responseTimeout,omitempty" description:"wait for the result of an interactive task"`
	AllowedAnalysts      []string      `json:"allowedAnalysts,omitempty" description:"ip or domain patterns of analysts allowed to lease tasks"`

	Mode ExecMode `json:"-"`
	// Registry checks the processors of submitted scripts.
	Registry *pipeline.Registry `json:"-"`
	Log      logr.Logger        `json:"-"`
	Metrics  *metrics.Coordinator `json:"-"`
	// Locker keeps housekeeping to one coordinator at a time.
	Locker lock.Locker `json:"-"`
	// Analysts returns a client of the analyst at url.
	// Clients are dialed and cached by the coordinator when it is nil.
	Analysts func(url string) (rpc.WorkerClient, error) `json:"-"`
	Now      func() time.Time                            `json:"-"`
}

func NewDefaultOptions() *Options {
	return &Options{
		LogRoot:              "logs",
		WorkRoot:             "work",
		HousekeepingInterval: 2 * time.Second,
		InactiveTimeout:      60 * time.Second,
		OrphanTimeout:        10 * time.Minute,
		OrphanBatch:          10,
		UnresponsiveBatch:    25,
		KillGrace:            time.Second,
		AutoRetryLimit:       2,
		ResponseTimeout:      30 * time.Second,
	}
}

func (o *Options) RegistFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.LogRoot, joinFlagName(prefix, "log-root"), o.LogRoot, "directory of task logs")
	fs.StringVar(&o.WorkRoot, joinFlagName(prefix, "work-root"), o.WorkRoot, "working directory root of tasks on analysts")
	fs.StringVar(&o.SharedDir, joinFlagName(prefix, "shared-dir"), o.SharedDir, "storage shared with analysts, scripts are written there when set")
	fs.DurationVar(&o.HousekeepingInterval, joinFlagName(prefix, "housekeeping-interval"), o.HousekeepingInterval, "interval of housekeeping cycles")
	fs.DurationVar(&o.InactiveTimeout, joinFlagName(prefix, "inactive-timeout"), o.InactiveTimeout, "analysts not pinging for this long are marked down")
	fs.DurationVar(&o.OrphanTimeout, joinFlagName(prefix, "orphan-timeout"), o.OrphanTimeout, "leased tasks not pinged for this long are reset to waiting")
	fs.IntVar(&o.OrphanBatch, joinFlagName(prefix, "orphan-batch"), o.OrphanBatch, "orphan tasks reset per cycle")
	fs.IntVar(&o.UnresponsiveBatch, joinFlagName(prefix, "unresponsive-batch"), o.UnresponsiveBatch, "analysts marked down per cycle")
	fs.DurationVar(&o.KillGrace, joinFlagName(prefix, "kill-grace"), o.KillGrace, "wait after killing a task before moving it")
	fs.IntVar(&o.AutoRetryLimit, joinFlagName(prefix, "auto-retry-limit"), o.AutoRetryLimit, "runs a failing task gets before it is failed")
	fs.DurationVar(&o.ResponseTimeout, joinFlagName(prefix, "response-timeout"), o.ResponseTimeout, "wait for the result of an interactive task")
	fs.StringSliceVar(&o.AllowedAnalysts, joinFlagName(prefix, "allowed-analysts"), o.AllowedAnalysts, "ip or domain patterns of analysts allowed to lease tasks")
}

func joinFlagName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}

// Coordinator leases tasks to analysts and drives their states.
// Every state change goes through a compare and swap of the services,
// so any number of coordinators can share them.
type Coordinator struct {
	opts     Options
	jobs     JobService
	tasks    TaskService
	analysts AnalystService
	allow    AllowList
	reg      *pipeline.Registry
	log      logr.Logger
	metrics  *metrics.Coordinator
	locker   lock.Locker
	now      func() time.Time

	commands  *container.WorkQueue[command]
	responses *cache.Cache
	conns     *cache.Cache
}

// NewCoordinator creates a Coordinator on services.
func NewCoordinator(services Services, opts *Options) (*Coordinator, error) {
	if opts == nil {
		opts = NewDefaultOptions()
	}
	allow, err := NewAllowList(opts.AllowedAnalysts)
	if err != nil {
		return nil, errors.Wrap(err, "allowed analysts")
	}
	c := &Coordinator{
		opts:     *opts,
		jobs:     services.JobService(),
		tasks:    services.TaskService(),
		analysts: services.AnalystService(),
		allow:    allow,
		reg:      opts.Registry,
		log:      opts.Log,
		metrics:  opts.Metrics,
		locker:   opts.Locker,
		now:      opts.Now,
	}
	if c.reg == nil {
		c.reg = pipeline.NewDefaultRegistry()
	}
	if c.log.GetSink() == nil {
		c.log = log.WithName("coordinator")
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCoordinator(nil)
	}
	if c.locker == nil {
		c.locker = lock.Local{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.commands = container.NewWorkQueue(c.handle)
	c.responses = cache.New(2*c.opts.ResponseTimeout, time.Minute)
	c.conns = cache.New(time.Hour, 10*time.Minute)
	c.conns.OnEvicted(func(url string, v interface{}) {
		v.(*grpc.ClientConn).Close()
	})
	return c, nil
}

// Registry returns the processor registry scripts are checked against.
func (c *Coordinator) Registry() *pipeline.Registry {
	return c.reg
}

// SubmitJob creates a job and its first task running spec's script.
func (c *Coordinator) SubmitJob(spec JobSpec) (*Job, error) {
	if err := spec.Validate(c.reg); err != nil {
		return nil, err
	}
	j, err := c.jobs.CreateJob(spec)
	if err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	_, err = c.tasks.CreateTask(j.ID, TaskSpec{Name: spec.Name, Script: spec.Script})
	if err != nil {
		return nil, errors.Wrap(err, "create task")
	}
	c.log.Info("job submitted", "job", j.ID, "name", j.Name, "user", j.User)
	return c.jobs.GetJob(j.ID)
}

func (c *Coordinator) logPath(job JobID, task TaskID) string {
	return filepath.Join(c.opts.LogRoot, fmt.Sprintf("job-%d", job), fmt.Sprintf("task-%d.log", task))
}

func (c *Coordinator) workDir(job JobID) string {
	return filepath.Join(c.opts.WorkRoot, fmt.Sprintf("job-%d", job))
}

// sharedScript writes the script of t to the shared directory,
// so analysts can read it from there. It returns an empty path when
// there isn't a shared directory.
func (c *Coordinator) sharedScript(t *Task) (string, error) {
	if c.opts.SharedDir == "" {
		return "", nil
	}
	dir := filepath.Join(c.opts.SharedDir, "scripts", fmt.Sprintf("job-%d", t.JobID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("task-%d.json", t.ID))
	if err := os.WriteFile(path, t.Script, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Coordinator) taskStart(t *Task, j *Job) *rpc.TaskStart {
	s := &rpc.TaskStart{
		ID:        int64(t.ID),
		JobID:     int64(t.JobID),
		ParentID:  int64(t.ParentID),
		Name:      t.Name,
		Script:    t.Script,
		Args:      j.Args,
		Env:       j.Env,
		LogPath:   t.LogPath,
		WorkDir:   c.workDir(t.JobID),
		SharedDir: c.opts.SharedDir,
	}
	path, err := c.sharedScript(t)
	if err != nil {
		// the analyst writes it on its own.
		c.log.Error(err, "cannot write shared script", "task", t.ID)
	}
	s.ScriptPath = path
	return s
}

// GetWaitingTasks leases up to count waiting tasks to the analyst at url.
// Tasks claimed by a concurrent call are skipped, so fewer than count
// tasks may be returned even though more were waiting.
func (c *Coordinator) GetWaitingTasks(url string, count int) ([]*rpc.TaskStart, error) {
	if url == "" {
		return nil, ErrNoReturnURL
	}
	if !c.allow.Allow(url) {
		return nil, errors.Wrap(ErrAnalystNotAllowed, url)
	}
	if count <= 0 {
		return nil, nil
	}
	starts := make([]*rpc.TaskStart, 0, count)
	jobs := make(map[JobID]*Job)
	after := TaskID(0)
	for len(starts) < count {
		tasks, err := c.tasks.GetWaitingTasks(count-len(starts), after)
		if err != nil {
			return starts, errors.Wrap(err, "get waiting tasks")
		}
		if len(tasks) == 0 {
			break
		}
		for _, t := range tasks {
			after = t.ID
			ok, err := c.tasks.SetTaskState(TaskTransition{
				ID:      t.ID,
				From:    TaskWaiting,
				To:      TaskQueued,
				Host:    url,
				LogPath: c.logPath(t.JobID, t.ID),
			})
			if err != nil {
				c.log.Error(err, "cannot queue task", "task", t.ID)
				continue
			}
			if !ok {
				continue
			}
			j, ok := jobs[t.JobID]
			if !ok {
				j, err = c.jobs.GetJob(t.JobID)
				if err != nil {
					c.log.Error(err, "cannot get job of queued task", "task", t.ID)
					c.resetTask(t.ID, TaskQueued)
					continue
				}
				jobs[j.ID] = j
			}
			t.LogPath = c.logPath(t.JobID, t.ID)
			starts = append(starts, c.taskStart(t, j))
		}
	}
	if len(starts) != 0 {
		c.metrics.TasksQueued.Add(float64(len(starts)))
		c.log.V(1).Info("tasks queued", "host", url, "count", len(starts))
	}
	return starts, nil
}

// resetTask moves a task back to waiting if it is still in from.
func (c *Coordinator) resetTask(id TaskID, from TaskState) bool {
	ok, err := c.tasks.SetTaskState(TaskTransition{ID: id, From: from, To: TaskWaiting})
	if err != nil {
		c.log.Error(err, "cannot reset task", "task", id)
		return false
	}
	if ok {
		if err := c.jobs.ResetTaskStats(id); err != nil {
			c.log.Error(err, "cannot reset task stats", "task", id)
		}
	}
	return ok
}

// StartTask marks a queued task as running on the analyst at url.
// It returns false when the task is no longer queued for the analyst.
func (c *Coordinator) StartTask(url string, id TaskID) (bool, error) {
	t, err := c.tasks.GetTask(id)
	if err != nil {
		return false, err
	}
	if url != "" && t.Host != url {
		c.log.Info("start report from an analyst not holding the task", "task", id, "host", url, "holder", t.Host)
		return false, nil
	}
	ok, err := c.tasks.SetTaskState(TaskTransition{ID: id, From: TaskQueued, To: TaskRunning})
	if err != nil {
		return false, err
	}
	if !ok {
		c.log.Info("task was not queued when it started", "task", id, "host", url)
	}
	return ok, nil
}

// StopTask ends a run of a task. A failed run that wasn't killed or
// aborted puts the task back to waiting until it ran AutoRetryLimit times.
// It returns false when the task is not leased to the analyst at url.
func (c *Coordinator) StopTask(url string, id TaskID, stop rpc.TaskStop) (bool, error) {
	t, err := c.tasks.GetTask(id)
	if err != nil {
		return false, err
	}
	if !t.State.IsLeased() {
		c.log.Info("stop report for a task not leased", "task", id, "state", t.State, "host", url)
		return false, nil
	}
	if url != "" && t.Host != url {
		c.log.Info("stop report from an analyst not holding the task", "task", id, "host", url, "holder", t.Host)
		return false, nil
	}
	to := TaskFailure
	switch {
	case stop.ExitStatus == pipeline.ExitSuccess:
		to = TaskSuccess
	case !stop.Killed && !stop.Aborted && t.RunCount < c.opts.AutoRetryLimit:
		to = TaskWaiting
	}
	status := stop.ExitStatus
	// the start report may not have arrived.
	for _, from := range []TaskState{TaskRunning, TaskQueued} {
		ok, err := c.tasks.SetTaskState(TaskTransition{ID: id, From: from, To: to, ExitStatus: &status})
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if to == TaskWaiting {
			if err := c.jobs.ResetTaskStats(id); err != nil {
				c.log.Error(err, "cannot reset task stats", "task", id)
			}
			c.log.Info("task failed, retrying", "task", id, "exitStatus", status, "runCount", t.RunCount)
		} else {
			c.log.Info("task stopped", "task", id, "state", to, "exitStatus", status)
		}
		c.metrics.TasksStopped.WithLabelValues(to.String()).Inc()
		return true, nil
	}
	return false, nil
}

// touch refreshes the ping time of a task leased to host.
func (c *Coordinator) touch(host string, id TaskID) {
	if host == "" {
		return
	}
	if err := c.tasks.PingTasks(host, []TaskID{id}, c.now()); err != nil {
		c.log.Error(err, "cannot ping task", "task", id, "host", host)
	}
}

// stale reports whether a report from host belongs to a run that no
// longer holds t, after a retry or an orphan reset. Reports without a
// host always apply.
func (c *Coordinator) stale(host string, t *Task) bool {
	if host == "" || (t.State.IsLeased() && t.Host == host) {
		return false
	}
	c.log.Info("report from an analyst not holding the task", "task", t.ID, "host", host, "holder", t.Host, "state", t.State)
	return true
}

// HandleTaskErrors records processing errors reported by a running task.
func (c *Coordinator) HandleTaskErrors(host string, id TaskID, errs []pipeline.ProcessingError) error {
	t, err := c.tasks.GetTask(id)
	if err != nil {
		return err
	}
	if c.stale(host, t) {
		return nil
	}
	c.touch(host, id)
	now := c.now()
	tes := make([]TaskError, len(errs))
	for i, e := range errs {
		tes[i] = TaskError{
			Message:    e.Message,
			Processor:  e.Processor,
			Phase:      e.Phase,
			ItemID:     e.ItemID,
			OriginPath: e.OriginPath,
			Skipped:    e.Skipped,
			Time:       now,
		}
	}
	return c.tasks.AddTaskErrors(id, tes)
}

// HandleTaskStats adds the stats reported by a running task to its job.
// Stats of a run that lost the task are dropped, they were taken off
// the job when the task was reset.
func (c *Coordinator) HandleTaskStats(host string, id TaskID, s pipeline.Stats) error {
	t, err := c.tasks.GetTask(id)
	if err != nil {
		return err
	}
	if c.stale(host, t) {
		return nil
	}
	c.touch(host, id)
	return c.jobs.IncrementFrameStats(t.JobID, t.ID, FrameStatsOf(s))
}

// Expand creates a waiting child task of a running task.
// The child runs the parent's processors when its script has none.
func (c *Coordinator) Expand(host string, parent TaskID, name string, script []byte) (*Task, error) {
	p, err := c.tasks.GetTask(parent)
	if err != nil {
		return nil, err
	}
	if c.stale(host, p) {
		return nil, errors.Wrapf(ErrNotLeased, "task %d, host %s", parent, host)
	}
	c.touch(host, parent)
	s, err := pipeline.DecodeScript(script)
	if err != nil {
		return nil, err
	}
	if len(s.Execute) == 0 {
		ps, err := pipeline.DecodeScript(p.Script)
		if err != nil {
			return nil, errors.Wrapf(err, "script of parent task %d", parent)
		}
		s.Inherit(ps)
	}
	if err := s.Validate(c.reg); err != nil {
		return nil, err
	}
	if name == "" {
		name = fmt.Sprintf("%s expand", p.Name)
	}
	t, err := c.tasks.CreateTask(p.JobID, TaskSpec{Name: name, Script: s, ParentID: p.ID})
	if err != nil {
		return nil, err
	}
	c.metrics.TasksExpanded.Inc()
	c.log.Info("task expanded", "job", t.JobID, "parent", parent, "task", t.ID)
	return t, nil
}

// Ping registers the analyst or keeps it alive, with the tasks it runs.
func (c *Coordinator) Ping(p AnalystPing) (*Analyst, error) {
	if p.URL == "" {
		return nil, ErrNoReturnURL
	}
	if !c.allow.Allow(p.URL) {
		return nil, errors.Wrap(ErrAnalystNotAllowed, p.URL)
	}
	now := c.now()
	a, err := c.analysts.UpsertAnalyst(p, now)
	if err != nil {
		return nil, err
	}
	if err := c.tasks.PingTasks(p.URL, p.TaskIDs, now); err != nil {
		c.log.Error(err, "cannot ping tasks", "host", p.URL)
	}
	return a, nil
}

func (c *Coordinator) analyst(url string) (rpc.WorkerClient, error) {
	if c.opts.Analysts != nil {
		return c.opts.Analysts(url)
	}
	if v, ok := c.conns.Get(url); ok {
		return rpc.NewWorkerClient(v.(*grpc.ClientConn)), nil
	}
	conn, err := rpc.Dial(context.Background(), url)
	if err != nil {
		return nil, err
	}
	c.conns.SetDefault(url, conn)
	return rpc.NewWorkerClient(conn), nil
}

// KillRunningTaskOnAnalyst asks the analyst holding t to stop it.
// Failures are logged only, an unreachable analyst's tasks are
// recovered as orphans.
func (c *Coordinator) KillRunningTaskOnAnalyst(t *Task, reason, user string) bool {
	if t.Host == "" {
		return false
	}
	cli, err := c.analyst(t.Host)
	if err != nil {
		c.log.Error(err, "cannot connect to analyst", "host", t.Host, "task", t.ID)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = cli.KillTask(ctx, &rpc.TaskKill{ID: int64(t.ID), Reason: reason, User: user})
	if err != nil {
		c.log.Error(err, "cannot kill task", "host", t.Host, "task", t.ID)
		return false
	}
	c.log.Info("kill sent", "host", t.Host, "task", t.ID, "reason", reason, "user", user)
	return true
}

// Close releases the connections to analysts.
func (c *Coordinator) Close() {
	for url := range c.conns.Items() {
		c.conns.Delete(url)
	}
}

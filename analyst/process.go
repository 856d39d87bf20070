// Package analyst runs the tasks coordinators lease to it.
package analyst

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	sync "github.com/sasha-s/go-deadlock"

	"github.com/Juanbuhler/zmlp-sub000/lib/container"
	"github.com/Juanbuhler/zmlp-sub000/lib/log"
	"github.com/Juanbuhler/zmlp-sub000/lib/metrics"
	"github.com/Juanbuhler/zmlp-sub000/pipeline"
	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

var (
	ErrAlreadyQueued = errors.New("task already queued")
	ErrIdleShutdown  = errors.New("analyst idle for too long")
	ErrBackoff       = errors.New("coordinator in backoff")
)

// interactiveTaskID is the id of a task run for a waiting caller.
// Such a task is not known to the coordinator.
const interactiveTaskID = 0

type process struct {
	task *rpc.TaskStart
	// host is the coordinator the task came from.
	host   string
	exec   *pipeline.Executor
	killed bool
}

func (p *process) interactive() bool {
	return p.task.ID == interactiveTaskID
}

// ProcessManager executes leased tasks and keeps track of them,
// so a task is never run twice at once and can be killed.
type ProcessManager struct {
	opts    Options
	reg     *pipeline.Registry
	log     logr.Logger
	metrics *metrics.Analyst
	now     func() time.Time
	runner  Runner
	conns   *ConnectionCache
	hosts   *HostList
	kills   *container.WorkQueue[rpc.TaskKill]

	mu       sync.Mutex
	procs    map[int64]*process
	lastBusy time.Time
}

func NewProcessManager(opts *Options) (*ProcessManager, error) {
	if opts == nil {
		opts = NewDefaultOptions()
	}
	if opts.URL == "" {
		return nil, errors.New("url of the analyst required")
	}
	if opts.Threads < 1 {
		return nil, errors.Errorf("invalid number of threads: %d", opts.Threads)
	}
	pm := &ProcessManager{
		opts:    *opts,
		reg:     opts.Registry,
		log:     opts.Log,
		metrics: opts.Metrics,
		now:     opts.Now,
		procs:   make(map[int64]*process),
	}
	if pm.reg == nil {
		pm.reg = pipeline.NewDefaultRegistry()
	}
	if pm.log.GetSink() == nil {
		pm.log = log.WithName("analyst")
	}
	if pm.metrics == nil {
		pm.metrics = metrics.NewAnalyst(nil)
	}
	if pm.now == nil {
		pm.now = time.Now
	}
	if pm.opts.TempDir == "" {
		pm.opts.TempDir = os.TempDir()
	}
	load := opts.LoadHosts
	if load == nil {
		load = StaticHosts(opts.Hosts)
	}
	pm.hosts = NewHostList(load, opts.HostRefresh, pm.now)
	pm.conns = NewConnectionCache(opts.Dial, opts.Backoff, pm.now)
	if opts.Mode == ModeInline {
		pm.runner = InlineRunner{}
	} else {
		pm.runner = NewPoolRunner(opts.Threads)
	}
	pm.kills = container.NewWorkQueue(pm.kill)
	pm.lastBusy = pm.now()
	return pm, nil
}

// QueueTask runs t, leased from the coordinator at host.
// In ModeInline it returns after the task finished.
func (pm *ProcessManager) QueueTask(host string, t *rpc.TaskStart) error {
	if t.ID == interactiveTaskID {
		return errors.New("interactive tasks cannot be queued")
	}
	pm.mu.Lock()
	if _, ok := pm.procs[t.ID]; ok {
		pm.mu.Unlock()
		return errors.Wrapf(ErrAlreadyQueued, "task %d", t.ID)
	}
	p := &process{task: t, host: host}
	pm.procs[t.ID] = p
	pm.mu.Unlock()

	pm.runner.Run(func() {
		pm.execute(p)
	})
	return nil
}

// ExecuteInteractive runs t right away and returns its result.
// Nothing is reported to coordinators while it runs.
func (pm *ProcessManager) ExecuteInteractive(t *rpc.TaskStart) *rpc.TaskResult {
	p := &process{task: t}
	r := pm.run(p)
	pm.metrics.TasksExecuted.WithLabelValues(strconv.Itoa(r.ExitStatus)).Inc()
	return r
}

func (pm *ProcessManager) execute(p *process) {
	r := pm.run(p)
	killed := pm.remove(p.task.ID)
	pm.metrics.TasksExecuted.WithLabelValues(strconv.Itoa(r.ExitStatus)).Inc()
	stop := rpc.TaskStop{ExitStatus: r.ExitStatus, Killed: killed, Aborted: r.Aborted}
	pm.call(p.host, "report task stopped", func(ctx context.Context, cli rpc.CoordinatorClient) error {
		_, err := cli.ReportTaskStopped(ctx, &rpc.TaskStopped{ID: p.task.ID, Host: pm.opts.URL, Stop: stop})
		return err
	})
}

// run executes the script of p. Reactions are forwarded to the
// coordinator of p while it runs, and collected into the result.
func (pm *ProcessManager) run(p *process) *rpc.TaskResult {
	t := p.task
	r := &rpc.TaskResult{JobID: t.JobID, ExitStatus: pipeline.ExitFailure}
	l := pm.log.WithValues("task", t.ID, "job", t.JobID)

	if pm.isKilled(p) {
		l.Info("task killed before it started")
		r.ExitStatus = pipeline.ExitKilled
		return r
	}
	if err := os.MkdirAll(filepath.Dir(t.LogPath), 0755); err != nil {
		pm.abort(p, r, errors.Wrap(err, "create log directory"))
		return r
	}
	taskLog, closeLog, err := log.NewFileLogger(t.LogPath)
	if err != nil {
		pm.abort(p, r, errors.Wrap(err, "open task log"))
		return r
	}
	defer closeLog()
	script, cleanup, err := pm.scriptFile(t)
	if err != nil {
		pm.abort(p, r, errors.Wrap(err, "write script"))
		return r
	}
	defer cleanup()

	if !p.interactive() {
		pm.call(p.host, "report task started", func(ctx context.Context, cli rpc.CoordinatorClient) error {
			_, err := cli.ReportTaskStarted(ctx, &rpc.TaskStarted{ID: t.ID, Host: pm.opts.URL})
			return err
		})
	}

	reactions := make(chan pipeline.Reaction, 64)
	e := pipeline.NewExecutor(pipeline.Task{
		ID:         t.ID,
		JobID:      t.JobID,
		Args:       t.Args,
		Env:        t.Env,
		LogPath:    t.LogPath,
		WorkDir:    t.WorkDir,
		ScriptPath: script,
		SharedDir:  t.SharedDir,
	}, pm.reg, reactions)
	e.Log = taskLog
	if !pm.attach(p, e) {
		l.Info("task killed before it started")
		r.ExitStatus = pipeline.ExitKilled
		return r
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for re := range reactions {
			pm.react(p, r, re)
		}
	}()
	pm.metrics.TasksRunning.Inc()
	l.Info("task started", "host", p.host)
	r.ExitStatus = e.Execute()
	pm.metrics.TasksRunning.Dec()
	close(reactions)
	<-done
	l.Info("task finished", "exitStatus", r.ExitStatus, "errors", len(r.Errors))
	return r
}

// abort fails p before its execution with err.
func (pm *ProcessManager) abort(p *process, r *rpc.TaskResult, err error) {
	pm.log.Error(err, "cannot run task", "task", p.task.ID)
	r.Aborted = true
	pm.react(p, r, pipeline.Reaction{Error: &pipeline.ProcessingError{
		Message: err.Error(),
		Phase:   pipeline.PhaseInit,
	}})
}

func (pm *ProcessManager) react(p *process, r *rpc.TaskResult, re pipeline.Reaction) {
	id := p.task.ID
	switch {
	case re.Error != nil:
		r.Errors = append(r.Errors, *re.Error)
		if p.interactive() {
			return
		}
		errs := []pipeline.ProcessingError{*re.Error}
		pm.call(p.host, "report task errors", func(ctx context.Context, cli rpc.CoordinatorClient) error {
			_, err := cli.ReportTaskErrors(ctx, &rpc.TaskErrors{ID: id, Host: pm.opts.URL, Errors: errs})
			return err
		})
	case re.Expand != nil:
		if p.interactive() {
			return
		}
		data, err := re.Expand.Script.Encode()
		if err != nil {
			pm.log.Error(err, "cannot encode expanded script", "task", id)
			return
		}
		// sent once, a retry could create the child twice.
		ex := rpc.Expand{Name: re.Expand.Name, Script: data}
		pm.call(p.host, "expand task", func(ctx context.Context, cli rpc.CoordinatorClient) error {
			_, err := cli.Expand(ctx, &rpc.ExpandRequest{ID: id, Host: pm.opts.URL, Expand: ex})
			return err
		})
	case re.Stats != nil:
		if p.interactive() {
			return
		}
		stats := *re.Stats
		pm.call(p.host, "report task stats", func(ctx context.Context, cli rpc.CoordinatorClient) error {
			_, err := cli.ReportTaskStats(ctx, &rpc.TaskStats{ID: id, Host: pm.opts.URL, Stats: stats})
			return err
		})
	case re.Response != nil:
		r.Response = re.Response
	}
}

// call calls the coordinator at host. Failures are logged only.
func (pm *ProcessManager) call(host, what string, fn func(ctx context.Context, cli rpc.CoordinatorClient) error) {
	cli, err := pm.conns.Client(host)
	if err != nil {
		pm.log.Error(err, "cannot connect to coordinator", "host", host, "call", what)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pm.opts.RPCTimeout)
	defer cancel()
	if err := fn(ctx, cli); err != nil {
		pm.log.Error(err, "call to coordinator failed", "host", host, "call", what)
	}
}

// scriptFile returns the path of the script of t. Scripts not on shared
// storage are written to a temporary file, removed by the returned func.
func (pm *ProcessManager) scriptFile(t *rpc.TaskStart) (string, func(), error) {
	if t.ScriptPath != "" {
		if _, err := os.Stat(t.ScriptPath); err == nil {
			return t.ScriptPath, func() {}, nil
		}
	}
	if len(t.Script) == 0 {
		return "", func() {}, errors.New("task has no script")
	}
	path := filepath.Join(pm.opts.TempDir, fmt.Sprintf("zmlp-script-%s.json", uuid.NewString()))
	if err := os.WriteFile(path, t.Script, 0644); err != nil {
		return "", func() {}, err
	}
	return path, func() {
		os.Remove(path)
	}, nil
}

func (pm *ProcessManager) isKilled(p *process) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return p.killed
}

// attach sets the executor of p, unless p was killed meanwhile.
func (pm *ProcessManager) attach(p *process, e *pipeline.Executor) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if p.killed {
		return false
	}
	p.exec = e
	return true
}

// remove forgets the task and tells whether it was killed.
func (pm *ProcessManager) remove(id int64) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.procs[id]
	if !ok {
		return false
	}
	delete(pm.procs, id)
	pm.lastBusy = pm.now()
	return p.killed
}

// Kill stops the execution of a task. Kills are handled one at a time,
// apart from the executions. A task not running here is ignored.
func (pm *ProcessManager) Kill(k rpc.TaskKill) {
	pm.kills.Push(k)
	if pm.opts.Mode == ModeInline {
		pm.kills.Drain()
	}
}

func (pm *ProcessManager) kill(k rpc.TaskKill) {
	pm.mu.Lock()
	p, ok := pm.procs[k.ID]
	if !ok || p.killed {
		pm.mu.Unlock()
		pm.log.V(1).Info("kill of a task not running", "task", k.ID)
		return
	}
	p.killed = true
	e := p.exec
	pm.mu.Unlock()

	if e != nil && !e.Cancel() {
		return
	}
	pm.metrics.Kills.Inc()
	pm.log.Info("task killed", "task", k.ID, "reason", k.Reason, "user", k.User)
	l, closeLog, err := log.NewFileLogger(p.task.LogPath)
	if err != nil {
		pm.log.Error(err, "cannot note the kill in the task log", "task", k.ID)
		return
	}
	l.Info(fmt.Sprintf("Process killed, reason: %s, user: %s", k.Reason, k.User))
	closeLog()
}

// TaskIDs returns the ids of the tasks queued or running here.
func (pm *ProcessManager) TaskIDs() []int64 {
	pm.mu.Lock()
	ids := make([]int64, 0, len(pm.procs))
	for id := range pm.procs {
		ids = append(ids, id)
	}
	pm.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (pm *ProcessManager) idleCapacity() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.opts.Threads - len(pm.procs)
}

func (pm *ProcessManager) markBusy() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.lastBusy = pm.now()
}

// IdleExpired reports whether the analyst has had nothing to do for
// the idle shutdown period. It is always false without one.
func (pm *ProcessManager) IdleExpired() bool {
	if pm.opts.IdleShutdown <= 0 {
		return false
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if len(pm.procs) != 0 {
		return false
	}
	return pm.now().Sub(pm.lastBusy) >= time.Duration(pm.opts.IdleShutdown)*time.Minute
}

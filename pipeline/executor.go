package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// Exit statuses returned by Execute.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitKilled  = 2
)

// Default number of items an expander puts in a child task.
const DefaultBatchSize = 50

// Task is what the executor needs to know about the task it runs.
type Task struct {
	ID         int64
	JobID      int64
	Args       map[string]any
	Env        map[string]string
	LogPath    string
	WorkDir    string
	ScriptPath string
	SharedDir  string
}

// Executor runs the script of a task once, sending reactions to out.
// out is never closed by the executor.
type Executor struct {
	Task     Task
	Registry *Registry
	Log      logr.Logger
	// StatsEvery sends a stats reaction after that many items.
	// Stats are always sent when the execution ends.
	StatsEvery int

	out chan<- Reaction

	mu        sync.Mutex
	cancelled bool
	finished  bool
	cancel    context.CancelFunc
}

func NewExecutor(task Task, reg *Registry, out chan<- Reaction) *Executor {
	return &Executor{
		Task:       task,
		Registry:   reg,
		Log:        logr.Discard(),
		StatsEvery: 100,
		out:        out,
	}
}

// Cancel stops the execution as soon as the running processor returns.
// It returns false if the executor was already cancelled or finished.
func (e *Executor) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled || e.finished {
		return false
	}
	e.cancelled = true
	if e.cancel != nil {
		e.cancel()
	}
	return true
}

// Execute runs the task and returns its exit status.
func (e *Executor) Execute() int {
	e.mu.Lock()
	if e.cancelled {
		e.finished = true
		e.mu.Unlock()
		return ExitKilled
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.finished = true
		e.mu.Unlock()
		cancel()
	}()

	status := e.run(ctx)
	if ctx.Err() != nil {
		e.Log.Info("execution killed", "task", e.Task.ID)
		return ExitKilled
	}
	e.Log.Info("execution finished", "task", e.Task.ID, "exitStatus", status)
	return status
}

func (e *Executor) emit(r Reaction) {
	if e.out == nil {
		return
	}
	e.out <- r
}

func (e *Executor) fatal(phase, processor string, err error) {
	e.Log.Error(err, "execution failed", "phase", phase, "processor", processor)
	e.emit(Reaction{Error: &ProcessingError{
		Message:   err.Error(),
		Processor: processor,
		Phase:     phase,
	}})
}

type stage struct {
	ref     *ProcessorRef
	proc    Processor
	collect *collector
}

func (e *Executor) build(refs []*ProcessorRef) ([]*stage, error) {
	stages := make([]*stage, 0, len(refs))
	for _, ref := range refs {
		if ref.IsExpander() {
			batch := Args(ref.Args).Int("batchSize", DefaultBatchSize)
			if batch < 1 {
				batch = 1
			}
			stages = append(stages, &stage{ref: ref, collect: &collector{ref: ref, batch: batch}})
			continue
		}
		p, err := e.Registry.NewProcessor(ref)
		if err != nil {
			return nil, err
		}
		stages = append(stages, &stage{ref: ref, proc: p})
	}
	return stages, nil
}

func (e *Executor) run(ctx context.Context) int {
	script, err := LoadScript(e.Task.ScriptPath)
	if err != nil {
		e.fatal(PhaseInit, "", err)
		return ExitFailure
	}
	stages, err := e.build(script.Execute)
	if err != nil {
		e.fatal(PhaseInit, "", err)
		return ExitFailure
	}
	gens := make([]Generator, len(script.Generate))
	for i, ref := range script.Generate {
		g, err := e.Registry.NewGenerator(ref)
		if err != nil {
			e.fatal(PhaseInit, ref.ClassName, err)
			return ExitFailure
		}
		gens[i] = g
	}

	r := &execution{e: e, ctx: ctx, script: script, stages: stages}
	status := ExitSuccess
	for i, g := range gens {
		err := g.Generate(ctx, r.process)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			e.fatal(PhaseGenerate, script.Generate[i].ClassName, err)
			status = ExitFailure
		}
	}
	for _, item := range script.Over {
		if err := r.process(item); err != nil {
			break
		}
	}
	if ctx.Err() == nil {
		r.teardown()
	}
	r.flushStats()
	return status
}

// execution is the state of a single Execute call.
type execution struct {
	e      *Executor
	ctx    context.Context
	script *Script
	stages []*stage
	stats  Stats
	n      int
}

func (r *execution) process(item *Item) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if item == nil {
		return nil
	}
	f := &Frame{Item: item, emit: r.e.emit}
	failed := false
	for _, s := range r.stages {
		if s.collect != nil {
			s.collect.add(r, item)
			continue
		}
		err := s.proc.Process(r.ctx, f)
		if err == nil {
			continue
		}
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		failed = true
		var skip *SkipItem
		skipped := errors.As(err, &skip)
		r.e.emit(Reaction{Error: &ProcessingError{
			Message:    err.Error(),
			Processor:  s.ref.ClassName,
			Phase:      PhaseExecute,
			ItemID:     item.ID,
			OriginPath: item.Path,
			Skipped:    skipped,
		}})
		if skipped {
			break
		}
	}
	if failed {
		r.stats.Error++
	} else {
		r.stats.Success++
	}
	r.stats.Warning += f.warnings
	r.n++
	if r.e.StatsEvery > 0 && r.n%r.e.StatsEvery == 0 {
		r.flushStats()
	}
	return nil
}

func (r *execution) teardown() {
	for _, s := range r.stages {
		if s.collect != nil {
			s.collect.flush(r)
		}
	}
}

func (r *execution) flushStats() {
	if r.stats.IsZero() {
		return
	}
	s := r.stats
	r.e.emit(Reaction{Stats: &s})
	r.stats = Stats{}
}

// collector batches items for a sub-pipeline expander.
type collector struct {
	ref   *ProcessorRef
	batch int
	items []*Item
	n     int
}

func (c *collector) add(r *execution, item *Item) {
	c.items = append(c.items, item.clone())
	if len(c.items) >= c.batch {
		c.flush(r)
	}
}

func (c *collector) flush(r *execution) {
	if len(c.items) == 0 {
		return
	}
	c.n++
	name := r.script.Name
	if name == "" {
		name = fmt.Sprintf("task %d", r.e.Task.ID)
	}
	r.e.emit(Reaction{Expand: &Expand{
		Name: fmt.Sprintf("%s expand #%d", name, c.n),
		Script: &Script{
			Name:    name,
			Over:    c.items,
			Execute: c.ref.Execute,
		},
	}})
	c.items = nil
}

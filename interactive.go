package zmlp

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strconv"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/Juanbuhler/zmlp-sub000/pipeline"
	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

// responseSlot returns the single slot rendezvous of job, creating it
// when missing.
func (c *Coordinator) responseSlot(job JobID) chan *rpc.TaskResult {
	key := strconv.FormatInt(int64(job), 10)
	ch := make(chan *rpc.TaskResult, 1)
	if err := c.responses.Add(key, ch, cache.DefaultExpiration); err == nil {
		return ch
	}
	if v, ok := c.responses.Get(key); ok {
		return v.(chan *rpc.TaskResult)
	}
	c.responses.SetDefault(key, ch)
	return ch
}

// WaitOnResponse blocks until the result of the interactive task of job
// is handled, or ResponseTimeout passes.
func (c *Coordinator) WaitOnResponse(ctx context.Context, job JobID) (*rpc.TaskResult, error) {
	ch := c.responseSlot(job)
	defer c.responses.Delete(strconv.FormatInt(int64(job), 10))
	ctx, cancel := context.WithTimeout(ctx, c.opts.ResponseTimeout)
	defer cancel()
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrResponseTimeout, "job %d", job)
		}
		return nil, ctx.Err()
	}
}

// ExpectResponse reserves the slot the result of the interactive task
// of job is delivered to. A result delivered before anyone waits stays
// in the slot.
func (c *Coordinator) ExpectResponse(job JobID) {
	c.responseSlot(job)
}

// HandleResponse delivers the result of the interactive task of job.
// It returns false when a result was already delivered or nobody
// expects one anymore.
func (c *Coordinator) HandleResponse(job JobID, r *rpc.TaskResult) bool {
	v, ok := c.responses.Get(strconv.FormatInt(int64(job), 10))
	if !ok {
		c.log.Info("dropped a response nobody waits for", "job", job)
		return false
	}
	select {
	case v.(chan *rpc.TaskResult) <- r:
		return true
	default:
		c.log.Info("dropped a second response", "job", job)
		return false
	}
}

// pickAnalyst chooses an up analyst, preferring the least busy ones.
func (c *Coordinator) pickAnalyst() (*Analyst, error) {
	up := AnalystUp
	as, err := c.analysts.FindAnalysts(AnalystFilter{State: &up})
	if err != nil {
		return nil, err
	}
	if len(as) == 0 {
		return nil, ErrNoAnalyst
	}
	best := make([]*Analyst, 0, len(as))
	for _, a := range as {
		if len(best) == 0 || a.QueueSize < best[0].QueueSize {
			best = append(best[:0], a)
			continue
		}
		if a.QueueSize == best[0].QueueSize {
			best = append(best, a)
		}
	}
	return best[rand.Intn(len(best))], nil
}

// ExecuteInteractive runs the script of spec as a single task on an
// analyst and returns its result. The task is not stored, only its job.
func (c *Coordinator) ExecuteInteractive(ctx context.Context, spec JobSpec) (*rpc.TaskResult, error) {
	if err := spec.Validate(c.reg); err != nil {
		return nil, err
	}
	script, err := spec.Script.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "encode script")
	}
	a, err := c.pickAnalyst()
	if err != nil {
		return nil, err
	}
	cli, err := c.analyst(a.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to analyst %s", a.URL)
	}
	j, err := c.jobs.CreateJob(spec)
	if err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	defer func() {
		if _, err := c.jobs.SetJobState(j.ID, JobFinished, JobActive); err != nil {
			c.log.Error(err, "cannot finish interactive job", "job", j.ID)
		}
	}()
	c.ExpectResponse(j.ID)
	start := &rpc.TaskStart{
		ID:      int64(InteractiveTaskID),
		JobID:   int64(j.ID),
		Name:    spec.Name,
		Script:  script,
		Args:    j.Args,
		Env:     j.Env,
		LogPath: filepath.Join(c.opts.LogRoot, fmt.Sprintf("job-%d", j.ID), "interactive.log"),
		WorkDir: c.workDir(j.ID),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ResponseTimeout)
		defer cancel()
		r, err := cli.Execute(ctx, start)
		if err != nil {
			c.log.Error(err, "interactive execution failed", "job", j.ID, "host", a.URL)
			r = &rpc.TaskResult{
				JobID:      int64(j.ID),
				ExitStatus: pipeline.ExitFailure,
				Errors:     []pipeline.ProcessingError{{Message: err.Error(), Phase: pipeline.PhaseInit}},
			}
		}
		c.HandleResponse(j.ID, r)
	}()
	c.log.Info("interactive task sent", "job", j.ID, "host", a.URL)
	return c.WaitOnResponse(ctx, j.ID)
}

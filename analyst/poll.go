package analyst

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

// Poll asks coordinators for as many tasks as there are idle threads
// and queues what they return. A coordinator failing to answer is
// skipped until its backoff window passes.
// It returns the number of tasks queued.
func (pm *ProcessManager) Poll(ctx context.Context) int {
	idle := pm.idleCapacity()
	if idle <= 0 {
		pm.markBusy()
		return 0
	}
	n := 0
	for _, host := range pm.hosts.Hosts() {
		if idle <= 0 || ctx.Err() != nil {
			break
		}
		tasks, err := pm.queuePending(ctx, host, idle)
		if errors.Is(err, ErrBackoff) {
			pm.metrics.Backoffs.Inc()
			pm.markBusy()
			pm.log.V(1).Info("coordinator in backoff", "host", host, "retryAfter", pm.conns.Breaker(host).RetryAfter())
			continue
		}
		if err != nil {
			pm.metrics.PollErrors.WithLabelValues(host).Inc()
			pm.log.Error(err, "cannot get tasks", "host", host, "retryAfter", pm.conns.Breaker(host).RetryAfter())
			continue
		}
		for _, t := range tasks {
			if err := pm.QueueTask(host, t); err != nil {
				pm.log.Error(err, "cannot queue task", "host", host, "task", t.ID)
				continue
			}
			idle--
			n++
		}
	}
	if n != 0 {
		pm.markBusy()
		pm.log.V(1).Info("tasks queued", "count", n)
	}
	return n
}

// queuePending leases up to count tasks from host. It returns ErrBackoff
// without calling host while its breaker refuses calls.
func (pm *ProcessManager) queuePending(ctx context.Context, host string, count int) ([]*rpc.TaskStart, error) {
	b := pm.conns.Breaker(host)
	if !b.Allow() {
		return nil, ErrBackoff
	}
	cli, err := pm.conns.Client(host)
	if err != nil {
		b.Failure()
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pm.opts.RPCTimeout)
	defer cancel()
	resp, err := cli.QueuePendingTasks(ctx, &rpc.QueueRequest{URL: pm.opts.URL, Count: count})
	if err != nil {
		b.Failure()
		return nil, err
	}
	b.Success()
	return resp.Tasks, nil
}

// PingCoordinators registers the analyst to every coordinator not in
// backoff, with the tasks it holds. It returns the number of coordinators
// that answered.
func (pm *ProcessManager) PingCoordinators(ctx context.Context) int {
	ids := pm.TaskIDs()
	req := &rpc.PingRequest{
		URL:       pm.opts.URL,
		QueueSize: len(ids),
		Threads:   pm.opts.Threads,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Version:   pm.opts.Version,
		TaskIDs:   ids,
	}
	n := 0
	for _, host := range pm.hosts.Hosts() {
		if pm.conns.Breaker(host).Blocked() {
			continue
		}
		cli, err := pm.conns.Client(host)
		if err != nil {
			pm.log.Error(err, "cannot connect to coordinator", "host", host)
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, pm.opts.RPCTimeout)
		_, err = cli.Ping(pctx, req)
		cancel()
		if err != nil {
			pm.log.Error(err, "cannot ping coordinator", "host", host)
			continue
		}
		n++
	}
	return n
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// Run polls and pings coordinators, and handles kills, until ctx is done.
// It returns ErrIdleShutdown when the analyst stopped for being idle.
func (pm *ProcessManager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var idle atomic.Bool

	cr := cron.New(
		cron.WithLogger(pm.log),
		cron.WithChain(cron.SkipIfStillRunning(pm.log)),
	)
	if _, err := cr.AddFunc(every(pm.opts.PollInterval), func() {
		pm.Poll(ctx)
		if pm.IdleExpired() {
			pm.log.Info("shutting down idle analyst", "minutes", pm.opts.IdleShutdown)
			idle.Store(true)
			cancel()
		}
	}); err != nil {
		return err
	}
	if _, err := cr.AddFunc(every(pm.opts.PingInterval), func() {
		pm.PingCoordinators(ctx)
	}); err != nil {
		return err
	}
	pm.PingCoordinators(ctx)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		cr.Start()
		<-ctx.Done()
		<-cr.Stop().Done()
		return nil
	})
	eg.Go(func() error {
		pm.kills.Run(ctx)
		return nil
	})
	err := eg.Wait()
	if idle.Load() {
		return ErrIdleShutdown
	}
	return err
}

// Close kills the running tasks, waits for them and drops the
// connections to coordinators.
func (pm *ProcessManager) Close() {
	for _, id := range pm.TaskIDs() {
		pm.kill(rpc.TaskKill{ID: id, Reason: "analyst shutting down"})
	}
	pm.runner.Wait()
	pm.conns.Close()
}

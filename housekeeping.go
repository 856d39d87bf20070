package zmlp

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// CheckUnresponsiveAnalysts marks analysts that stopped pinging as down,
// and puts the tasks they held back to waiting right away.
func (c *Coordinator) CheckUnresponsiveAnalysts(ctx context.Context) (int, error) {
	before := c.now().Add(-c.opts.InactiveTimeout)
	as, err := c.analysts.GetUnresponsiveAnalysts(c.opts.UnresponsiveBatch, before)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range as {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		ok, err := c.analysts.SetAnalystState(a.URL, AnalystDown, AnalystUp)
		if err != nil {
			c.log.Error(err, "cannot mark analyst down", "host", a.URL)
			continue
		}
		if !ok {
			continue
		}
		n++
		c.metrics.AnalystsDown.Inc()
		c.log.Info("analyst down", "host", a.URL, "lastPing", a.TimePing)
		c.orphanAnalystTasks(a.URL)
	}
	return n, nil
}

func (c *Coordinator) orphanAnalystTasks(url string) {
	tasks, err := c.tasks.FindTasks(TaskFilter{Host: url, States: []TaskState{TaskQueued, TaskRunning}})
	if err != nil {
		c.log.Error(err, "cannot find tasks of analyst", "host", url)
		return
	}
	for _, t := range tasks {
		if c.resetTask(t.ID, t.State) {
			c.metrics.TasksOrphaned.Inc()
			c.log.Info("task of a down analyst reset", "task", t.ID, "host", url)
		}
	}
}

// CheckOrphanTasks puts leased tasks that haven't been pinged within
// the orphan timeout back to waiting.
func (c *Coordinator) CheckOrphanTasks(ctx context.Context) (int, error) {
	before := c.now().Add(-c.opts.OrphanTimeout)
	tasks, err := c.tasks.GetOrphanTasks(c.opts.OrphanBatch, before)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if c.resetTask(t.ID, t.State) {
			n++
			c.metrics.TasksOrphaned.Inc()
			c.log.Info("orphan task reset", "task", t.ID, "host", t.Host, "lastPing", t.TimePing)
		}
	}
	return n, nil
}

// Housekeep runs one housekeeping cycle. A failing check doesn't stop the other.
func (c *Coordinator) Housekeep(ctx context.Context) {
	start := time.Now()
	defer func() {
		c.metrics.HousekeepingDuration.Observe(time.Since(start).Seconds())
	}()
	if _, err := c.CheckUnresponsiveAnalysts(ctx); err != nil {
		c.log.Error(err, "checking unresponsive analysts")
	}
	if _, err := c.CheckOrphanTasks(ctx); err != nil {
		c.log.Error(err, "checking orphan tasks")
	}
}

// Run runs housekeeping cycles, and commands in ModeAsync, until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	cr := cron.New(
		cron.WithLogger(c.log),
		cron.WithChain(cron.SkipIfStillRunning(c.log)),
	)
	_, err := cr.AddFunc(fmt.Sprintf("@every %s", c.opts.HousekeepingInterval), func() {
		if _, err := c.locker.Do(ctx, c.Housekeep); err != nil {
			c.log.Error(err, "housekeeping lock")
		}
	})
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		cr.Start()
		<-ctx.Done()
		<-cr.Stop().Done()
		return nil
	})
	if c.opts.Mode == ModeAsync {
		eg.Go(func() error {
			c.runCommands(ctx)
			return nil
		})
	}
	err = eg.Wait()
	c.Close()
	return err
}

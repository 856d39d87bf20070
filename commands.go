package zmlp

import (
	"context"
	"time"
)

type commandKind int

const (
	cmdRetryTask = commandKind(iota)
	cmdSkipTask
	cmdRetryAllFailures
	cmdCancelJob
)

// command is an administrative request handled off the caller's goroutine.
// Equal commands pushed before being handled are merged.
type command struct {
	kind commandKind
	task TaskID
	job  JobID
	user string
}

func (c *Coordinator) submit(cmd command) {
	if c.opts.Mode == ModeInline {
		c.handle(cmd)
		return
	}
	c.commands.Push(cmd)
}

func (c *Coordinator) handle(cmd command) {
	switch cmd.kind {
	case cmdRetryTask:
		c.moveTasks([]TaskID{cmd.task}, TaskWaiting, "retried", cmd.user)
	case cmdSkipTask:
		c.moveTasks([]TaskID{cmd.task}, TaskSkipped, "skipped", cmd.user)
	case cmdRetryAllFailures:
		tasks, err := c.tasks.FindTasks(TaskFilter{JobID: cmd.job, States: []TaskState{TaskFailure}})
		if err != nil {
			c.log.Error(err, "cannot find failed tasks", "job", cmd.job)
			return
		}
		c.moveTasks(taskIDs(tasks), TaskWaiting, "retried", cmd.user)
	case cmdCancelJob:
		tasks, err := c.tasks.FindTasks(TaskFilter{JobID: cmd.job, States: []TaskState{TaskWaiting, TaskQueued, TaskRunning}})
		if err != nil {
			c.log.Error(err, "cannot find active tasks", "job", cmd.job)
			return
		}
		// the job isn't active, so the tasks wait until it is restarted.
		c.moveTasks(taskIDs(tasks), TaskWaiting, "job cancelled", cmd.user)
	}
}

func taskIDs(tasks []*Task) []TaskID {
	ids := make([]TaskID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

// moveTasks moves tasks to state to. Leased tasks are killed on their
// analysts first, and moved after the kill grace period.
func (c *Coordinator) moveTasks(ids []TaskID, to TaskState, reason, user string) {
	killed := false
	for _, id := range ids {
		t, err := c.tasks.GetTask(id)
		if err != nil {
			c.log.Error(err, "cannot get task", "task", id)
			continue
		}
		if t.State.IsLeased() {
			c.KillRunningTaskOnAnalyst(t, reason, user)
			killed = true
		}
	}
	if killed && c.opts.KillGrace > 0 {
		time.Sleep(c.opts.KillGrace)
	}
	for _, id := range ids {
		c.moveTask(id, to, user)
	}
}

// moveTask moves a task from whatever state it is in to state to.
// The state is read again when another actor changed it meanwhile.
func (c *Coordinator) moveTask(id TaskID, to TaskState, user string) bool {
	for i := 0; i < 3; i++ {
		t, err := c.tasks.GetTask(id)
		if err != nil {
			c.log.Error(err, "cannot get task", "task", id)
			return false
		}
		if t.State == to {
			return true
		}
		if !t.State.CanTransition(to) {
			c.log.Info("cannot move task", "task", id, "from", t.State, "to", to)
			return false
		}
		ok, err := c.tasks.SetTaskState(TaskTransition{ID: id, From: t.State, To: to})
		if err != nil {
			c.log.Error(err, "cannot move task", "task", id, "to", to)
			return false
		}
		if !ok {
			continue
		}
		if to == TaskWaiting {
			if err := c.jobs.ResetTaskStats(id); err != nil {
				c.log.Error(err, "cannot reset task stats", "task", id)
			}
		}
		c.log.Info("task moved", "task", id, "from", t.State, "to", to, "user", user)
		return true
	}
	c.log.Info("gave up moving a busy task", "task", id, "to", to)
	return false
}

// RetryTask puts the task back to waiting, killing it first if it runs.
// The task is moved after RetryTask returns, unless in ModeInline.
func (c *Coordinator) RetryTask(id TaskID, user string) error {
	if _, err := c.tasks.GetTask(id); err != nil {
		return err
	}
	c.submit(command{kind: cmdRetryTask, task: id, user: user})
	return nil
}

// SkipTask moves the task to skipped, killing it first if it runs.
func (c *Coordinator) SkipTask(id TaskID, user string) error {
	if _, err := c.tasks.GetTask(id); err != nil {
		return err
	}
	c.submit(command{kind: cmdSkipTask, task: id, user: user})
	return nil
}

// RetryAllFailures puts every failed task of the job back to waiting.
func (c *Coordinator) RetryAllFailures(job JobID, user string) error {
	if _, err := c.jobs.GetJob(job); err != nil {
		return err
	}
	c.submit(command{kind: cmdRetryAllFailures, job: job, user: user})
	return nil
}

// CancelJob cancels an active job right away. Its running tasks are
// killed and parked as waiting afterwards.
// It returns false when the job was not active.
func (c *Coordinator) CancelJob(job JobID, user string) (bool, error) {
	ok, err := c.jobs.SetJobState(job, JobCancelled, JobActive)
	if err != nil || !ok {
		return false, err
	}
	c.log.Info("job cancelled", "job", job, "user", user)
	c.submit(command{kind: cmdCancelJob, job: job, user: user})
	return true, nil
}

// RestartJob makes a cancelled job active again. A job without
// outstanding tasks is finished instead.
// It returns false when the job was not cancelled.
func (c *Coordinator) RestartJob(job JobID, user string) (bool, error) {
	ok, err := c.jobs.SetJobState(job, JobActive, JobCancelled)
	if err != nil || !ok {
		return false, err
	}
	c.log.Info("job restarted", "job", job, "user", user)
	j, err := c.jobs.GetJob(job)
	if err != nil {
		return true, err
	}
	if j.Counts.Outstanding() == 0 {
		if _, err := c.jobs.SetJobState(job, JobFinished, JobActive); err != nil {
			return true, err
		}
	}
	return true, nil
}

// runCommands handles queued commands until ctx is done.
func (c *Coordinator) runCommands(ctx context.Context) {
	c.commands.Run(ctx)
}

package zmlp_test

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/Juanbuhler/zmlp-sub000/pipeline"
	"github.com/Juanbuhler/zmlp-sub000/rpc"
	"github.com/Juanbuhler/zmlp-sub000/service/memory"
	"github.com/Juanbuhler/zmlp-sub000/service/servicetest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeAnalyst struct {
	mu    sync.Mutex
	hosts []string
	kills []*rpc.TaskKill
}

func (a *fakeAnalyst) client(url string) (rpc.WorkerClient, error) {
	return &fakeAnalystClient{a: a, url: url}, nil
}

func (a *fakeAnalyst) killed() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int64, len(a.kills))
	for i, k := range a.kills {
		ids[i] = k.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type fakeAnalystClient struct {
	a   *fakeAnalyst
	url string
}

func (c *fakeAnalystClient) KillTask(ctx context.Context, in *rpc.TaskKill, opts ...grpc.CallOption) (*rpc.Empty, error) {
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	c.a.hosts = append(c.a.hosts, c.url)
	c.a.kills = append(c.a.kills, in)
	return &rpc.Empty{}, nil
}

func (c *fakeAnalystClient) Execute(ctx context.Context, in *rpc.TaskStart, opts ...grpc.CallOption) (*rpc.TaskResult, error) {
	if in.ID != int64(zmlp.InteractiveTaskID) {
		return nil, errors.New("not interactive")
	}
	return &rpc.TaskResult{JobID: in.JobID, Response: json.RawMessage(`{"host":"` + c.url + `"}`)}, nil
}

type env struct {
	c        *zmlp.Coordinator
	services *memory.Services
	analyst  *fakeAnalyst
	clock    *fakeClock
}

func newEnv(t *testing.T, mod func(o *zmlp.Options)) *env {
	t.Helper()
	clock := &fakeClock{t: time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)}
	services := memory.New()
	services.Now = clock.Now
	fa := &fakeAnalyst{}
	opts := zmlp.NewDefaultOptions()
	opts.LogRoot = t.TempDir()
	opts.Mode = zmlp.ModeInline
	opts.KillGrace = 0
	opts.Analysts = fa.client
	opts.Now = clock.Now
	if mod != nil {
		mod(opts)
	}
	c, err := zmlp.NewCoordinator(services, opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return &env{c: c, services: services, analyst: fa, clock: clock}
}

func testScript() *pipeline.Script {
	return &pipeline.Script{
		Name:    "test",
		Over:    []*pipeline.Item{{Path: "a.jpg"}},
		Execute: []*pipeline.ProcessorRef{{ClassName: "zmlp.Noop"}},
	}
}

// submit submits a job with n tasks.
func (e *env) submit(t *testing.T, n int) (*zmlp.Job, []zmlp.TaskID) {
	t.Helper()
	j, err := e.c.SubmitJob(zmlp.JobSpec{Name: "test", Type: zmlp.JobImport, User: "admin", Script: testScript()})
	require.NoError(t, err)
	for i := 1; i < n; i++ {
		_, err := e.services.CreateTask(j.ID, zmlp.TaskSpec{Name: "more", Script: testScript()})
		require.NoError(t, err)
	}
	tasks, err := e.services.FindTasks(zmlp.TaskFilter{JobID: j.ID})
	require.NoError(t, err)
	require.Len(t, tasks, n)
	ids := make([]zmlp.TaskID, n)
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return j, ids
}

func (e *env) task(t *testing.T, id zmlp.TaskID) *zmlp.Task {
	t.Helper()
	task, err := e.services.GetTask(id)
	require.NoError(t, err)
	return task
}

// state is safe to call off the test goroutine.
func (e *env) state(id zmlp.TaskID) zmlp.TaskState {
	task, err := e.services.GetTask(id)
	if err != nil {
		return -1
	}
	return task.State
}

func (e *env) job(t *testing.T, id zmlp.JobID) *zmlp.Job {
	t.Helper()
	return servicetest.CheckCounts(t, e.services, id)
}

func TestSubmitJob(t *testing.T) {
	e := newEnv(t, nil)
	j, ids := e.submit(t, 1)
	assert.Equal(t, zmlp.JobActive, j.State)
	assert.Equal(t, int64(1), j.Counts.Total)
	assert.Equal(t, int64(1), j.Counts.Waiting)
	assert.Equal(t, zmlp.TaskWaiting, e.task(t, ids[0]).State)

	bad := testScript()
	bad.Execute = append(bad.Execute, &pipeline.ProcessorRef{ClassName: "zmlp.Unknown"})
	_, err := e.c.SubmitJob(zmlp.JobSpec{Name: "bad", Script: bad})
	assert.True(t, errors.Is(err, zmlp.ErrInvalidJobSpec), "got %v", err)
	_, err = e.c.SubmitJob(zmlp.JobSpec{Name: "", Script: testScript()})
	assert.True(t, errors.Is(err, zmlp.ErrInvalidJobSpec), "got %v", err)
}

func TestGetWaitingTasks(t *testing.T) {
	e := newEnv(t, nil)
	_, ids := e.submit(t, 3)

	_, err := e.c.GetWaitingTasks("", 2)
	assert.True(t, errors.Is(err, zmlp.ErrNoReturnURL))

	for _, n := range []int{0, -1} {
		got, err := e.c.GetWaitingTasks("a:8284", n)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	assert.Equal(t, zmlp.TaskWaiting, e.task(t, ids[0]).State)

	got, err := e.c.GetWaitingTasks("a:8284", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, s := range got {
		task := e.task(t, zmlp.TaskID(s.ID))
		assert.Equal(t, zmlp.TaskQueued, task.State)
		assert.Equal(t, "a:8284", task.Host)
		assert.Equal(t, task.LogPath, s.LogPath)
		assert.NotEmpty(t, s.Script)
	}

	got, err = e.c.GetWaitingTasks("b:8284", 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(ids[2]), got[0].ID)

	got, err = e.c.GetWaitingTasks("b:8284", 2)
	require.NoError(t, err)
	assert.Len(t, got, 0)
}

func TestGetWaitingTasksConcurrent(t *testing.T) {
	e := newEnv(t, nil)
	j, _ := e.submit(t, 10)

	var mu sync.Mutex
	seen := make(map[int64]string)
	var wg sync.WaitGroup
	for _, host := range []string{"a:8284", "b:8284", "c:8284", "d:8284"} {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			for {
				got, err := e.c.GetWaitingTasks(host, 2)
				if !assert.NoError(t, err) || len(got) == 0 {
					return
				}
				mu.Lock()
				for _, s := range got {
					prev, dup := seen[s.ID]
					assert.False(t, dup, "task %d leased to %s and %s", s.ID, prev, host)
					seen[s.ID] = host
				}
				mu.Unlock()
			}
		}(host)
	}
	wg.Wait()
	assert.Len(t, seen, 10)
	got := e.job(t, j.ID)
	assert.Equal(t, int64(10), got.Counts.Queued)
}

func TestAllowedAnalysts(t *testing.T) {
	e := newEnv(t, func(o *zmlp.Options) {
		o.AllowedAnalysts = []string{"10.0.0.*"}
	})
	e.submit(t, 1)
	_, err := e.c.GetWaitingTasks("192.168.0.1:8284", 1)
	assert.True(t, errors.Is(err, zmlp.ErrAnalystNotAllowed))
	_, err = e.c.Ping(zmlp.AnalystPing{URL: "192.168.0.1:8284"})
	assert.True(t, errors.Is(err, zmlp.ErrAnalystNotAllowed))
	got, err := e.c.GetWaitingTasks("10.0.0.7:8284", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = zmlp.NewCoordinator(memory.New(), &zmlp.Options{AllowedAnalysts: []string{"10.0.0.999"}})
	assert.Error(t, err)
}

func TestStopTask(t *testing.T) {
	e := newEnv(t, nil)
	j, ids := e.submit(t, 2)
	_, err := e.c.GetWaitingTasks("a:8284", 2)
	require.NoError(t, err)

	ok, err := e.c.StartTask("a:8284", ids[0])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, e.task(t, ids[0]).RunCount)

	// from another analyst.
	ok, err = e.c.StopTask("b:8284", ids[0], rpc.TaskStop{ExitStatus: 0})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.c.StopTask("a:8284", ids[0], rpc.TaskStop{ExitStatus: 0})
	require.NoError(t, err)
	assert.True(t, ok)
	task := e.task(t, ids[0])
	assert.Equal(t, zmlp.TaskSuccess, task.State)
	assert.Equal(t, 0, task.ExitStatus)
	assert.Equal(t, "", task.Host)

	// the start report of the second task was lost.
	ok, err = e.c.StopTask("a:8284", ids[1], rpc.TaskStop{ExitStatus: 0})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, zmlp.JobFinished, e.job(t, j.ID).State)

	// a duplicated report.
	ok, err = e.c.StopTask("a:8284", ids[1], rpc.TaskStop{ExitStatus: 0})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStopTaskAutoRetry(t *testing.T) {
	e := newEnv(t, func(o *zmlp.Options) {
		o.AutoRetryLimit = 2
	})
	j, ids := e.submit(t, 1)
	id := ids[0]

	run := func(status int, killed bool) {
		got, err := e.c.GetWaitingTasks("a:8284", 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		ok, err := e.c.StartTask("a:8284", id)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, e.c.HandleTaskStats("a:8284", id, pipeline.Stats{Error: 1}))
		ok, err = e.c.StopTask("a:8284", id, rpc.TaskStop{ExitStatus: status, Killed: killed})
		require.NoError(t, err)
		require.True(t, ok)
	}

	run(1, false)
	task := e.task(t, id)
	assert.Equal(t, zmlp.TaskWaiting, task.State)
	assert.Equal(t, 1, task.RunCount)
	got := e.job(t, j.ID)
	assert.Equal(t, zmlp.JobActive, got.State)
	assert.Equal(t, int64(0), got.Stats.Error, "stats of a retried run are taken off")

	run(1, false)
	task = e.task(t, id)
	assert.Equal(t, zmlp.TaskFailure, task.State)
	assert.Equal(t, 1, task.ExitStatus)
	got = e.job(t, j.ID)
	assert.Equal(t, zmlp.JobFinished, got.State)
	assert.Equal(t, int64(1), got.Stats.Error)

	// killed runs are not retried.
	e2 := newEnv(t, nil)
	_, ids2 := e2.submit(t, 1)
	_, err := e2.c.GetWaitingTasks("a:8284", 1)
	require.NoError(t, err)
	ok, err := e2.c.StopTask("a:8284", ids2[0], rpc.TaskStop{ExitStatus: pipeline.ExitKilled, Killed: true})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, zmlp.TaskFailure, e2.task(t, ids2[0]).State)
}

func TestStopTaskAborted(t *testing.T) {
	e := newEnv(t, func(o *zmlp.Options) {
		o.AutoRetryLimit = 2
	})
	j, ids := e.submit(t, 1)
	id := ids[0]

	// the analyst failed to set the task up and never reported a start.
	got, err := e.c.GetWaitingTasks("a:8284", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	ok, err := e.c.StopTask("a:8284", id, rpc.TaskStop{ExitStatus: pipeline.ExitFailure, Aborted: true})
	require.NoError(t, err)
	require.True(t, ok)

	task := e.task(t, id)
	assert.Equal(t, zmlp.TaskFailure, task.State)
	assert.Equal(t, 0, task.RunCount)
	assert.Equal(t, pipeline.ExitFailure, task.ExitStatus)
	assert.Equal(t, zmlp.JobFinished, e.job(t, j.ID).State)

	got, err = e.c.GetWaitingTasks("a:8284", 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpand(t *testing.T) {
	e := newEnv(t, nil)
	j, ids := e.submit(t, 1)
	_, err := e.c.GetWaitingTasks("a:8284", 1)
	require.NoError(t, err)

	child := &pipeline.Script{Over: []*pipeline.Item{{Path: "b.jpg"}, {Path: "c.jpg"}}}
	data, err := child.Encode()
	require.NoError(t, err)
	task, err := e.c.Expand("a:8284", ids[0], "expand #1", data)
	require.NoError(t, err)
	assert.Equal(t, ids[0], task.ParentID)
	assert.Equal(t, zmlp.TaskWaiting, task.State)
	assert.Equal(t, j.ID, task.JobID)

	got := e.job(t, j.ID)
	assert.Equal(t, j.Counts.Total+1, got.Counts.Total)

	s, err := pipeline.DecodeScript(task.Script)
	require.NoError(t, err)
	require.Len(t, s.Execute, 1)
	assert.Equal(t, "zmlp.Noop", s.Execute[0].ClassName)

	_, err = e.c.Expand("a:8284", 999, "orphan", data)
	assert.True(t, errors.Is(err, zmlp.ErrNotFound))
	_, err = e.c.Expand("a:8284", ids[0], "broken", []byte("{"))
	assert.True(t, errors.Is(err, pipeline.ErrInvalidScript))
}

func TestExpandFinishedJob(t *testing.T) {
	e := newEnv(t, nil)
	j, ids := e.submit(t, 1)
	_, err := e.c.GetWaitingTasks("a:8284", 1)
	require.NoError(t, err)
	_, err = e.c.StopTask("a:8284", ids[0], rpc.TaskStop{})
	require.NoError(t, err)
	require.Equal(t, zmlp.JobFinished, e.job(t, j.ID).State)

	data, err := testScript().Encode()
	require.NoError(t, err)
	_, err = e.c.Expand("", ids[0], "late", data)
	require.NoError(t, err)
	assert.Equal(t, zmlp.JobActive, e.job(t, j.ID).State)
}

func TestCancelJob(t *testing.T) {
	e := newEnv(t, nil)
	j, ids := e.submit(t, 3)
	got, err := e.c.GetWaitingTasks("a:8284", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, s := range got {
		ok, err := e.c.StartTask("a:8284", zmlp.TaskID(s.ID))
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := e.c.CancelJob(j.ID, "admin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, zmlp.JobCancelled, e.job(t, j.ID).State)
	assert.Equal(t, []int64{got[0].ID, got[1].ID}, e.analyst.killed())
	for _, id := range ids {
		assert.Equal(t, zmlp.TaskWaiting, e.task(t, id).State)
	}

	parked, err := e.c.GetWaitingTasks("a:8284", 3)
	require.NoError(t, err)
	assert.Len(t, parked, 0)

	ok, err = e.c.CancelJob(j.ID, "admin")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.c.RestartJob(j.ID, "admin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, zmlp.JobActive, e.job(t, j.ID).State)
	again, err := e.c.GetWaitingTasks("a:8284", 3)
	require.NoError(t, err)
	assert.Len(t, again, 3)
}

func TestRestartJobWithoutOutstandingTasks(t *testing.T) {
	e := newEnv(t, nil)
	j, ids := e.submit(t, 1)
	ok, err := e.c.CancelJob(j.ID, "admin")
	require.NoError(t, err)
	require.True(t, ok)
	servicetest.Move(t, e.services, ids[0], zmlp.TaskSkipped)

	ok, err = e.c.RestartJob(j.ID, "admin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, zmlp.JobFinished, e.job(t, j.ID).State)

	ok, err = e.c.RestartJob(j.ID, "admin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryAndSkip(t *testing.T) {
	e := newEnv(t, func(o *zmlp.Options) {
		o.AutoRetryLimit = 0
	})
	j, ids := e.submit(t, 3)
	_, err := e.c.GetWaitingTasks("a:8284", 3)
	require.NoError(t, err)
	for _, id := range ids[:2] {
		ok, err := e.c.StopTask("a:8284", id, rpc.TaskStop{ExitStatus: 1})
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, zmlp.TaskFailure, e.task(t, ids[0]).State)

	// skipping the running task kills it.
	require.NoError(t, e.c.SkipTask(ids[2], "admin"))
	assert.Equal(t, []int64{int64(ids[2])}, e.analyst.killed())
	assert.Equal(t, zmlp.TaskSkipped, e.task(t, ids[2]).State)
	assert.Equal(t, zmlp.JobFinished, e.job(t, j.ID).State)

	require.NoError(t, e.c.RetryAllFailures(j.ID, "admin"))
	for _, id := range ids[:2] {
		assert.Equal(t, zmlp.TaskWaiting, e.task(t, id).State)
	}
	got := e.job(t, j.ID)
	assert.Equal(t, zmlp.JobActive, got.State)
	assert.Equal(t, int64(2), got.Counts.Outstanding())

	require.NoError(t, e.c.RetryTask(ids[2], "admin"))
	assert.Equal(t, zmlp.TaskWaiting, e.task(t, ids[2]).State)
	assert.Len(t, e.analyst.killed(), 1, "waiting tasks are not killed")

	assert.True(t, errors.Is(e.c.RetryTask(999, "admin"), zmlp.ErrNotFound))
	assert.True(t, errors.Is(e.c.RetryAllFailures(999, "admin"), zmlp.ErrNotFound))
}

func TestCheckOrphanTasks(t *testing.T) {
	e := newEnv(t, func(o *zmlp.Options) {
		o.OrphanTimeout = 10 * time.Minute
	})
	_, ids := e.submit(t, 2)
	_, err := e.c.GetWaitingTasks("a:8284", 2)
	require.NoError(t, err)
	_, err = e.c.StartTask("a:8284", ids[0])
	require.NoError(t, err)

	ctx := context.Background()
	e.clock.Add(5 * time.Minute)
	n, err := e.c.CheckOrphanTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// the analyst still reports the second task.
	_, err = e.c.Ping(zmlp.AnalystPing{URL: "a:8284", TaskIDs: []zmlp.TaskID{ids[1]}})
	require.NoError(t, err)
	e.clock.Add(6 * time.Minute)
	n, err = e.c.CheckOrphanTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, zmlp.TaskWaiting, e.task(t, ids[0]).State)
	assert.Equal(t, zmlp.TaskQueued, e.task(t, ids[1]).State)

	n, err = e.c.CheckOrphanTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "an orphan is reset once")

	got, err := e.c.GetWaitingTasks("b:8284", 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(ids[0]), got[0].ID)
}

func TestCheckUnresponsiveAnalysts(t *testing.T) {
	e := newEnv(t, func(o *zmlp.Options) {
		o.InactiveTimeout = time.Minute
		o.OrphanTimeout = time.Hour
	})
	_, ids := e.submit(t, 2)
	ctx := context.Background()
	_, err := e.c.Ping(zmlp.AnalystPing{URL: "a:8284", Threads: 2})
	require.NoError(t, err)
	_, err = e.c.Ping(zmlp.AnalystPing{URL: "b:8284", Threads: 2})
	require.NoError(t, err)
	_, err = e.c.GetWaitingTasks("a:8284", 1)
	require.NoError(t, err)
	_, err = e.c.GetWaitingTasks("b:8284", 1)
	require.NoError(t, err)

	e.clock.Add(2 * time.Minute)
	_, err = e.c.Ping(zmlp.AnalystPing{URL: "b:8284", Threads: 2, TaskIDs: []zmlp.TaskID{ids[1]}})
	require.NoError(t, err)

	n, err := e.c.CheckUnresponsiveAnalysts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	a, err := e.services.GetAnalyst("a:8284")
	require.NoError(t, err)
	assert.Equal(t, zmlp.AnalystDown, a.State)
	assert.Equal(t, zmlp.TaskWaiting, e.task(t, ids[0]).State, "tasks of a down analyst are reset right away")
	assert.Equal(t, zmlp.TaskQueued, e.task(t, ids[1]).State)

	n, err = e.c.CheckUnresponsiveAnalysts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// a down analyst comes back with its next ping.
	a2, err := e.c.Ping(zmlp.AnalystPing{URL: "a:8284"})
	require.NoError(t, err)
	assert.Equal(t, zmlp.AnalystUp, a2.State)
	assert.Equal(t, a.ID, a2.ID)
}

func TestHandleTaskErrors(t *testing.T) {
	e := newEnv(t, nil)
	j, ids := e.submit(t, 1)
	_, err := e.c.GetWaitingTasks("a:8284", 1)
	require.NoError(t, err)
	err = e.c.HandleTaskErrors("a:8284", ids[0], []pipeline.ProcessingError{
		{Message: "bad file", Processor: "zmlp.Fail", Phase: pipeline.PhaseExecute, OriginPath: "a.jpg", Skipped: true},
	})
	require.NoError(t, err)
	errs, err := e.services.FindTaskErrors(zmlp.TaskErrorFilter{JobID: j.ID})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "bad file", errs[0].Message)
	assert.Equal(t, ids[0], errs[0].TaskID)
	assert.True(t, errs[0].Skipped)
	assert.Equal(t, e.clock.Now(), errs[0].Time)
}

func TestStaleReports(t *testing.T) {
	e := newEnv(t, func(o *zmlp.Options) {
		o.OrphanTimeout = 10 * time.Minute
	})
	j, ids := e.submit(t, 1)
	id := ids[0]
	_, err := e.c.GetWaitingTasks("a:8284", 1)
	require.NoError(t, err)
	_, err = e.c.StartTask("a:8284", id)
	require.NoError(t, err)
	require.NoError(t, e.c.HandleTaskStats("a:8284", id, pipeline.Stats{Success: 2}))
	assert.Equal(t, int64(2), e.job(t, j.ID).Stats.Success)

	e.clock.Add(11 * time.Minute)
	n, err := e.c.CheckOrphanTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, int64(0), e.job(t, j.ID).Stats.Success)

	// the old run keeps reporting after the reset.
	require.NoError(t, e.c.HandleTaskStats("a:8284", id, pipeline.Stats{Success: 5}))
	require.NoError(t, e.c.HandleTaskErrors("a:8284", id, []pipeline.ProcessingError{{Message: "late"}}))
	data, err := testScript().Encode()
	require.NoError(t, err)
	_, err = e.c.Expand("a:8284", id, "late", data)
	assert.True(t, errors.Is(err, zmlp.ErrNotLeased))

	got := e.job(t, j.ID)
	assert.Equal(t, int64(0), got.Stats.Success)
	assert.Equal(t, int64(1), got.Counts.Total)
	errs, err := e.services.FindTaskErrors(zmlp.TaskErrorFilter{JobID: j.ID})
	require.NoError(t, err)
	assert.Empty(t, errs)

	// a new lease on another analyst is not touched by the old one.
	_, err = e.c.GetWaitingTasks("b:8284", 1)
	require.NoError(t, err)
	require.NoError(t, e.c.HandleTaskStats("a:8284", id, pipeline.Stats{Success: 5}))
	require.NoError(t, e.c.HandleTaskStats("b:8284", id, pipeline.Stats{Success: 1}))
	assert.Equal(t, int64(1), e.job(t, j.ID).Stats.Success)
}

func TestInteractive(t *testing.T) {
	e := newEnv(t, func(o *zmlp.Options) {
		o.ResponseTimeout = time.Second
	})
	ctx := context.Background()
	_, err := e.c.ExecuteInteractive(ctx, zmlp.JobSpec{Name: "now", Script: testScript()})
	assert.True(t, errors.Is(err, zmlp.ErrNoAnalyst))

	_, err = e.c.Ping(zmlp.AnalystPing{URL: "a:8284", Threads: 1})
	require.NoError(t, err)
	r, err := e.c.ExecuteInteractive(ctx, zmlp.JobSpec{Name: "now", Script: testScript()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"host":"a:8284"}`, string(r.Response))
	j, err := e.services.GetJob(zmlp.JobID(r.JobID))
	require.NoError(t, err)
	assert.Equal(t, zmlp.JobFinished, j.State)
	assert.Equal(t, int64(0), j.Counts.Total)
}

func TestWaitOnResponse(t *testing.T) {
	e := newEnv(t, func(o *zmlp.Options) {
		o.ResponseTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()
	_, err := e.c.WaitOnResponse(ctx, 1)
	assert.True(t, errors.Is(err, zmlp.ErrResponseTimeout))
	// late results are dropped, not kept for a later wait.
	assert.False(t, e.c.HandleResponse(1, &rpc.TaskResult{JobID: 1, ExitStatus: 0}))
	_, err = e.c.WaitOnResponse(ctx, 1)
	assert.True(t, errors.Is(err, zmlp.ErrResponseTimeout))

	// a response may arrive before anyone waits.
	e.c.ExpectResponse(2)
	assert.True(t, e.c.HandleResponse(2, &rpc.TaskResult{JobID: 2, ExitStatus: 0}))
	assert.False(t, e.c.HandleResponse(2, &rpc.TaskResult{JobID: 2, ExitStatus: 1}))
	r, err := e.c.WaitOnResponse(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, r.ExitStatus)

	e.c.ExpectResponse(3)
	go func() {
		time.Sleep(10 * time.Millisecond)
		e.c.HandleResponse(3, &rpc.TaskResult{JobID: 3, ExitStatus: 1})
	}()
	r, err = e.c.WaitOnResponse(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, r.ExitStatus)
}

func TestRunAsync(t *testing.T) {
	e := newEnv(t, func(o *zmlp.Options) {
		o.Mode = zmlp.ModeAsync
		o.HousekeepingInterval = time.Second
		o.OrphanTimeout = time.Minute
	})
	_, ids := e.submit(t, 2)
	_, err := e.c.GetWaitingTasks("a:8284", 2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- e.c.Run(ctx)
	}()

	require.NoError(t, e.c.RetryTask(ids[0], "admin"))
	require.Eventually(t, func() bool {
		return e.state(ids[0]) == zmlp.TaskWaiting
	}, 3*time.Second, 10*time.Millisecond)

	e.clock.Add(2 * time.Minute)
	require.Eventually(t, func() bool {
		return e.state(ids[1]) == zmlp.TaskWaiting
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run didn't return after cancel")
	}
}

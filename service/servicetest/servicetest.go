// Package servicetest checks that an implementation of zmlp.Services
// keeps the guarantees the coordinator relies on.
package servicetest

import (
	"sync"
	"testing"
	"time"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/Juanbuhler/zmlp-sub000/pipeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns empty services for a test.
type Factory func(t *testing.T) zmlp.Services

// Run runs every check against services created by newServices.
func Run(t *testing.T, newServices Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s zmlp.Services)
	}{
		{"Jobs", testJobs},
		{"CreateTask", testCreateTask},
		{"SetTaskState", testSetTaskState},
		{"JobFinish", testJobFinish},
		{"ConcurrentCompletion", testConcurrentCompletion},
		{"ConcurrentClaim", testConcurrentClaim},
		{"WaitingTasks", testWaitingTasks},
		{"OrphanTasks", testOrphanTasks},
		{"FrameStats", testFrameStats},
		{"TaskErrors", testTaskErrors},
		{"Analysts", testAnalysts},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			c.fn(t, newServices(t))
		})
	}
}

func testScript() *pipeline.Script {
	return &pipeline.Script{
		Over:    []*pipeline.Item{{Path: "a.jpg"}},
		Execute: []*pipeline.ProcessorRef{{ClassName: "zmlp.Noop"}},
	}
}

// NewJob creates a job with n waiting tasks.
func NewJob(t *testing.T, s zmlp.Services, n int) (*zmlp.Job, []*zmlp.Task) {
	t.Helper()
	j, err := s.JobService().CreateJob(zmlp.JobSpec{Name: "test", Type: zmlp.JobImport, User: "admin"})
	require.NoError(t, err)
	tasks := make([]*zmlp.Task, n)
	for i := range tasks {
		tasks[i], err = s.TaskService().CreateTask(j.ID, zmlp.TaskSpec{Name: "task", Script: testScript()})
		require.NoError(t, err)
	}
	return j, tasks
}

// Move walks a task through the given states.
func Move(t *testing.T, s zmlp.Services, id zmlp.TaskID, states ...zmlp.TaskState) {
	t.Helper()
	task, err := s.TaskService().GetTask(id)
	require.NoError(t, err)
	from := task.State
	for _, to := range states {
		ok, err := s.TaskService().SetTaskState(zmlp.TaskTransition{ID: id, From: from, To: to, Host: "analyst:5000"})
		require.NoError(t, err)
		require.Truef(t, ok, "task %d: %v -> %v", id, from, to)
		from = to
	}
}

// CheckCounts verifies the counts of a job against its tasks.
func CheckCounts(t *testing.T, s zmlp.Services, id zmlp.JobID) *zmlp.Job {
	t.Helper()
	j, err := s.JobService().GetJob(id)
	require.NoError(t, err)
	require.NoError(t, j.Counts.Check())
	tasks, err := s.TaskService().FindTasks(zmlp.TaskFilter{JobID: id})
	require.NoError(t, err)
	want := zmlp.TaskCounts{Total: int64(len(tasks))}
	for _, task := range tasks {
		*want.Of(task.State) += 1
		if task.State.IsStopper() {
			want.Completed++
		}
	}
	require.Equal(t, want, j.Counts)
	return j
}

func testJobs(t *testing.T, s zmlp.Services) {
	js := s.JobService()
	j, err := js.CreateJob(zmlp.JobSpec{Name: "import", Type: zmlp.JobImport, User: "admin", Args: zmlp.Args{"k": "v"}})
	require.NoError(t, err)
	assert.NotZero(t, j.ID)
	assert.Equal(t, zmlp.JobActive, j.State)

	got, err := js.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, "import", got.Name)
	assert.Equal(t, "v", got.Args["k"])
	assert.Equal(t, zmlp.JobImport, got.Type)

	_, err = js.GetJob(j.ID + 100)
	assert.True(t, errors.Is(err, zmlp.ErrNotFound))

	_, err = js.CreateJob(zmlp.JobSpec{Name: "export", Type: zmlp.JobExport, User: "bob"})
	require.NoError(t, err)
	jobs, err := js.FindJobs(zmlp.JobFilter{User: "bob"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "export", jobs[0].Name)

	ok, err := js.SetJobState(j.ID, zmlp.JobCancelled, zmlp.JobActive)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = js.SetJobState(j.ID, zmlp.JobCancelled, zmlp.JobActive)
	require.NoError(t, err)
	assert.False(t, ok, "stale expected state")

	cancelled := zmlp.JobCancelled
	jobs, err = js.FindJobs(zmlp.JobFilter{State: &cancelled})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, j.ID, jobs[0].ID)

	ok, err = js.SetJobState(j.ID, zmlp.JobActive, zmlp.JobCancelled)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testCreateTask(t *testing.T, s zmlp.Services) {
	j, tasks := NewJob(t, s, 2)
	task := tasks[0]
	assert.Equal(t, zmlp.TaskWaiting, task.State)
	assert.Equal(t, j.ID, task.JobID)
	assert.Equal(t, -1, task.ExitStatus)
	script, err := pipeline.DecodeScript(task.Script)
	require.NoError(t, err)
	assert.Equal(t, testScript(), script)

	child, err := s.TaskService().CreateTask(j.ID, zmlp.TaskSpec{Name: "child", Script: testScript(), ParentID: task.ID})
	require.NoError(t, err)
	assert.Equal(t, task.ID, child.ParentID)
	assert.Equal(t, zmlp.TaskWaiting, child.State)

	other, _ := NewJob(t, s, 0)
	_, err = s.TaskService().CreateTask(other.ID, zmlp.TaskSpec{Name: "x", Script: testScript(), ParentID: task.ID})
	assert.True(t, errors.Is(err, zmlp.ErrNotFound), "parent of another job")

	got := CheckCounts(t, s, j.ID)
	assert.Equal(t, int64(3), got.Counts.Total)
	assert.Equal(t, int64(3), got.Counts.Waiting)
}

func testSetTaskState(t *testing.T, s zmlp.Services) {
	j, tasks := NewJob(t, s, 2)
	ts := s.TaskService()
	id := tasks[0].ID

	ok, err := ts.SetTaskState(zmlp.TaskTransition{ID: id, From: zmlp.TaskWaiting, To: zmlp.TaskQueued, Host: "a:5000", LogPath: "/logs/1.log"})
	require.NoError(t, err)
	require.True(t, ok)
	task, err := ts.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, "a:5000", task.Host)
	assert.Equal(t, "/logs/1.log", task.LogPath)

	// stale expected state is a no-op.
	ok, err = ts.SetTaskState(zmlp.TaskTransition{ID: id, From: zmlp.TaskWaiting, To: zmlp.TaskQueued, Host: "b:5000"})
	require.NoError(t, err)
	assert.False(t, ok)
	CheckCounts(t, s, j.ID)

	_, err = ts.SetTaskState(zmlp.TaskTransition{ID: id, From: zmlp.TaskQueued, To: zmlp.TaskQueued})
	assert.True(t, errors.Is(err, zmlp.ErrIllegalTransition))
	_, err = ts.SetTaskState(zmlp.TaskTransition{ID: id + 100, From: zmlp.TaskQueued, To: zmlp.TaskRunning})
	assert.True(t, errors.Is(err, zmlp.ErrNotFound))

	Move(t, s, id, zmlp.TaskRunning)
	task, err = ts.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RunCount)
	assert.Equal(t, "a:5000", task.Host)
	assert.False(t, task.TimeStarted.IsZero())

	exit := 0
	ok, err = ts.SetTaskState(zmlp.TaskTransition{ID: id, From: zmlp.TaskRunning, To: zmlp.TaskSuccess, ExitStatus: &exit})
	require.NoError(t, err)
	require.True(t, ok)
	task, err = ts.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, "", task.Host, "host is only set while leased")
	assert.Equal(t, 0, task.ExitStatus)

	got := CheckCounts(t, s, j.ID)
	assert.Equal(t, int64(1), got.Counts.Completed)
	assert.Equal(t, zmlp.JobActive, got.State)
}

func testJobFinish(t *testing.T, s zmlp.Services) {
	j, tasks := NewJob(t, s, 3)
	Move(t, s, tasks[0].ID, zmlp.TaskQueued, zmlp.TaskRunning, zmlp.TaskSuccess)
	Move(t, s, tasks[1].ID, zmlp.TaskSkipped)
	got := CheckCounts(t, s, j.ID)
	assert.Equal(t, zmlp.JobActive, got.State)

	Move(t, s, tasks[2].ID, zmlp.TaskQueued, zmlp.TaskRunning, zmlp.TaskFailure)
	got = CheckCounts(t, s, j.ID)
	assert.Equal(t, zmlp.JobFinished, got.State)
	assert.Equal(t, int64(0), got.Counts.Outstanding())

	// a retried task brings the job back.
	Move(t, s, tasks[2].ID, zmlp.TaskWaiting)
	got = CheckCounts(t, s, j.ID)
	assert.Equal(t, zmlp.JobActive, got.State)
	Move(t, s, tasks[2].ID, zmlp.TaskSkipped)
	got = CheckCounts(t, s, j.ID)
	assert.Equal(t, zmlp.JobFinished, got.State)

	// so does a new task.
	_, err := s.TaskService().CreateTask(j.ID, zmlp.TaskSpec{Name: "late", Script: testScript()})
	require.NoError(t, err)
	got = CheckCounts(t, s, j.ID)
	assert.Equal(t, zmlp.JobActive, got.State)

	// a cancelled job is never finished by its tasks.
	j2, tasks2 := NewJob(t, s, 1)
	ok, err := s.JobService().SetJobState(j2.ID, zmlp.JobCancelled, zmlp.JobActive)
	require.NoError(t, err)
	require.True(t, ok)
	Move(t, s, tasks2[0].ID, zmlp.TaskSkipped)
	got = CheckCounts(t, s, j2.ID)
	assert.Equal(t, zmlp.JobCancelled, got.State)
}

func testConcurrentCompletion(t *testing.T, s zmlp.Services) {
	const n = 16
	j, tasks := NewJob(t, s, n)
	for _, task := range tasks {
		Move(t, s, task.ID, zmlp.TaskQueued, zmlp.TaskRunning)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, task := range tasks {
		// two reporters race for every task.
		for r := 0; r < 2; r++ {
			wg.Add(1)
			go func(id zmlp.TaskID) {
				defer wg.Done()
				ok, err := s.TaskService().SetTaskState(zmlp.TaskTransition{ID: id, From: zmlp.TaskRunning, To: zmlp.TaskSuccess})
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(task.ID)
		}
	}
	wg.Wait()
	assert.Equal(t, n, wins)
	got := CheckCounts(t, s, j.ID)
	assert.Equal(t, zmlp.JobFinished, got.State)
	assert.Equal(t, int64(n), got.Counts.Success)
}

func testConcurrentClaim(t *testing.T, s zmlp.Services) {
	j, tasks := NewJob(t, s, 1)
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	for _, host := range []string{"a:1", "b:1", "c:1", "d:1"} {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			ok, err := s.TaskService().SetTaskState(zmlp.TaskTransition{ID: tasks[0].ID, From: zmlp.TaskWaiting, To: zmlp.TaskQueued, Host: host})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners = append(winners, host)
				mu.Unlock()
			}
		}(host)
	}
	wg.Wait()
	require.Len(t, winners, 1)
	task, err := s.TaskService().GetTask(tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], task.Host)
	CheckCounts(t, s, j.ID)
}

func testWaitingTasks(t *testing.T, s zmlp.Services) {
	_, tasks := NewJob(t, s, 4)
	ts := s.TaskService()
	Move(t, s, tasks[1].ID, zmlp.TaskQueued)

	got, err := ts.GetWaitingTasks(10, 0)
	require.NoError(t, err)
	ids := []zmlp.TaskID{}
	for _, task := range got {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []zmlp.TaskID{tasks[0].ID, tasks[2].ID, tasks[3].ID}, ids)

	got, err = ts.GetWaitingTasks(1, tasks[0].ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tasks[2].ID, got[0].ID)

	// tasks of a cancelled job are parked.
	cj, _ := NewJob(t, s, 2)
	ok, err := s.JobService().SetJobState(cj.ID, zmlp.JobCancelled, zmlp.JobActive)
	require.NoError(t, err)
	require.True(t, ok)
	got, err = ts.GetWaitingTasks(10, 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func testOrphanTasks(t *testing.T, s zmlp.Services) {
	_, tasks := NewJob(t, s, 3)
	ts := s.TaskService()
	Move(t, s, tasks[0].ID, zmlp.TaskQueued)
	Move(t, s, tasks[1].ID, zmlp.TaskQueued, zmlp.TaskRunning)

	got, err := ts.GetOrphanTasks(10, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 0)

	future := time.Now().Add(time.Hour)
	got, err = ts.GetOrphanTasks(10, future)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, tasks[0].ID, got[0].ID)
	assert.Equal(t, tasks[1].ID, got[1].ID)

	got, err = ts.GetOrphanTasks(1, future)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// a ping from the holder keeps the task alive, others are ignored.
	require.NoError(t, ts.PingTasks("analyst:5000", []zmlp.TaskID{tasks[1].ID}, future.Add(time.Minute)))
	require.NoError(t, ts.PingTasks("other:5000", []zmlp.TaskID{tasks[0].ID}, future.Add(time.Minute)))
	got, err = ts.GetOrphanTasks(10, future)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tasks[0].ID, got[0].ID)
}

func testFrameStats(t *testing.T, s zmlp.Services) {
	j, tasks := NewJob(t, s, 2)
	js := s.JobService()
	require.NoError(t, js.IncrementFrameStats(j.ID, tasks[0].ID, zmlp.FrameStats{Total: 3, Success: 2, Error: 1, Warning: 1}))
	require.NoError(t, js.IncrementFrameStats(j.ID, tasks[1].ID, zmlp.FrameStats{Total: 1, Success: 1}))
	require.NoError(t, js.IncrementFrameStats(j.ID, 0, zmlp.FrameStats{Total: 1, Error: 1}))

	got, err := js.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, zmlp.FrameStats{Total: 5, Success: 3, Error: 2, Warning: 1}, got.Stats)

	require.NoError(t, js.ResetTaskStats(tasks[0].ID))
	got, err = js.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, zmlp.FrameStats{Total: 2, Success: 1, Error: 1}, got.Stats)
	task, err := s.TaskService().GetTask(tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, zmlp.FrameStats{}, task.Stats)

	err = js.IncrementFrameStats(j.ID+100, 0, zmlp.FrameStats{Total: 1})
	assert.True(t, errors.Is(err, zmlp.ErrNotFound))
}

func testTaskErrors(t *testing.T, s zmlp.Services) {
	j, tasks := NewJob(t, s, 2)
	ts := s.TaskService()
	require.NoError(t, ts.AddTaskErrors(tasks[0].ID, []zmlp.TaskError{
		{Message: "bad exif", Processor: "acme.Exif", Phase: "execute", OriginPath: "/a.jpg"},
		{Message: "skipped", Processor: "acme.Face", Phase: "execute", Skipped: true},
	}))
	require.NoError(t, ts.AddTaskErrors(tasks[1].ID, []zmlp.TaskError{{Message: "boom"}}))

	errs, err := ts.FindTaskErrors(zmlp.TaskErrorFilter{JobID: j.ID})
	require.NoError(t, err)
	assert.Len(t, errs, 3)

	errs, err = ts.FindTaskErrors(zmlp.TaskErrorFilter{TaskID: tasks[0].ID})
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, "bad exif", errs[0].Message)
	assert.Equal(t, "/a.jpg", errs[0].OriginPath)
	assert.Equal(t, j.ID, errs[0].JobID)
	assert.True(t, errs[1].Skipped)
	assert.False(t, errs[1].Time.IsZero())
}

func testAnalysts(t *testing.T, s zmlp.Services) {
	as := s.AnalystService()
	now := time.Now()
	a, err := as.UpsertAnalyst(zmlp.AnalystPing{URL: "a:5000", Threads: 4, OS: "linux", Arch: "amd64"}, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, zmlp.AnalystUp, a.State)
	_, err = as.UpsertAnalyst(zmlp.AnalystPing{URL: "b:5000", Threads: 2}, now)
	require.NoError(t, err)

	_, err = as.UpsertAnalyst(zmlp.AnalystPing{}, now)
	assert.Error(t, err)

	stale, err := as.GetUnresponsiveAnalysts(10, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a:5000", stale[0].URL)

	ok, err := as.SetAnalystState("a:5000", zmlp.AnalystDown, zmlp.AnalystUp)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = as.SetAnalystState("a:5000", zmlp.AnalystDown, zmlp.AnalystUp)
	require.NoError(t, err)
	assert.False(t, ok)

	stale, err = as.GetUnresponsiveAnalysts(10, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 0, "down analysts are not reported again")

	// the next ping brings it back, keeping its id.
	again, err := as.UpsertAnalyst(zmlp.AnalystPing{URL: "a:5000", Threads: 8}, now)
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, zmlp.AnalystUp, again.State)
	assert.Equal(t, 8, again.Threads)

	down := zmlp.AnalystDown
	found, err := as.FindAnalysts(zmlp.AnalystFilter{State: &down})
	require.NoError(t, err)
	assert.Len(t, found, 0)

	require.NoError(t, as.DeleteAnalyst("b:5000"))
	_, err = as.GetAnalyst("b:5000")
	assert.True(t, errors.Is(err, zmlp.ErrNotFound))
}

package zmlp_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/Juanbuhler/zmlp-sub000/pipeline"
	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

func TestServer(t *testing.T) {
	e := newEnv(t, nil)
	s := zmlp.NewServer(e.c)
	ctx := context.Background()

	spec, err := json.Marshal(zmlp.JobSpec{Name: "server", User: "admin", Script: testScript()})
	require.NoError(t, err)
	resp, err := s.SubmitJob(ctx, &rpc.SubmitJobRequest{Spec: spec})
	require.NoError(t, err)
	j := &zmlp.Job{}
	require.NoError(t, json.Unmarshal(resp.Job, j))
	assert.Equal(t, "server", j.Name)
	assert.Equal(t, zmlp.JobActive, j.State)

	q, err := s.QueuePendingTasks(ctx, &rpc.QueueRequest{URL: "a:8284", Count: 2})
	require.NoError(t, err)
	require.Len(t, q.Tasks, 1)
	id := q.Tasks[0].ID
	_, err = s.ReportTaskStarted(ctx, &rpc.TaskStarted{ID: id, Host: "a:8284"})
	require.NoError(t, err)
	_, err = s.ReportTaskStats(ctx, &rpc.TaskStats{ID: id, Host: "a:8284", Stats: pipeline.Stats{Success: 3}})
	require.NoError(t, err)
	_, err = s.ReportTaskStopped(ctx, &rpc.TaskStopped{ID: id, Host: "a:8284", Stop: rpc.TaskStop{ExitStatus: 0}})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, &rpc.JobRequest{ID: int64(j.ID)})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(got.Job, j))
	assert.Equal(t, zmlp.JobFinished, j.State)
	assert.Equal(t, int64(3), j.Stats.Success)

	jobs, err := s.ListJobs(ctx, &rpc.ListJobsRequest{State: "finished"})
	require.NoError(t, err)
	assert.Len(t, jobs.Jobs, 1)
	tasks, err := s.ListTasks(ctx, &rpc.ListTasksRequest{JobID: int64(j.ID), States: []string{"success"}})
	require.NoError(t, err)
	assert.Len(t, tasks.Tasks, 1)
}

func TestServerStatus(t *testing.T) {
	e := newEnv(t, nil)
	s := zmlp.NewServer(e.c)
	ctx := context.Background()
	j, _ := e.submit(t, 1)

	codeOf := func(err error) codes.Code {
		return status.Code(err)
	}
	_, err := s.QueuePendingTasks(ctx, &rpc.QueueRequest{Count: 1})
	assert.Equal(t, codes.FailedPrecondition, codeOf(err))
	q, err := s.QueuePendingTasks(ctx, &rpc.QueueRequest{URL: "a:8284", Count: -1})
	require.NoError(t, err)
	assert.Empty(t, q.Tasks)
	_, err = s.GetJob(ctx, &rpc.JobRequest{ID: 999})
	assert.Equal(t, codes.NotFound, codeOf(err))
	_, err = s.SubmitJob(ctx, &rpc.SubmitJobRequest{Spec: json.RawMessage(`{"name":""}`)})
	assert.Equal(t, codes.InvalidArgument, codeOf(err))
	_, err = s.SubmitJob(ctx, &rpc.SubmitJobRequest{Spec: json.RawMessage(`{`)})
	assert.Equal(t, codes.InvalidArgument, codeOf(err))
	_, err = s.ListJobs(ctx, &rpc.ListJobsRequest{State: "sleeping"})
	assert.Equal(t, codes.InvalidArgument, codeOf(err))
	_, err = s.RetryTask(ctx, &rpc.TaskRequest{ID: 999})
	assert.Equal(t, codes.NotFound, codeOf(err))
	_, err = s.ExecuteInteractive(ctx, &rpc.ExecuteRequest{Spec: json.RawMessage(`{"name":"now","script":{"over":[{"path":"a.jpg"}]}}`)})
	assert.Equal(t, codes.Unavailable, codeOf(err))

	_, err = s.CancelJob(ctx, &rpc.JobRequest{ID: int64(j.ID), User: "admin"})
	assert.NoError(t, err)
	_, err = s.CancelJob(ctx, &rpc.JobRequest{ID: int64(j.ID), User: "admin"})
	assert.Equal(t, codes.FailedPrecondition, codeOf(err))
	_, err = s.RestartJob(ctx, &rpc.JobRequest{ID: int64(j.ID), User: "admin"})
	assert.NoError(t, err)
	_, err = s.RestartJob(ctx, &rpc.JobRequest{ID: int64(j.ID), User: "admin"})
	assert.Equal(t, codes.FailedPrecondition, codeOf(err))
}

package rpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/Juanbuhler/zmlp-sub000/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeWorker struct {
	kills []*TaskKill
}

func (w *fakeWorker) KillTask(ctx context.Context, in *TaskKill) (*Empty, error) {
	w.kills = append(w.kills, in)
	return &Empty{}, nil
}

func (w *fakeWorker) Execute(ctx context.Context, in *TaskStart) (*TaskResult, error) {
	if in.ID != 0 {
		return nil, status.Error(codes.InvalidArgument, "not an interactive task")
	}
	return &TaskResult{
		JobID:    in.JobID,
		Errors:   []pipeline.ProcessingError{{Message: "oops", Processor: "zmlp.Fail"}},
		Response: json.RawMessage(`{"ok":true}`),
	}, nil
}

func serve(t *testing.T, register func(s *grpc.Server)) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := NewServer()
	register(s)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	conn, err := Dial(context.Background(), "bufnet", grpc.WithContextDialer(dialer))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWorkerService(t *testing.T) {
	w := &fakeWorker{}
	conn := serve(t, func(s *grpc.Server) { RegisterWorkerServer(s, w) })
	c := NewWorkerClient(conn)
	ctx := context.Background()

	_, err := c.KillTask(ctx, &TaskKill{ID: 3, Reason: "retry", User: "admin"})
	require.NoError(t, err)
	require.Len(t, w.kills, 1)
	assert.Equal(t, TaskKill{ID: 3, Reason: "retry", User: "admin"}, *w.kills[0])

	res, err := c.Execute(ctx, &TaskStart{JobID: 7, Script: json.RawMessage(`{"over":[]}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.JobID)
	assert.JSONEq(t, `{"ok":true}`, string(res.Response))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "zmlp.Fail", res.Errors[0].Processor)

	_, err = c.Execute(ctx, &TaskStart{ID: 1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

type fakeCoordinator struct {
	CoordinatorServer
	pings []*PingRequest
}

func (c *fakeCoordinator) QueuePendingTasks(ctx context.Context, in *QueueRequest) (*QueueResponse, error) {
	if in.URL == "" {
		return nil, status.Error(codes.FailedPrecondition, "url required")
	}
	tasks := make([]*TaskStart, in.Count)
	for i := range tasks {
		tasks[i] = &TaskStart{ID: int64(i + 1), JobID: 1, LogPath: "/logs/1"}
	}
	return &QueueResponse{Tasks: tasks}, nil
}

func (c *fakeCoordinator) Ping(ctx context.Context, in *PingRequest) (*PingResponse, error) {
	c.pings = append(c.pings, in)
	return &PingResponse{AnalystID: "a1"}, nil
}

func TestCoordinatorService(t *testing.T) {
	fc := &fakeCoordinator{}
	conn := serve(t, func(s *grpc.Server) { RegisterCoordinatorServer(s, fc) })
	c := NewCoordinatorClient(conn)
	ctx := context.Background()

	q, err := c.QueuePendingTasks(ctx, &QueueRequest{URL: "analyst:8284", Count: 2})
	require.NoError(t, err)
	require.Len(t, q.Tasks, 2)
	assert.Equal(t, int64(2), q.Tasks[1].ID)
	assert.Equal(t, "/logs/1", q.Tasks[0].LogPath)

	_, err = c.QueuePendingTasks(ctx, &QueueRequest{Count: 2})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	p, err := c.Ping(ctx, &PingRequest{URL: "analyst:8284", Threads: 4, TaskIDs: []int64{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "a1", p.AnalystID)
	require.Len(t, fc.pings, 1)
	assert.Equal(t, []int64{1, 2}, fc.pings[0].TaskIDs)
}

func TestCodec(t *testing.T) {
	c := jsonCodec{}
	data, err := c.Marshal(&TaskStopped{ID: 1, Host: "a:1", Stop: TaskStop{ExitStatus: 2, Killed: true}})
	require.NoError(t, err)
	got := &TaskStopped{}
	require.NoError(t, c.Unmarshal(data, got))
	assert.True(t, got.Stop.Killed)
	assert.Equal(t, Codec, c.Name())
}

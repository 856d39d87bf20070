package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const workerService = "zmlp.Worker"

// WorkerServer is served by an analyst.
type WorkerServer interface {
	// KillTask queues the kill and returns. It doesn't tell
	// whether the task was running.
	KillTask(context.Context, *TaskKill) (*Empty, error)
	// Execute runs an interactive task and returns when it is done.
	Execute(context.Context, *TaskStart) (*TaskResult, error)
}

func workerMethod[Req, Resp any](method string, fn func(WorkerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return unary(workerService, method, func(srv any, ctx context.Context, in *Req) (*Resp, error) {
		return fn(srv.(WorkerServer), ctx, in)
	})
}

// WorkerServiceDesc describes the worker service for grpc.
var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: workerService,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		workerMethod("KillTask", WorkerServer.KillTask),
		workerMethod("Execute", WorkerServer.Execute),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "zmlp/worker",
}

// RegisterWorkerServer registers srv to s.
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&WorkerServiceDesc, srv)
}

// WorkerClient calls an analyst.
type WorkerClient interface {
	KillTask(ctx context.Context, in *TaskKill, opts ...grpc.CallOption) (*Empty, error)
	Execute(ctx context.Context, in *TaskStart, opts ...grpc.CallOption) (*TaskResult, error)
}

type workerClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerClient creates a WorkerClient on cc.
func NewWorkerClient(cc grpc.ClientConnInterface) WorkerClient {
	return &workerClient{cc: cc}
}

func (c *workerClient) KillTask(ctx context.Context, in *TaskKill, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, workerService, "KillTask", in, opts)
}

func (c *workerClient) Execute(ctx context.Context, in *TaskStart, opts ...grpc.CallOption) (*TaskResult, error) {
	return invoke[TaskResult](ctx, c.cc, workerService, "Execute", in, opts)
}

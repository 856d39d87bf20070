package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const coordinatorService = "zmlp.Coordinator"

// CoordinatorServer is served by a coordinator.
// The first group of methods is called by analysts, the rest by operators.
type CoordinatorServer interface {
	QueuePendingTasks(context.Context, *QueueRequest) (*QueueResponse, error)
	ReportTaskStarted(context.Context, *TaskStarted) (*Empty, error)
	ReportTaskStopped(context.Context, *TaskStopped) (*Empty, error)
	ReportTaskErrors(context.Context, *TaskErrors) (*Empty, error)
	ReportTaskStats(context.Context, *TaskStats) (*Empty, error)
	Expand(context.Context, *ExpandRequest) (*ExpandResponse, error)
	Ping(context.Context, *PingRequest) (*PingResponse, error)

	SubmitJob(context.Context, *SubmitJobRequest) (*JobResponse, error)
	GetJob(context.Context, *JobRequest) (*JobResponse, error)
	ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error)
	ListTasks(context.Context, *ListTasksRequest) (*ListTasksResponse, error)
	ListTaskErrors(context.Context, *ListTaskErrorsRequest) (*ListTaskErrorsResponse, error)
	CancelJob(context.Context, *JobRequest) (*Empty, error)
	RestartJob(context.Context, *JobRequest) (*Empty, error)
	RetryTask(context.Context, *TaskRequest) (*Empty, error)
	RetryAllFailures(context.Context, *JobRequest) (*Empty, error)
	SkipTask(context.Context, *TaskRequest) (*Empty, error)
	ExecuteInteractive(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
}

func coordinatorMethod[Req, Resp any](method string, fn func(CoordinatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return unary(coordinatorService, method, func(srv any, ctx context.Context, in *Req) (*Resp, error) {
		return fn(srv.(CoordinatorServer), ctx, in)
	})
}

// CoordinatorServiceDesc describes the coordinator service for grpc.
var CoordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: coordinatorService,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		coordinatorMethod("QueuePendingTasks", CoordinatorServer.QueuePendingTasks),
		coordinatorMethod("ReportTaskStarted", CoordinatorServer.ReportTaskStarted),
		coordinatorMethod("ReportTaskStopped", CoordinatorServer.ReportTaskStopped),
		coordinatorMethod("ReportTaskErrors", CoordinatorServer.ReportTaskErrors),
		coordinatorMethod("ReportTaskStats", CoordinatorServer.ReportTaskStats),
		coordinatorMethod("Expand", CoordinatorServer.Expand),
		coordinatorMethod("Ping", CoordinatorServer.Ping),
		coordinatorMethod("SubmitJob", CoordinatorServer.SubmitJob),
		coordinatorMethod("GetJob", CoordinatorServer.GetJob),
		coordinatorMethod("ListJobs", CoordinatorServer.ListJobs),
		coordinatorMethod("ListTasks", CoordinatorServer.ListTasks),
		coordinatorMethod("ListTaskErrors", CoordinatorServer.ListTaskErrors),
		coordinatorMethod("CancelJob", CoordinatorServer.CancelJob),
		coordinatorMethod("RestartJob", CoordinatorServer.RestartJob),
		coordinatorMethod("RetryTask", CoordinatorServer.RetryTask),
		coordinatorMethod("RetryAllFailures", CoordinatorServer.RetryAllFailures),
		coordinatorMethod("SkipTask", CoordinatorServer.SkipTask),
		coordinatorMethod("ExecuteInteractive", CoordinatorServer.ExecuteInteractive),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "zmlp/coordinator",
}

// RegisterCoordinatorServer registers srv to s.
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&CoordinatorServiceDesc, srv)
}

// CoordinatorClient calls a coordinator.
type CoordinatorClient interface {
	QueuePendingTasks(ctx context.Context, in *QueueRequest, opts ...grpc.CallOption) (*QueueResponse, error)
	ReportTaskStarted(ctx context.Context, in *TaskStarted, opts ...grpc.CallOption) (*Empty, error)
	ReportTaskStopped(ctx context.Context, in *TaskStopped, opts ...grpc.CallOption) (*Empty, error)
	ReportTaskErrors(ctx context.Context, in *TaskErrors, opts ...grpc.CallOption) (*Empty, error)
	ReportTaskStats(ctx context.Context, in *TaskStats, opts ...grpc.CallOption) (*Empty, error)
	Expand(ctx context.Context, in *ExpandRequest, opts ...grpc.CallOption) (*ExpandResponse, error)
	Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error)

	SubmitJob(ctx context.Context, in *SubmitJobRequest, opts ...grpc.CallOption) (*JobResponse, error)
	GetJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*JobResponse, error)
	ListJobs(ctx context.Context, in *ListJobsRequest, opts ...grpc.CallOption) (*ListJobsResponse, error)
	ListTasks(ctx context.Context, in *ListTasksRequest, opts ...grpc.CallOption) (*ListTasksResponse, error)
	ListTaskErrors(ctx context.Context, in *ListTaskErrorsRequest, opts ...grpc.CallOption) (*ListTaskErrorsResponse, error)
	CancelJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*Empty, error)
	RestartJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*Empty, error)
	RetryTask(ctx context.Context, in *TaskRequest, opts ...grpc.CallOption) (*Empty, error)
	RetryAllFailures(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*Empty, error)
	SkipTask(ctx context.Context, in *TaskRequest, opts ...grpc.CallOption) (*Empty, error)
	ExecuteInteractive(ctx context.Context, in *ExecuteRequest, opts ...grpc.CallOption) (*ExecuteResponse, error)
}

type coordinatorClient struct {
	cc grpc.ClientConnInterface
}

// NewCoordinatorClient creates a CoordinatorClient on cc.
func NewCoordinatorClient(cc grpc.ClientConnInterface) CoordinatorClient {
	return &coordinatorClient{cc: cc}
}

func (c *coordinatorClient) QueuePendingTasks(ctx context.Context, in *QueueRequest, opts ...grpc.CallOption) (*QueueResponse, error) {
	return invoke[QueueResponse](ctx, c.cc, coordinatorService, "QueuePendingTasks", in, opts)
}

func (c *coordinatorClient) ReportTaskStarted(ctx context.Context, in *TaskStarted, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, coordinatorService, "ReportTaskStarted", in, opts)
}

func (c *coordinatorClient) ReportTaskStopped(ctx context.Context, in *TaskStopped, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, coordinatorService, "ReportTaskStopped", in, opts)
}

func (c *coordinatorClient) ReportTaskErrors(ctx context.Context, in *TaskErrors, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, coordinatorService, "ReportTaskErrors", in, opts)
}

func (c *coordinatorClient) ReportTaskStats(ctx context.Context, in *TaskStats, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, coordinatorService, "ReportTaskStats", in, opts)
}

func (c *coordinatorClient) Expand(ctx context.Context, in *ExpandRequest, opts ...grpc.CallOption) (*ExpandResponse, error) {
	return invoke[ExpandResponse](ctx, c.cc, coordinatorService, "Expand", in, opts)
}

func (c *coordinatorClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	return invoke[PingResponse](ctx, c.cc, coordinatorService, "Ping", in, opts)
}

func (c *coordinatorClient) SubmitJob(ctx context.Context, in *SubmitJobRequest, opts ...grpc.CallOption) (*JobResponse, error) {
	return invoke[JobResponse](ctx, c.cc, coordinatorService, "SubmitJob", in, opts)
}

func (c *coordinatorClient) GetJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*JobResponse, error) {
	return invoke[JobResponse](ctx, c.cc, coordinatorService, "GetJob", in, opts)
}

func (c *coordinatorClient) ListJobs(ctx context.Context, in *ListJobsRequest, opts ...grpc.CallOption) (*ListJobsResponse, error) {
	return invoke[ListJobsResponse](ctx, c.cc, coordinatorService, "ListJobs", in, opts)
}

func (c *coordinatorClient) ListTasks(ctx context.Context, in *ListTasksRequest, opts ...grpc.CallOption) (*ListTasksResponse, error) {
	return invoke[ListTasksResponse](ctx, c.cc, coordinatorService, "ListTasks", in, opts)
}

func (c *coordinatorClient) ListTaskErrors(ctx context.Context, in *ListTaskErrorsRequest, opts ...grpc.CallOption) (*ListTaskErrorsResponse, error) {
	return invoke[ListTaskErrorsResponse](ctx, c.cc, coordinatorService, "ListTaskErrors", in, opts)
}

func (c *coordinatorClient) CancelJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, coordinatorService, "CancelJob", in, opts)
}

func (c *coordinatorClient) RestartJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, coordinatorService, "RestartJob", in, opts)
}

func (c *coordinatorClient) RetryTask(ctx context.Context, in *TaskRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, coordinatorService, "RetryTask", in, opts)
}

func (c *coordinatorClient) RetryAllFailures(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, coordinatorService, "RetryAllFailures", in, opts)
}

func (c *coordinatorClient) SkipTask(ctx context.Context, in *TaskRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, coordinatorService, "SkipTask", in, opts)
}

func (c *coordinatorClient) ExecuteInteractive(ctx context.Context, in *ExecuteRequest, opts ...grpc.CallOption) (*ExecuteResponse, error) {
	return invoke[ExecuteResponse](ctx, c.cc, coordinatorService, "ExecuteInteractive", in, opts)
}

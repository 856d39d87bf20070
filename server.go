package zmlp

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Juanbuhler/zmlp-sub000/pipeline"
	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

// Server serves a Coordinator to analysts and operators.
type Server struct {
	c *Coordinator
}

var _ rpc.CoordinatorServer = (*Server)(nil)

func NewServer(c *Coordinator) *Server {
	return &Server{c: c}
}

// statusOf converts err to a grpc status error.
func statusOf(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, ErrInvalidJobSpec),
		errors.Is(err, pipeline.ErrInvalidScript),
		errors.Is(err, pipeline.ErrUnknownProcessor):
		code = codes.InvalidArgument
	case errors.Is(err, ErrNoReturnURL),
		errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrNotLeased):
		code = codes.FailedPrecondition
	case errors.Is(err, ErrAnalystNotAllowed):
		code = codes.PermissionDenied
	case errors.Is(err, ErrNoAnalyst):
		code = codes.Unavailable
	case errors.Is(err, ErrResponseTimeout),
		errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

func (s *Server) QueuePendingTasks(ctx context.Context, in *rpc.QueueRequest) (*rpc.QueueResponse, error) {
	tasks, err := s.c.GetWaitingTasks(in.URL, in.Count)
	if err != nil && len(tasks) == 0 {
		return nil, statusOf(err)
	}
	return &rpc.QueueResponse{Tasks: tasks}, nil
}

func (s *Server) ReportTaskStarted(ctx context.Context, in *rpc.TaskStarted) (*rpc.Empty, error) {
	_, err := s.c.StartTask(in.Host, TaskID(in.ID))
	return &rpc.Empty{}, statusOf(err)
}

func (s *Server) ReportTaskStopped(ctx context.Context, in *rpc.TaskStopped) (*rpc.Empty, error) {
	_, err := s.c.StopTask(in.Host, TaskID(in.ID), in.Stop)
	return &rpc.Empty{}, statusOf(err)
}

func (s *Server) ReportTaskErrors(ctx context.Context, in *rpc.TaskErrors) (*rpc.Empty, error) {
	err := s.c.HandleTaskErrors(in.Host, TaskID(in.ID), in.Errors)
	return &rpc.Empty{}, statusOf(err)
}

func (s *Server) ReportTaskStats(ctx context.Context, in *rpc.TaskStats) (*rpc.Empty, error) {
	err := s.c.HandleTaskStats(in.Host, TaskID(in.ID), in.Stats)
	return &rpc.Empty{}, statusOf(err)
}

func (s *Server) Expand(ctx context.Context, in *rpc.ExpandRequest) (*rpc.ExpandResponse, error) {
	t, err := s.c.Expand(in.Host, TaskID(in.ID), in.Expand.Name, in.Expand.Script)
	if err != nil {
		return nil, statusOf(err)
	}
	return &rpc.ExpandResponse{TaskID: int64(t.ID)}, nil
}

func (s *Server) Ping(ctx context.Context, in *rpc.PingRequest) (*rpc.PingResponse, error) {
	ids := make([]TaskID, len(in.TaskIDs))
	for i, id := range in.TaskIDs {
		ids[i] = TaskID(id)
	}
	a, err := s.c.Ping(AnalystPing{
		URL:       in.URL,
		QueueSize: in.QueueSize,
		Threads:   in.Threads,
		OS:        in.OS,
		Arch:      in.Arch,
		Version:   in.Version,
		TaskIDs:   ids,
	})
	if err != nil {
		return nil, statusOf(err)
	}
	return &rpc.PingResponse{AnalystID: a.ID}, nil
}

func decodeSpec(data json.RawMessage) (JobSpec, error) {
	spec := JobSpec{}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, errors.Wrap(ErrInvalidJobSpec, err.Error())
	}
	return spec, nil
}

func jobResponse(j *Job) (*rpc.JobResponse, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, statusOf(err)
	}
	return &rpc.JobResponse{Job: data}, nil
}

func marshalAll[T any](vs []*T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(vs))
	for i, v := range vs {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func (s *Server) SubmitJob(ctx context.Context, in *rpc.SubmitJobRequest) (*rpc.JobResponse, error) {
	spec, err := decodeSpec(in.Spec)
	if err != nil {
		return nil, statusOf(err)
	}
	j, err := s.c.SubmitJob(spec)
	if err != nil {
		return nil, statusOf(err)
	}
	return jobResponse(j)
}

func (s *Server) GetJob(ctx context.Context, in *rpc.JobRequest) (*rpc.JobResponse, error) {
	j, err := s.c.jobs.GetJob(JobID(in.ID))
	if err != nil {
		return nil, statusOf(err)
	}
	return jobResponse(j)
}

func (s *Server) ListJobs(ctx context.Context, in *rpc.ListJobsRequest) (*rpc.ListJobsResponse, error) {
	f := JobFilter{User: in.User}
	if in.State != "" {
		st := JobActive
		if err := st.UnmarshalText([]byte(in.State)); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		f.State = &st
	}
	jobs, err := s.c.jobs.FindJobs(f)
	if err != nil {
		return nil, statusOf(err)
	}
	data, err := marshalAll(jobs)
	if err != nil {
		return nil, statusOf(err)
	}
	return &rpc.ListJobsResponse{Jobs: data}, nil
}

func (s *Server) ListTasks(ctx context.Context, in *rpc.ListTasksRequest) (*rpc.ListTasksResponse, error) {
	f := TaskFilter{JobID: JobID(in.JobID)}
	for _, name := range in.States {
		st := TaskWaiting
		if err := st.UnmarshalText([]byte(name)); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		f.States = append(f.States, st)
	}
	tasks, err := s.c.tasks.FindTasks(f)
	if err != nil {
		return nil, statusOf(err)
	}
	data, err := marshalAll(tasks)
	if err != nil {
		return nil, statusOf(err)
	}
	return &rpc.ListTasksResponse{Tasks: data}, nil
}

func (s *Server) ListTaskErrors(ctx context.Context, in *rpc.ListTaskErrorsRequest) (*rpc.ListTaskErrorsResponse, error) {
	errs, err := s.c.tasks.FindTaskErrors(TaskErrorFilter{JobID: JobID(in.JobID), TaskID: TaskID(in.TaskID)})
	if err != nil {
		return nil, statusOf(err)
	}
	data, err := marshalAll(errs)
	if err != nil {
		return nil, statusOf(err)
	}
	return &rpc.ListTaskErrorsResponse{Errors: data}, nil
}

func (s *Server) CancelJob(ctx context.Context, in *rpc.JobRequest) (*rpc.Empty, error) {
	ok, err := s.c.CancelJob(JobID(in.ID), in.User)
	if err != nil {
		return nil, statusOf(err)
	}
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "job %d is not active", in.ID)
	}
	return &rpc.Empty{}, nil
}

func (s *Server) RestartJob(ctx context.Context, in *rpc.JobRequest) (*rpc.Empty, error) {
	ok, err := s.c.RestartJob(JobID(in.ID), in.User)
	if err != nil {
		return nil, statusOf(err)
	}
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "job %d is not cancelled", in.ID)
	}
	return &rpc.Empty{}, nil
}

func (s *Server) RetryTask(ctx context.Context, in *rpc.TaskRequest) (*rpc.Empty, error) {
	return &rpc.Empty{}, statusOf(s.c.RetryTask(TaskID(in.ID), in.User))
}

func (s *Server) RetryAllFailures(ctx context.Context, in *rpc.JobRequest) (*rpc.Empty, error) {
	return &rpc.Empty{}, statusOf(s.c.RetryAllFailures(JobID(in.ID), in.User))
}

func (s *Server) SkipTask(ctx context.Context, in *rpc.TaskRequest) (*rpc.Empty, error) {
	return &rpc.Empty{}, statusOf(s.c.SkipTask(TaskID(in.ID), in.User))
}

func (s *Server) ExecuteInteractive(ctx context.Context, in *rpc.ExecuteRequest) (*rpc.ExecuteResponse, error) {
	spec, err := decodeSpec(in.Spec)
	if err != nil {
		return nil, statusOf(err)
	}
	r, err := s.c.ExecuteInteractive(ctx, spec)
	if err != nil {
		return nil, statusOf(err)
	}
	return &rpc.ExecuteResponse{Result: *r}, nil
}

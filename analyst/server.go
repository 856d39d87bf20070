package analyst

import (
	"context"

	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

// Server serves a ProcessManager to coordinators.
type Server struct {
	pm *ProcessManager
}

var _ rpc.WorkerServer = (*Server)(nil)

func NewServer(pm *ProcessManager) *Server {
	return &Server{pm: pm}
}

func (s *Server) KillTask(ctx context.Context, in *rpc.TaskKill) (*rpc.Empty, error) {
	s.pm.Kill(*in)
	return &rpc.Empty{}, nil
}

func (s *Server) Execute(ctx context.Context, in *rpc.TaskStart) (*rpc.TaskResult, error) {
	return s.pm.ExecuteInteractive(in), nil
}

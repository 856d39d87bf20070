// zmlp submits and manages jobs on a coordinator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

type globals struct {
	Addr    string
	User    string
	Timeout time.Duration
}

func defaultGlobals() *globals {
	addr := os.Getenv("ZMLP_ADDR")
	if addr == "" {
		addr = "localhost:8283"
	}
	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return &globals{Addr: addr, User: name, Timeout: 10 * time.Second}
}

// call connects to the coordinator and runs fn with a client.
func (g *globals) call(fn func(ctx context.Context, cli rpc.CoordinatorClient) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()
	conn, err := rpc.Dial(ctx, g.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, rpc.NewCoordinatorClient(conn))
}

func NewRootCmd() *cobra.Command {
	g := defaultGlobals()
	cmd := &cobra.Command{
		Use:          "zmlp",
		Short:        "submit and manage jobs",
		SilenceUsage: true,
	}
	fs := cmd.PersistentFlags()
	fs.StringVar(&g.Addr, "addr", g.Addr, "coordinator address, ZMLP_ADDR by default")
	fs.StringVar(&g.User, "user", g.User, "user recorded with the operations")
	fs.DurationVar(&g.Timeout, "timeout", g.Timeout, "timeout of a request")
	cmd.AddCommand(
		newSubmitCmd(g),
		newExecCmd(g),
		newGetCmd(g),
		newJobsCmd(g),
		newTasksCmd(g),
		newErrorsCmd(g),
		newCancelCmd(g),
		newRestartCmd(g),
		newRetryCmd(g),
		newRetryFailuresCmd(g),
		newSkipCmd(g),
	)
	return cmd
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}

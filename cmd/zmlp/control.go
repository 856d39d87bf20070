package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

// jobCmd builds a command calling fn on the coordinator for every job id in args.
func jobCmd(g *globals, use, short, done string, fn func(context.Context, rpc.CoordinatorClient, *rpc.JobRequest) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " JOB...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(func(ctx context.Context, cli rpc.CoordinatorClient) error {
				for _, arg := range args {
					id, err := parseID(arg)
					if err != nil {
						return err
					}
					if err := fn(ctx, cli, &rpc.JobRequest{ID: id, User: g.User}); err != nil {
						return fmt.Errorf("job %d: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "job %d %s\n", id, done)
				}
				return nil
			})
		},
	}
}

func taskCmd(g *globals, use, short, done string, fn func(context.Context, rpc.CoordinatorClient, *rpc.TaskRequest) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " TASK...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(func(ctx context.Context, cli rpc.CoordinatorClient) error {
				for _, arg := range args {
					id, err := parseID(arg)
					if err != nil {
						return err
					}
					if err := fn(ctx, cli, &rpc.TaskRequest{ID: id, User: g.User}); err != nil {
						return fmt.Errorf("task %d: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "task %d %s\n", id, done)
				}
				return nil
			})
		},
	}
}

func newCancelCmd(g *globals) *cobra.Command {
	return jobCmd(g, "cancel", "cancel jobs, killing their running tasks", "cancelled",
		func(ctx context.Context, cli rpc.CoordinatorClient, in *rpc.JobRequest) error {
			_, err := cli.CancelJob(ctx, in)
			return err
		})
}

func newRestartCmd(g *globals) *cobra.Command {
	return jobCmd(g, "restart", "restart cancelled jobs", "restarted",
		func(ctx context.Context, cli rpc.CoordinatorClient, in *rpc.JobRequest) error {
			_, err := cli.RestartJob(ctx, in)
			return err
		})
}

func newRetryFailuresCmd(g *globals) *cobra.Command {
	return jobCmd(g, "retry-failures", "retry the failed tasks of jobs", "retrying failures",
		func(ctx context.Context, cli rpc.CoordinatorClient, in *rpc.JobRequest) error {
			_, err := cli.RetryAllFailures(ctx, in)
			return err
		})
}

func newRetryCmd(g *globals) *cobra.Command {
	return taskCmd(g, "retry", "retry tasks, killing them first when running", "retrying",
		func(ctx context.Context, cli rpc.CoordinatorClient, in *rpc.TaskRequest) error {
			_, err := cli.RetryTask(ctx, in)
			return err
		})
}

func newSkipCmd(g *globals) *cobra.Command {
	return taskCmd(g, "skip", "skip tasks, killing them first when running", "skipped",
		func(ctx context.Context, cli rpc.CoordinatorClient, in *rpc.TaskRequest) error {
			_, err := cli.SkipTask(ctx, in)
			return err
		})
}

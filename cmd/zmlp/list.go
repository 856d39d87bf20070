package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

func cutOrFill(s string, n int, fillLeft bool) string {
	if n < 0 {
		// invalid input
		return s
	}
	if len(s) > n {
		return s[:n]
	}
	spaces := strings.Repeat(" ", n-len(s))
	if fillLeft {
		return spaces + s
	}
	return s + spaces
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id: %s", s)
	}
	return id, nil
}

func decodeAll[T any](raws []json.RawMessage) ([]*T, error) {
	vs := make([]*T, 0, len(raws))
	for _, raw := range raws {
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	return vs, nil
}

func printJob(w io.Writer, j *zmlp.Job) {
	c := j.Counts
	fmt.Fprintf(w, "[%s] %s %s - %s (%s)  tasks %d/%d  failed %d  running %d  items %d ok %d err %d\n",
		cutOrFill(strconv.FormatInt(int64(j.ID), 10), 6, true),
		cutOrFill(j.State.String(), 9, false),
		cutOrFill(j.Type.String(), 7, false),
		j.Name, j.User,
		c.Completed, c.Total, c.Failure, c.Running,
		j.Stats.Total, j.Stats.Success, j.Stats.Error,
	)
}

func printTask(w io.Writer, t *zmlp.Task) {
	fmt.Fprintf(w, "[%s] %s %s runs %d  exit %d  %s\n",
		cutOrFill(strconv.FormatInt(int64(t.ID), 10), 8, true),
		cutOrFill(t.State.String(), 7, false),
		cutOrFill(t.Host, 21, false),
		t.RunCount, t.ExitStatus, t.Name,
	)
}

func newGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB",
		Short: "show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return g.call(func(ctx context.Context, cli rpc.CoordinatorClient) error {
				resp, err := cli.GetJob(ctx, &rpc.JobRequest{ID: id})
				if err != nil {
					return err
				}
				j := &zmlp.Job{}
				if err := json.Unmarshal(resp.Job, j); err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), j)
				return nil
			})
		},
	}
}

func newJobsCmd(g *globals) *cobra.Command {
	var state, user string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "list jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(func(ctx context.Context, cli rpc.CoordinatorClient) error {
				resp, err := cli.ListJobs(ctx, &rpc.ListJobsRequest{State: state, User: user})
				if err != nil {
					return err
				}
				jobs, err := decodeAll[zmlp.Job](resp.Jobs)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(out, "no job to show")
				}
				for _, j := range jobs {
					printJob(out, j)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "active, cancelled or finished")
	cmd.Flags().StringVar(&user, "owner", "", "jobs submitted by this user")
	return cmd
}

func newTasksCmd(g *globals) *cobra.Command {
	var states []string
	cmd := &cobra.Command{
		Use:   "tasks JOB",
		Short: "list the tasks of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return g.call(func(ctx context.Context, cli rpc.CoordinatorClient) error {
				resp, err := cli.ListTasks(ctx, &rpc.ListTasksRequest{JobID: id, States: states})
				if err != nil {
					return err
				}
				tasks, err := decodeAll[zmlp.Task](resp.Tasks)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, t := range tasks {
					printTask(out, t)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "waiting, queued, running, success, failure or skipped")
	return cmd
}

func newErrorsCmd(g *globals) *cobra.Command {
	var task int64
	cmd := &cobra.Command{
		Use:   "errors JOB",
		Short: "list the processing errors of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return g.call(func(ctx context.Context, cli rpc.CoordinatorClient) error {
				resp, err := cli.ListTaskErrors(ctx, &rpc.ListTaskErrorsRequest{JobID: id, TaskID: task})
				if err != nil {
					return err
				}
				errs, err := decodeAll[zmlp.TaskError](resp.Errors)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, e := range errs {
					where := e.Processor
					if e.OriginPath != "" {
						where += " " + e.OriginPath
					}
					fmt.Fprintf(out, "[%s] %s %s: %s\n",
						cutOrFill(strconv.FormatInt(int64(e.TaskID), 10), 8, true),
						cutOrFill(e.Phase, 8, false),
						strings.TrimSpace(where), e.Message,
					)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&task, "task", 0, "errors of this task only")
	return cmd
}

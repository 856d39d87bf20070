package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/Juanbuhler/zmlp-sub000/pipeline"
	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

// readSpec reads a job spec written in yaml or json and checks it the
// way the coordinator will. An empty user is filled with user.
func readSpec(r io.Reader, user string) (json.RawMessage, error) {
	spec := zmlp.JobSpec{}
	if err := yaml.NewDecoder(r).Decode(&spec); err != nil {
		if err == io.EOF {
			return nil, errors.New("empty job file")
		}
		return nil, errors.Wrap(err, "decode job file")
	}
	if spec.User == "" {
		spec.User = user
	}
	if err := spec.Validate(pipeline.NewDefaultRegistry()); err != nil {
		return nil, err
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, errors.Wrap(err, "encode job spec")
	}
	return data, nil
}

func openSpec(path, user string) (json.RawMessage, error) {
	if path == "-" {
		return readSpec(os.Stdin, user)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readSpec(f, user)
}

func newSubmitCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "submit FILE",
		Short: "submit a job from a yaml or json file, - reads stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := openSpec(args[0], g.User)
			if err != nil {
				return err
			}
			return g.call(func(ctx context.Context, cli rpc.CoordinatorClient) error {
				resp, err := cli.SubmitJob(ctx, &rpc.SubmitJobRequest{Spec: spec})
				if err != nil {
					return err
				}
				j := &zmlp.Job{}
				if err := json.Unmarshal(resp.Job, j); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d submitted, %d tasks\n", j.ID, j.Counts.Total)
				return nil
			})
		},
	}
}

func newExecCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "exec FILE",
		Short: "run a job on an analyst right away and print its response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := openSpec(args[0], g.User)
			if err != nil {
				return err
			}
			return g.call(func(ctx context.Context, cli rpc.CoordinatorClient) error {
				resp, err := cli.ExecuteInteractive(ctx, &rpc.ExecuteRequest{Spec: spec})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, e := range resp.Result.Errors {
					fmt.Fprintf(out, "error: %s\n", e.Error())
				}
				if len(resp.Result.Response) != 0 {
					fmt.Fprintln(out, string(resp.Result.Response))
				}
				if resp.Result.ExitStatus != 0 {
					return errors.Errorf("exit status %d", resp.Result.ExitStatus)
				}
				return nil
			})
		},
	}
}

// zmlp-analyst runs the tasks it leases from coordinators.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Juanbuhler/zmlp-sub000/analyst"
	"github.com/Juanbuhler/zmlp-sub000/lib/config"
	"github.com/Juanbuhler/zmlp-sub000/lib/log"
	"github.com/Juanbuhler/zmlp-sub000/lib/metrics"
	"github.com/Juanbuhler/zmlp-sub000/lib/ops"
	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

var version = "dev"

type options struct {
	Listen    string
	OpsListen string
	LogLevel  string
	Analyst   *analyst.Options
}

func defaultOptions() *options {
	return &options{
		Listen:    ":8284",
		OpsListen: ":8286",
		LogLevel:  "info",
		Analyst:   analyst.NewDefaultOptions(),
	}
}

func newCmd() *cobra.Command {
	o := defaultOptions()
	loader := config.NewLoader("zmlp-analyst")
	cmd := &cobra.Command{
		Use:          "zmlp-analyst",
		Short:        "run an analyst",
		SilenceUsage: true,
		Version:      version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loader.Parse(cmd.Flags(), os.Args[1:]); err != nil {
				return err
			}
			log.SetLevel(o.LogLevel)
			defer log.Sync()
			// coordinators added to the config file are picked up
			// without a restart.
			hosts := o.Analyst.Hosts
			o.Analyst.LoadHosts = func() []string {
				return loader.StringSlice("hosts", hosts)
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, o)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&o.Listen, "listen", o.Listen, "address to serve coordinators")
	fs.StringVar(&o.OpsListen, "ops-listen", o.OpsListen, "address to serve metrics and health checks")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "debug, info or error")
	o.Analyst.RegistFlags("", fs)
	return cmd
}

func run(ctx context.Context, o *options) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	aopts := *o.Analyst
	aopts.Version = version
	aopts.Mode = analyst.ModeAsync
	aopts.Log = log.WithName("analyst")
	aopts.Metrics = metrics.NewAnalyst(reg)
	pm, err := analyst.NewProcessManager(&aopts)
	if err != nil {
		return err
	}
	defer pm.Close()

	lis, err := net.Listen("tcp", o.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", o.Listen)
	}
	srv := rpc.NewServer()
	rpc.RegisterWorkerServer(srv, analyst.NewServer(pm))

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer stop()
		err := pm.Run(ctx)
		if errors.Is(err, analyst.ErrIdleShutdown) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		log.Info("analyst listening", "addr", o.Listen, "url", aopts.URL, "threads", aopts.Threads)
		return srv.Serve(lis)
	})
	eg.Go(func() error {
		<-ctx.Done()
		srv.GracefulStop()
		return nil
	})
	eg.Go(func() error {
		return ops.Serve(ctx, o.OpsListen, ops.NewRouter(reg, nil))
	})
	return eg.Wait()
}

func main() {
	if err := newCmd().Execute(); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}

// zmlpd is the coordinator daemon. It keeps jobs in a sqlite database
// and leases their tasks to analysts over grpc.
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

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/Juanbuhler/zmlp-sub000/lib/config"
	"github.com/Juanbuhler/zmlp-sub000/lib/lock"
	"github.com/Juanbuhler/zmlp-sub000/lib/log"
	"github.com/Juanbuhler/zmlp-sub000/lib/metrics"
	"github.com/Juanbuhler/zmlp-sub000/lib/ops"
	"github.com/Juanbuhler/zmlp-sub000/rpc"
	"github.com/Juanbuhler/zmlp-sub000/service/sqlite"
)

var version = "dev"

type options struct {
	Listen      string
	OpsListen   string
	DB          string
	LogLevel    string
	Coordinator *zmlp.Options
	Lock        *lock.Options
}

func defaultOptions() *options {
	return &options{
		Listen:      ":8283",
		OpsListen:   ":8285",
		DB:          "zmlp.db",
		LogLevel:    "info",
		Coordinator: zmlp.NewDefaultOptions(),
		Lock:        lock.NewDefaultOptions(),
	}
}

func newCmd() *cobra.Command {
	o := defaultOptions()
	loader := config.NewLoader("zmlpd")
	cmd := &cobra.Command{
		Use:          "zmlpd",
		Short:        "run a coordinator",
		SilenceUsage: true,
		Version:      version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loader.Parse(cmd.Flags(), os.Args[1:]); err != nil {
				return err
			}
			log.SetLevel(o.LogLevel)
			defer log.Sync()
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, o)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&o.Listen, "listen", o.Listen, "address to serve analysts and clients")
	fs.StringVar(&o.OpsListen, "ops-listen", o.OpsListen, "address to serve metrics and health checks")
	fs.StringVar(&o.DB, "db", o.DB, "path of the sqlite database, created when missing")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "debug, info or error")
	o.Coordinator.RegistFlags("", fs)
	o.Lock.RegistFlags("lock", fs)
	return cmd
}

func run(ctx context.Context, o *options) error {
	db, err := sqlite.OpenOrCreate(o.DB)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	copts := *o.Coordinator
	copts.Mode = zmlp.ModeAsync
	copts.Log = log.WithName("coordinator")
	copts.Metrics = metrics.NewCoordinator(reg)
	copts.Locker = lock.New(o.Lock)
	c, err := zmlp.NewCoordinator(sqlite.NewServices(db), &copts)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", o.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", o.Listen)
	}
	srv := rpc.NewServer()
	rpc.RegisterCoordinatorServer(srv, zmlp.NewServer(c))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return c.Run(ctx)
	})
	eg.Go(func() error {
		log.Info("coordinator listening", "addr", o.Listen, "version", version)
		return srv.Serve(lis)
	})
	eg.Go(func() error {
		<-ctx.Done()
		srv.GracefulStop()
		return nil
	})
	eg.Go(func() error {
		return ops.Serve(ctx, o.OpsListen, ops.NewRouter(reg, db.PingContext))
	})
	return eg.Wait()
}

func main() {
	if err := newCmd().Execute(); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}

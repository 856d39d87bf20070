package analyst

import (
	"os"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"

	"github.com/Juanbuhler/zmlp-sub000/lib/metrics"
	"github.com/Juanbuhler/zmlp-sub000/pipeline"
)

// Options configures a ProcessManager.
type Options struct {
	URL          string        `json:"url,omitempty" description:"address coordinators reach this analyst at"`
	Hosts        []string      `json:"hosts,omitempty" description:"coordinator addresses"`
	Threads      int           `json:"threads,omitempty" description:"tasks run at once"`
	PollInterval time.Duration `json:"pollInterval,omitempty"`
	HostRefresh  time.Duration `json:"hostRefresh,omitempty" description:"interval of reloading the coordinator addresses"`
	Backoff      time.Duration `json:"backoff,omitempty" description:"wait before polling a failing coordinator again"`
	RPCTimeout   time.Duration `json:"rpcTimeout,omitempty"`
	PingInterval time.Duration `json:"pingInterval,omitempty"`
	IdleShutdown int           `json:"idleShutdown,omitempty" description:"minutes without tasks before the analyst exits, 0 never exits"`
	TempDir      string        `json:"tempDir,omitempty" description:"directory of task scripts not on shared storage"`
	Version      string        `json:"-"`

	Mode     ExecMode           `json:"-"`
	Registry *pipeline.Registry `json:"-"`
	Log      logr.Logger        `json:"-"`
	Metrics  *metrics.Analyst   `json:"-"`
	// LoadHosts returns the coordinator addresses on every refresh.
	// It returns Hosts when nil.
	LoadHosts func() []string `json:"-"`
	Dial      DialFunc        `json:"-"`
	Now       func() time.Time `json:"-"`
}

func NewDefaultOptions() *Options {
	return &Options{
		URL:          "localhost:8284",
		Hosts:        []string{"localhost:8283"},
		Threads:      runtime.NumCPU(),
		PollInterval: 5 * time.Second,
		HostRefresh:  5 * time.Second,
		Backoff:      60 * time.Second,
		RPCTimeout:   2 * time.Second,
		PingInterval: 10 * time.Second,
		TempDir:      os.TempDir(),
	}
}

func (o *Options) RegistFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.URL, joinFlagName(prefix, "url"), o.URL, "address coordinators reach this analyst at")
	fs.StringSliceVar(&o.Hosts, joinFlagName(prefix, "hosts"), o.Hosts, "coordinator addresses")
	fs.IntVar(&o.Threads, joinFlagName(prefix, "threads"), o.Threads, "tasks run at once")
	fs.DurationVar(&o.PollInterval, joinFlagName(prefix, "poll-interval"), o.PollInterval, "interval of asking coordinators for tasks")
	fs.DurationVar(&o.HostRefresh, joinFlagName(prefix, "host-refresh"), o.HostRefresh, "interval of reloading the coordinator addresses")
	fs.DurationVar(&o.Backoff, joinFlagName(prefix, "backoff"), o.Backoff, "wait before polling a failing coordinator again")
	fs.DurationVar(&o.RPCTimeout, joinFlagName(prefix, "rpc-timeout"), o.RPCTimeout, "timeout of calls to coordinators")
	fs.DurationVar(&o.PingInterval, joinFlagName(prefix, "ping-interval"), o.PingInterval, "interval of pinging coordinators")
	fs.IntVar(&o.IdleShutdown, joinFlagName(prefix, "idle-shutdown"), o.IdleShutdown, "minutes without tasks before the analyst exits, 0 never exits")
	fs.StringVar(&o.TempDir, joinFlagName(prefix, "temp-dir"), o.TempDir, "directory of task scripts not on shared storage")
}

func joinFlagName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}

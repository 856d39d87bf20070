package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOptions struct {
	Listen   string
	Interval time.Duration
	Hosts    []string
}

func (o *testOptions) RegistFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Listen, "listen", o.Listen, "")
	fs.DurationVar(&o.Interval, "poll-interval", o.Interval, "")
	fs.StringSliceVar(&o.Hosts, "hosts", o.Hosts, "")
}

func TestParseLayers(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "zmlp-test.yaml"), []byte(`
listen: ":9000"
poll:
  interval: 3s
hosts:
  - a:1
  - b:2
`), 0644)
	require.NoError(t, err)

	t.Setenv("POLL_INTERVAL", "7s")

	opts := &testOptions{Listen: ":1", Interval: time.Second}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.RegistFlags(fs)

	l := NewLoader("zmlp-test")
	l.Paths = []string{dir}
	require.NoError(t, l.Parse(fs, []string{"--listen", ":9100"}))

	assert.Equal(t, ":9100", opts.Listen)
	assert.Equal(t, 7*time.Second, opts.Interval)
	assert.Equal(t, []string{"a:1", "b:2"}, opts.Hosts)
}

func TestStringSliceReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zmlp-test.yaml")
	l := NewLoader("zmlp-test")
	l.Paths = []string{dir}

	got := l.StringSlice("hosts", []string{"x:1"})
	assert.Equal(t, []string{"x:1"}, got)

	require.NoError(t, os.WriteFile(path, []byte(`hosts: ["a:1"]`), 0644))
	assert.Equal(t, []string{"a:1"}, l.StringSlice("hosts", nil))

	require.NoError(t, os.WriteFile(path, []byte(`hosts: ["a:1", "c:3"]`), 0644))
	assert.Equal(t, []string{"a:1", "c:3"}, l.StringSlice("hosts", nil))
}

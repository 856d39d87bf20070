package main

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/Juanbuhler/zmlp-sub000/rpc"
	"github.com/Juanbuhler/zmlp-sub000/service/memory"
)

const jobFile = `
name: thumbnails
type: import
script:
  over:
    - path: /data/a.jpg
    - path: /data/b.jpg
  execute:
    - className: zmlp.Noop
`

func TestCutOrFill(t *testing.T) {
	cases := []struct {
		s        string
		n        int
		fillLeft bool
		want     string
	}{
		{"active", 9, false, "active   "},
		{"12", 5, true, "   12"},
		{"cancelled", 4, false, "canc"},
		{"x", -1, false, "x"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, cutOrFill(c.s, c.n, c.fillLeft))
	}
}

func TestReadSpec(t *testing.T) {
	data, err := readSpec(strings.NewReader(jobFile), "alice")
	require.NoError(t, err)
	spec := zmlp.JobSpec{}
	require.NoError(t, json.Unmarshal(data, &spec))
	assert.Equal(t, "thumbnails", spec.Name)
	assert.Equal(t, zmlp.JobImport, spec.Type)
	assert.Equal(t, "alice", spec.User)
	assert.Len(t, spec.Script.Over, 2)

	data, err = readSpec(strings.NewReader(jobFile+"user: bob\n"), "alice")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &spec))
	assert.Equal(t, "bob", spec.User)

	_, err = readSpec(strings.NewReader(`{"name": "json", "script": {"execute": [{"className": "zmlp.Unknown"}]}}`), "alice")
	assert.ErrorIs(t, err, zmlp.ErrInvalidJobSpec)
	_, err = readSpec(strings.NewReader(""), "alice")
	assert.Error(t, err)
}

func serve(t *testing.T) (string, *memory.Services) {
	t.Helper()
	opts := zmlp.NewDefaultOptions()
	opts.LogRoot = t.TempDir()
	opts.Mode = zmlp.ModeInline
	services := memory.New()
	c, err := zmlp.NewCoordinator(services, opts)
	require.NoError(t, err)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := rpc.NewServer()
	rpc.RegisterCoordinatorServer(srv, zmlp.NewServer(c))
	go srv.Serve(lis)
	t.Cleanup(func() {
		srv.Stop()
		c.Close()
	})
	return lis.Addr().String(), services
}

func run(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append([]string{"--addr", addr, "--user", "alice"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	addr, services := serve(t)
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(jobFile), 0644))

	out, err := run(t, addr, "submit", path)
	require.NoError(t, err)
	assert.Contains(t, out, "job 1 submitted, 1 tasks")

	out, err = run(t, addr, "jobs", "--state", "active")
	require.NoError(t, err)
	assert.Contains(t, out, "thumbnails (alice)")

	out, err = run(t, addr, "tasks", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "waiting")

	out, err = run(t, addr, "cancel", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "job 1 cancelled")
	_, err = run(t, addr, "cancel", "1")
	assert.Error(t, err)

	out, err = run(t, addr, "get", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	_, err = run(t, addr, "restart", "1")
	require.NoError(t, err)
	j, err := services.GetJob(1)
	require.NoError(t, err)
	assert.Equal(t, zmlp.JobActive, j.State)

	_, err = run(t, addr, "get", "x")
	assert.Error(t, err)
	_, err = run(t, addr, "get", "99")
	assert.Error(t, err)
}

package sqlite

import (
	"fmt"
	"path/filepath"
	"testing"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/Juanbuhler/zmlp-sub000/pipeline"
	"github.com/Juanbuhler/zmlp-sub000/service/servicetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServices(t *testing.T) {
	i := 0
	servicetest.Run(t, func(t *testing.T) zmlp.Services {
		i++
		dbpath := filepath.Join(t.TempDir(), fmt.Sprintf("test_%v.db", i))
		db, err := Create(dbpath)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return NewServices(db)
	})
}

func TestOpen(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
	_, err = Open(filepath.Join(t.TempDir(), "missing.db"))
	assert.Error(t, err)
}

// TestReopen checks that jobs and their counters outlive the process.
func TestReopen(t *testing.T) {
	dbpath := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenOrCreate(dbpath)
	require.NoError(t, err)
	s := NewServices(db)

	job, tasks := servicetest.NewJob(t, s, 3)
	servicetest.Move(t, s, tasks[0].ID, zmlp.TaskQueued, zmlp.TaskRunning, zmlp.TaskSuccess)
	servicetest.Move(t, s, tasks[1].ID, zmlp.TaskQueued, zmlp.TaskRunning, zmlp.TaskFailure)
	servicetest.Move(t, s, tasks[2].ID, zmlp.TaskQueued)
	require.NoError(t, s.JobService().IncrementFrameStats(job.ID, tasks[0].ID, zmlp.FrameStatsOf(pipeline.Stats{Success: 4, Error: 1})))
	want, err := s.JobService().GetJob(job.ID)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenOrCreate(dbpath)
	require.NoError(t, err)
	defer db.Close()
	r := NewServices(db)
	got, err := r.JobService().GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, want.Counts, got.Counts)
	assert.Equal(t, want.Stats, got.Stats)
	assert.Equal(t, zmlp.JobActive, got.State)
	servicetest.CheckCounts(t, r, job.ID)

	queued, err := r.TaskService().GetTask(tasks[2].ID)
	require.NoError(t, err)
	assert.Equal(t, zmlp.TaskQueued, queued.State)
	assert.Equal(t, "analyst:5000", queued.Host)

	servicetest.Move(t, r, tasks[2].ID, zmlp.TaskRunning, zmlp.TaskSuccess)
	got, err = r.JobService().GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, zmlp.JobFinished, got.State)
}

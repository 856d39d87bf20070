package sqlite

import (
	"database/sql"
	"time"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/pkg/errors"
)

// CreateJobsTable creates jobs and its counter tables to a database if not exists.
// It is ok to call it multiple times.
func CreateJobsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			type INTEGER NOT NULL,
			state INTEGER NOT NULL,
			username TEXT NOT NULL,
			args TEXT NOT NULL,
			env TEXT NOT NULL,
			time_created INTEGER NOT NULL,
			time_started INTEGER NOT NULL DEFAULT 0,
			time_stopped INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS jobs_state ON jobs (state);
		CREATE TABLE IF NOT EXISTS job_count (
			job_id INTEGER PRIMARY KEY REFERENCES jobs (id),
			task_total INTEGER NOT NULL DEFAULT 0,
			task_completed INTEGER NOT NULL DEFAULT 0,
			task_waiting INTEGER NOT NULL DEFAULT 0,
			task_queued INTEGER NOT NULL DEFAULT 0,
			task_running INTEGER NOT NULL DEFAULT 0,
			task_success INTEGER NOT NULL DEFAULT 0,
			task_failure INTEGER NOT NULL DEFAULT 0,
			task_skipped INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS job_stat (
			job_id INTEGER PRIMARY KEY REFERENCES jobs (id),
			frame_total INTEGER NOT NULL DEFAULT 0,
			frame_success INTEGER NOT NULL DEFAULT 0,
			frame_error INTEGER NOT NULL DEFAULT 0,
			frame_warning INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

// JobService interacts with a database for jobs.
type JobService struct {
	db  *sql.DB
	now func() time.Time
}

// NewJobService creates a new JobService.
func NewJobService(db *sql.DB) *JobService {
	return &JobService{db: db, now: time.Now}
}

// CreateJob adds a job with empty counters into a database.
func (s *JobService) CreateJob(spec zmlp.JobSpec) (*zmlp.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	id, err := addJob(tx, spec, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "add job")
	}
	j, err := getJob(tx, id)
	if err != nil {
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return j, nil
}

func addJob(tx *sql.Tx, spec zmlp.JobSpec, now time.Time) (zmlp.JobID, error) {
	// Don't insert the job's id, it will be generated from db.
	result, err := tx.Exec(`
		INSERT INTO jobs (
			name,
			type,
			state,
			username,
			args,
			env,
			time_created
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		spec.Name,
		spec.Type,
		zmlp.JobActive,
		spec.User,
		spec.Args,
		spec.Env,
		toMillis(now),
	)
	if err != nil {
		return 0, err
	}
	n, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	id := zmlp.JobID(n)
	if _, err := tx.Exec(`INSERT INTO job_count (job_id) VALUES (?)`, id); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`INSERT INTO job_stat (job_id) VALUES (?)`, id); err != nil {
		return 0, err
	}
	return id, nil
}

const jobColumns = `
	jobs.id,
	jobs.name,
	jobs.type,
	jobs.state,
	jobs.username,
	jobs.args,
	jobs.env,
	jobs.time_created,
	jobs.time_started,
	jobs.time_stopped,
	job_count.task_total,
	job_count.task_completed,
	job_count.task_waiting,
	job_count.task_queued,
	job_count.task_running,
	job_count.task_success,
	job_count.task_failure,
	job_count.task_skipped,
	job_stat.frame_total,
	job_stat.frame_success,
	job_stat.frame_error,
	job_stat.frame_warning
`

const jobTables = `
	jobs
	JOIN job_count ON job_count.job_id = jobs.id
	JOIN job_stat ON job_stat.job_id = jobs.id
`

func scanJob(row scanner) (*zmlp.Job, error) {
	j := &zmlp.Job{}
	var created, started, stopped int64
	err := row.Scan(
		&j.ID,
		&j.Name,
		&j.Type,
		&j.State,
		&j.User,
		&j.Args,
		&j.Env,
		&created,
		&started,
		&stopped,
		&j.Counts.Total,
		&j.Counts.Completed,
		&j.Counts.Waiting,
		&j.Counts.Queued,
		&j.Counts.Running,
		&j.Counts.Success,
		&j.Counts.Failure,
		&j.Counts.Skipped,
		&j.Stats.Total,
		&j.Stats.Success,
		&j.Stats.Error,
		&j.Stats.Warning,
	)
	if err != nil {
		return nil, err
	}
	j.TimeCreated = fromMillis(created)
	j.TimeStarted = fromMillis(started)
	j.TimeStopped = fromMillis(stopped)
	return j, nil
}

func getJob(tx *sql.Tx, id zmlp.JobID) (*zmlp.Job, error) {
	row := tx.QueryRow(`SELECT `+jobColumns+` FROM `+jobTables+` WHERE jobs.id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(zmlp.ErrNotFound, "job %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

// GetJob gets a job with its counters.
func (s *JobService) GetJob(id zmlp.JobID) (*zmlp.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	j, err := getJob(tx, id)
	if err != nil {
		return nil, err
	}
	return j, tx.Commit()
}

// FindJobs finds jobs those matched with given filter.
func (s *JobService) FindJobs(f zmlp.JobFilter) ([]*zmlp.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	jobs, err := findJobs(tx, f)
	if err != nil {
		return nil, errors.Wrap(err, "find jobs")
	}
	return jobs, tx.Commit()
}

func findJobs(tx *sql.Tx, f zmlp.JobFilter) ([]*zmlp.Job, error) {
	wh := NewWhere()
	if f.ID != 0 {
		wh.Add("jobs.id", f.ID)
	}
	if f.State != nil {
		wh.Add("jobs.state", *f.State)
	}
	if f.User != "" {
		wh.Add("jobs.username", f.User)
	}
	if f.Name != "" {
		wh.Add("jobs.name", f.Name)
	}
	rows, err := tx.Query(`
		SELECT `+jobColumns+`
		FROM `+jobTables+`
		`+wh.Stmt()+`
		ORDER BY jobs.id ASC
	`,
		wh.Vals()...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*zmlp.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SetJobState changes the job's state if it is still expect.
func (s *JobService) SetJobState(id zmlp.JobID, to, expect zmlp.JobState) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := setJobState(tx, id, to, expect, s.now())
	if err != nil {
		return false, err
	}
	return ok, tx.Commit()
}

func setJobState(tx *sql.Tx, id zmlp.JobID, to, expect zmlp.JobState, now time.Time) (bool, error) {
	var state zmlp.JobState
	err := tx.QueryRow(`SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
	if err == sql.ErrNoRows {
		return false, errors.Wrapf(zmlp.ErrNotFound, "job %d", id)
	}
	if err != nil {
		return false, errors.Wrap(err, "get job state")
	}
	if state != expect {
		return false, nil
	}
	if !expect.CanTransition(to) {
		return false, errors.Wrapf(zmlp.ErrIllegalTransition, "job %v -> %v", expect, to)
	}
	stopped := toMillis(now)
	if to == zmlp.JobActive {
		stopped = 0
	}
	result, err := tx.Exec(`
		UPDATE jobs
		SET state = ?, time_stopped = ?
		WHERE id = ? AND state = ?
	`,
		to, stopped, id, expect,
	)
	if err != nil {
		return false, errors.Wrap(err, "set job state")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncrementFrameStats adds st to the job's stats and the task's.
func (s *JobService) IncrementFrameStats(id zmlp.JobID, task zmlp.TaskID, st zmlp.FrameStats) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = incrementJobStats(tx, id, st)
	if err != nil {
		return err
	}
	if task != 0 {
		result, err := tx.Exec(`
			UPDATE tasks
			SET
				frame_total = frame_total + ?,
				frame_success = frame_success + ?,
				frame_error = frame_error + ?,
				frame_warning = frame_warning + ?
			WHERE id = ? AND job_id = ?
		`,
			st.Total, st.Success, st.Error, st.Warning, task, id,
		)
		if err != nil {
			return errors.Wrap(err, "increment task stats")
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return errors.Wrapf(zmlp.ErrNotFound, "task %d of job %d", task, id)
		}
	}
	return tx.Commit()
}

func incrementJobStats(tx *sql.Tx, id zmlp.JobID, st zmlp.FrameStats) error {
	result, err := tx.Exec(`
		UPDATE job_stat
		SET
			frame_total = frame_total + ?,
			frame_success = frame_success + ?,
			frame_error = frame_error + ?,
			frame_warning = frame_warning + ?
		WHERE job_id = ?
	`,
		st.Total, st.Success, st.Error, st.Warning, id,
	)
	if err != nil {
		return errors.Wrap(err, "increment job stats")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(zmlp.ErrNotFound, "job %d", id)
	}
	return nil
}

// ResetTaskStats takes the task's stats off its job.
func (s *JobService) ResetTaskStats(task zmlp.TaskID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var job zmlp.JobID
	st := zmlp.FrameStats{}
	err = tx.QueryRow(`
		SELECT job_id, frame_total, frame_success, frame_error, frame_warning
		FROM tasks WHERE id = ?
	`, task).Scan(&job, &st.Total, &st.Success, &st.Error, &st.Warning)
	if err == sql.ErrNoRows {
		return errors.Wrapf(zmlp.ErrNotFound, "task %d", task)
	}
	if err != nil {
		return errors.Wrap(err, "get task stats")
	}
	err = incrementJobStats(tx, job, st.Neg())
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		UPDATE tasks
		SET frame_total = 0, frame_success = 0, frame_error = 0, frame_warning = 0
		WHERE id = ?
	`, task)
	if err != nil {
		return errors.Wrap(err, "reset task stats")
	}
	return tx.Commit()
}

package sqlite

import (
	"database/sql"
	"strings"
	"time"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/pkg/errors"
)

// CreateTasksTable creates tasks table to a database if not exists.
// It is ok to call it multiple times.
func CreateTasksTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id INTEGER NOT NULL REFERENCES jobs (id),
			parent_id INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL,
			state INTEGER NOT NULL,
			host TEXT NOT NULL DEFAULT '',
			log_path TEXT NOT NULL DEFAULT '',
			script BLOB NOT NULL,
			exit_status INTEGER NOT NULL DEFAULT -1,
			run_count INTEGER NOT NULL DEFAULT 0,
			time_created INTEGER NOT NULL,
			time_started INTEGER NOT NULL DEFAULT 0,
			time_stopped INTEGER NOT NULL DEFAULT 0,
			time_ping INTEGER NOT NULL,
			frame_total INTEGER NOT NULL DEFAULT 0,
			frame_success INTEGER NOT NULL DEFAULT 0,
			frame_error INTEGER NOT NULL DEFAULT 0,
			frame_warning INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS tasks_job ON tasks (job_id);
		CREATE INDEX IF NOT EXISTS tasks_state ON tasks (state, time_ping);
	`)
	return err
}

// CreateTaskErrorsTable creates task_errors table to a database if not exists.
// It is ok to call it multiple times.
func CreateTaskErrorsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS task_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks (id),
			job_id INTEGER NOT NULL REFERENCES jobs (id),
			message TEXT NOT NULL,
			processor TEXT NOT NULL,
			phase TEXT NOT NULL,
			item_id TEXT NOT NULL,
			origin_path TEXT NOT NULL,
			skipped BOOL NOT NULL,
			time INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS task_errors_job ON task_errors (job_id);
	`)
	return err
}

// countColumn is the job_count column of each task state.
var countColumn = map[zmlp.TaskState]string{
	zmlp.TaskWaiting: "task_waiting",
	zmlp.TaskQueued:  "task_queued",
	zmlp.TaskRunning: "task_running",
	zmlp.TaskSuccess: "task_success",
	zmlp.TaskFailure: "task_failure",
	zmlp.TaskSkipped: "task_skipped",
}

// TaskService interacts with a database for tasks.
type TaskService struct {
	db  *sql.DB
	now func() time.Time
}

// NewTaskService creates a new TaskService.
func NewTaskService(db *sql.DB) *TaskService {
	return &TaskService{db: db, now: time.Now}
}

// CreateTask adds a waiting task to a job and counts it.
func (s *TaskService) CreateTask(job zmlp.JobID, spec zmlp.TaskSpec) (*zmlp.Task, error) {
	if spec.Script == nil {
		return nil, errors.New("task script required")
	}
	script, err := spec.Script.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "encode script")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	id, err := addTask(tx, job, spec, script, s.now())
	if err != nil {
		return nil, err
	}
	t, err := getTask(tx, id)
	if err != nil {
		return nil, err
	}
	return t, tx.Commit()
}

func addTask(tx *sql.Tx, job zmlp.JobID, spec zmlp.TaskSpec, script []byte, now time.Time) (zmlp.TaskID, error) {
	var state zmlp.JobState
	err := tx.QueryRow(`SELECT state FROM jobs WHERE id = ?`, job).Scan(&state)
	if err == sql.ErrNoRows {
		return 0, errors.Wrapf(zmlp.ErrNotFound, "job %d", job)
	}
	if err != nil {
		return 0, errors.Wrap(err, "get job state")
	}
	if spec.ParentID != 0 {
		var parentJob zmlp.JobID
		err := tx.QueryRow(`SELECT job_id FROM tasks WHERE id = ?`, spec.ParentID).Scan(&parentJob)
		if err != nil && err != sql.ErrNoRows {
			return 0, errors.Wrap(err, "get parent task")
		}
		if err == sql.ErrNoRows || parentJob != job {
			return 0, errors.Wrapf(zmlp.ErrNotFound, "parent task %d of job %d", spec.ParentID, job)
		}
	}
	result, err := tx.Exec(`
		INSERT INTO tasks (
			job_id,
			parent_id,
			name,
			state,
			script,
			time_created,
			time_ping
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		job,
		spec.ParentID,
		spec.Name,
		zmlp.TaskWaiting,
		script,
		toMillis(now),
		toMillis(now),
	)
	if err != nil {
		return 0, errors.Wrap(err, "add task")
	}
	n, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(`
		UPDATE job_count
		SET task_total = task_total + 1, task_waiting = task_waiting + 1
		WHERE job_id = ?
	`, job)
	if err != nil {
		return 0, errors.Wrap(err, "count task")
	}
	if state == zmlp.JobFinished {
		if _, err := setJobState(tx, job, zmlp.JobActive, zmlp.JobFinished, now); err != nil {
			return 0, err
		}
	}
	return zmlp.TaskID(n), nil
}

const taskColumns = `
	id,
	job_id,
	parent_id,
	name,
	state,
	host,
	log_path,
	script,
	exit_status,
	run_count,
	time_created,
	time_started,
	time_stopped,
	time_ping,
	frame_total,
	frame_success,
	frame_error,
	frame_warning
`

func scanTask(row scanner) (*zmlp.Task, error) {
	t := &zmlp.Task{}
	var script []byte
	var created, started, stopped, ping int64
	err := row.Scan(
		&t.ID,
		&t.JobID,
		&t.ParentID,
		&t.Name,
		&t.State,
		&t.Host,
		&t.LogPath,
		&script,
		&t.ExitStatus,
		&t.RunCount,
		&created,
		&started,
		&stopped,
		&ping,
		&t.Stats.Total,
		&t.Stats.Success,
		&t.Stats.Error,
		&t.Stats.Warning,
	)
	if err != nil {
		return nil, err
	}
	t.Script = script
	t.TimeCreated = fromMillis(created)
	t.TimeStarted = fromMillis(started)
	t.TimeStopped = fromMillis(stopped)
	t.TimePing = fromMillis(ping)
	return t, nil
}

func getTask(tx *sql.Tx, id zmlp.TaskID) (*zmlp.Task, error) {
	row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(zmlp.ErrNotFound, "task %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get task")
	}
	return t, nil
}

func (s *TaskService) GetTask(id zmlp.TaskID) (*zmlp.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	t, err := getTask(tx, id)
	if err != nil {
		return nil, err
	}
	return t, tx.Commit()
}

func findTasks(tx *sql.Tx, wh *Where, limit int) ([]*zmlp.Task, error) {
	vals := append(wh.Vals(), limitOf(limit))
	rows, err := tx.Query(`
		SELECT `+taskColumns+`
		FROM tasks
		`+wh.Stmt()+`
		ORDER BY id ASC
		LIMIT ?
	`,
		vals...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]*zmlp.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *TaskService) query(wh *Where, limit int) ([]*zmlp.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	tasks, err := findTasks(tx, wh, limit)
	if err != nil {
		return nil, errors.Wrap(err, "find tasks")
	}
	return tasks, tx.Commit()
}

func statesOf(states ...zmlp.TaskState) []interface{} {
	vs := make([]interface{}, len(states))
	for i, s := range states {
		vs[i] = s
	}
	return vs
}

// FindTasks finds tasks those matched with given filter.
func (s *TaskService) FindTasks(f zmlp.TaskFilter) ([]*zmlp.Task, error) {
	wh := NewWhere()
	if f.JobID != 0 {
		wh.Add("job_id", f.JobID)
	}
	wh.AddIn("state", statesOf(f.States...)...)
	if f.Host != "" {
		wh.Add("host", f.Host)
	}
	return s.query(wh, 0)
}

// GetWaitingTasks returns waiting tasks of active jobs.
func (s *TaskService) GetWaitingTasks(limit int, after zmlp.TaskID) ([]*zmlp.Task, error) {
	wh := NewWhere()
	wh.Add("state", zmlp.TaskWaiting)
	wh.AddExpr("id > ?", after)
	wh.AddExpr("job_id IN (SELECT id FROM jobs WHERE state = ?)", zmlp.JobActive)
	return s.query(wh, limit)
}

// GetOrphanTasks returns leased tasks that haven't pinged since before.
func (s *TaskService) GetOrphanTasks(limit int, before time.Time) ([]*zmlp.Task, error) {
	wh := NewWhere()
	wh.AddIn("state", statesOf(zmlp.TaskQueued, zmlp.TaskRunning)...)
	wh.AddExpr("time_ping < ?", toMillis(before))
	return s.query(wh, limit)
}

// SetTaskState moves the task and its job's counters in one transaction.
func (s *TaskService) SetTaskState(t zmlp.TaskTransition) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := setTaskState(tx, t, s.now())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, tx.Commit()
}

func setTaskState(tx *sql.Tx, t zmlp.TaskTransition, now time.Time) (bool, error) {
	var job zmlp.JobID
	var state zmlp.TaskState
	err := tx.QueryRow(`SELECT job_id, state FROM tasks WHERE id = ?`, t.ID).Scan(&job, &state)
	if err == sql.ErrNoRows {
		return false, errors.Wrapf(zmlp.ErrNotFound, "task %d", t.ID)
	}
	if err != nil {
		return false, errors.Wrap(err, "get task state")
	}
	if state != t.From {
		return false, nil
	}
	if !t.From.CanTransition(t.To) {
		return false, errors.Wrapf(zmlp.ErrIllegalTransition, "task %v -> %v", t.From, t.To)
	}

	keys := []string{"state = ?", "time_ping = ?"}
	vals := []interface{}{t.To, toMillis(now)}
	switch {
	case t.To == zmlp.TaskQueued:
		keys = append(keys, "host = ?")
		vals = append(vals, t.Host)
		if t.LogPath != "" {
			keys = append(keys, "log_path = ?")
			vals = append(vals, t.LogPath)
		}
	case t.To == zmlp.TaskRunning:
		keys = append(keys, "run_count = run_count + 1", "time_started = ?")
		vals = append(vals, toMillis(now))
	case t.To.IsStopper():
		keys = append(keys, "host = ''", "time_stopped = ?")
		vals = append(vals, toMillis(now))
	default:
		keys = append(keys, "host = ''")
	}
	if t.ExitStatus != nil {
		keys = append(keys, "exit_status = ?")
		vals = append(vals, *t.ExitStatus)
	}
	vals = append(vals, t.ID, t.From)
	result, err := tx.Exec(`
		UPDATE tasks
		SET `+strings.Join(keys, ", ")+`
		WHERE id = ? AND state = ?
	`,
		vals...,
	)
	if err != nil {
		return false, errors.Wrap(err, "set task state")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	from, to := countColumn[t.From], countColumn[t.To]
	counts := from + " = " + from + " - 1, " + to + " = " + to + " + 1"
	if !t.From.IsStopper() && t.To.IsStopper() {
		counts += ", task_completed = task_completed + 1"
	}
	if t.From.IsStopper() && !t.To.IsStopper() {
		counts += ", task_completed = task_completed - 1"
	}
	_, err = tx.Exec(`UPDATE job_count SET `+counts+` WHERE job_id = ?`, job)
	if err != nil {
		return false, errors.Wrap(err, "count task state")
	}

	if t.To == zmlp.TaskRunning {
		_, err := tx.Exec(`UPDATE jobs SET time_started = ? WHERE id = ? AND time_started = 0`, toMillis(now), job)
		if err != nil {
			return false, errors.Wrap(err, "start job")
		}
	}
	if t.To.IsStopper() {
		// Only the transition that stops the last outstanding task matches.
		_, err := tx.Exec(`
			UPDATE jobs
			SET state = ?, time_stopped = ?
			WHERE id = ? AND state = ? AND (
				SELECT task_total - task_completed FROM job_count WHERE job_id = ?
			) = 0
		`,
			zmlp.JobFinished, toMillis(now), job, zmlp.JobActive, job,
		)
		if err != nil {
			return false, errors.Wrap(err, "finish job")
		}
	} else {
		_, err := tx.Exec(`
			UPDATE jobs
			SET state = ?, time_stopped = 0
			WHERE id = ? AND state = ?
		`,
			zmlp.JobActive, job, zmlp.JobFinished,
		)
		if err != nil {
			return false, errors.Wrap(err, "reopen job")
		}
	}
	return true, nil
}

// PingTasks refreshes the ping time of tasks still leased to host.
func (s *TaskService) PingTasks(host string, ids []zmlp.TaskID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		_, err := tx.Exec(`
			UPDATE tasks
			SET time_ping = ?
			WHERE id = ? AND host = ? AND state IN (?, ?)
		`,
			toMillis(now), id, host, zmlp.TaskQueued, zmlp.TaskRunning,
		)
		if err != nil {
			return errors.Wrap(err, "ping task")
		}
	}
	return tx.Commit()
}

// AddTaskErrors records processing errors of a task.
func (s *TaskService) AddTaskErrors(task zmlp.TaskID, errs []zmlp.TaskError) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var job zmlp.JobID
	err = tx.QueryRow(`SELECT job_id FROM tasks WHERE id = ?`, task).Scan(&job)
	if err == sql.ErrNoRows {
		return errors.Wrapf(zmlp.ErrNotFound, "task %d", task)
	}
	if err != nil {
		return errors.Wrap(err, "get task")
	}
	for _, e := range errs {
		tm := e.Time
		if tm.IsZero() {
			tm = s.now()
		}
		_, err := tx.Exec(`
			INSERT INTO task_errors (
				task_id,
				job_id,
				message,
				processor,
				phase,
				item_id,
				origin_path,
				skipped,
				time
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			task,
			job,
			e.Message,
			e.Processor,
			e.Phase,
			e.ItemID,
			e.OriginPath,
			e.Skipped,
			toMillis(tm),
		)
		if err != nil {
			return errors.Wrap(err, "add task error")
		}
	}
	return tx.Commit()
}

// FindTaskErrors finds task errors those matched with given filter.
func (s *TaskService) FindTaskErrors(f zmlp.TaskErrorFilter) ([]*zmlp.TaskError, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	wh := NewWhere()
	if f.JobID != 0 {
		wh.Add("job_id", f.JobID)
	}
	if f.TaskID != 0 {
		wh.Add("task_id", f.TaskID)
	}
	rows, err := tx.Query(`
		SELECT
			id,
			task_id,
			job_id,
			message,
			processor,
			phase,
			item_id,
			origin_path,
			skipped,
			time
		FROM task_errors
		`+wh.Stmt()+`
		ORDER BY id ASC
	`,
		wh.Vals()...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "find task errors")
	}
	defer rows.Close()

	errs := make([]*zmlp.TaskError, 0)
	for rows.Next() {
		e := &zmlp.TaskError{}
		var tm int64
		err := rows.Scan(
			&e.ID,
			&e.TaskID,
			&e.JobID,
			&e.Message,
			&e.Processor,
			&e.Phase,
			&e.ItemID,
			&e.OriginPath,
			&e.Skipped,
			&tm,
		)
		if err != nil {
			return nil, err
		}
		e.Time = fromMillis(tm)
		errs = append(errs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return errs, tx.Commit()
}

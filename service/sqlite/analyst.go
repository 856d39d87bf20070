package sqlite

import (
	"database/sql"
	"time"

	zmlp "github.com/Juanbuhler/zmlp-sub000"
	"github.com/pkg/errors"
	"github.com/rs/xid"
)

// CreateAnalystsTable creates analysts table to a database if not exists.
// It is ok to call it multiple times.
func CreateAnalystsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS analysts (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL UNIQUE,
			state INTEGER NOT NULL,
			queue_size INTEGER NOT NULL,
			threads INTEGER NOT NULL,
			os TEXT NOT NULL,
			arch TEXT NOT NULL,
			version TEXT NOT NULL,
			time_created INTEGER NOT NULL,
			time_ping INTEGER NOT NULL
		)
	`)
	return err
}

// AnalystService interacts with a database for analysts.
type AnalystService struct {
	db *sql.DB
}

// NewAnalystService creates a new AnalystService.
func NewAnalystService(db *sql.DB) *AnalystService {
	return &AnalystService{db: db}
}

// UpsertAnalyst registers the analyst, or marks it up again.
func (s *AnalystService) UpsertAnalyst(p zmlp.AnalystPing, now time.Time) (*zmlp.Analyst, error) {
	if p.URL == "" {
		return nil, zmlp.ErrNoReturnURL
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	_, err = tx.Exec(`
		INSERT INTO analysts (
			id,
			url,
			state,
			queue_size,
			threads,
			os,
			arch,
			version,
			time_created,
			time_ping
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			state = excluded.state,
			queue_size = excluded.queue_size,
			threads = excluded.threads,
			os = excluded.os,
			arch = excluded.arch,
			version = excluded.version,
			time_ping = excluded.time_ping
	`,
		xid.New().String(),
		p.URL,
		zmlp.AnalystUp,
		p.QueueSize,
		p.Threads,
		p.OS,
		p.Arch,
		p.Version,
		toMillis(now),
		toMillis(now),
	)
	if err != nil {
		return nil, errors.Wrap(err, "upsert analyst")
	}
	a, err := getAnalyst(tx, p.URL)
	if err != nil {
		return nil, err
	}
	return a, tx.Commit()
}

const analystColumns = `
	id,
	url,
	state,
	queue_size,
	threads,
	os,
	arch,
	version,
	time_created,
	time_ping
`

func scanAnalyst(row scanner) (*zmlp.Analyst, error) {
	a := &zmlp.Analyst{}
	var created, ping int64
	err := row.Scan(
		&a.ID,
		&a.URL,
		&a.State,
		&a.QueueSize,
		&a.Threads,
		&a.OS,
		&a.Arch,
		&a.Version,
		&created,
		&ping,
	)
	if err != nil {
		return nil, err
	}
	a.TimeCreated = fromMillis(created)
	a.TimePing = fromMillis(ping)
	return a, nil
}

func getAnalyst(tx *sql.Tx, url string) (*zmlp.Analyst, error) {
	row := tx.QueryRow(`SELECT `+analystColumns+` FROM analysts WHERE url = ?`, url)
	a, err := scanAnalyst(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(zmlp.ErrNotFound, "analyst %s", url)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get analyst")
	}
	return a, nil
}

func (s *AnalystService) GetAnalyst(url string) (*zmlp.Analyst, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	a, err := getAnalyst(tx, url)
	if err != nil {
		return nil, err
	}
	return a, tx.Commit()
}

func (s *AnalystService) find(wh *Where, order string, limit int) ([]*zmlp.Analyst, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	vals := append(wh.Vals(), limitOf(limit))
	rows, err := tx.Query(`
		SELECT `+analystColumns+`
		FROM analysts
		`+wh.Stmt()+`
		ORDER BY `+order+`
		LIMIT ?
	`,
		vals...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "find analysts")
	}
	defer rows.Close()
	as := make([]*zmlp.Analyst, 0)
	for rows.Next() {
		a, err := scanAnalyst(rows)
		if err != nil {
			return nil, err
		}
		as = append(as, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return as, tx.Commit()
}

// FindAnalysts finds analysts those matched with given filter.
func (s *AnalystService) FindAnalysts(f zmlp.AnalystFilter) ([]*zmlp.Analyst, error) {
	wh := NewWhere()
	if f.URL != "" {
		wh.Add("url", f.URL)
	}
	if f.State != nil {
		wh.Add("state", *f.State)
	}
	return s.find(wh, "url ASC", 0)
}

// GetUnresponsiveAnalysts returns up analysts that haven't pinged since before,
// the stalest first.
func (s *AnalystService) GetUnresponsiveAnalysts(limit int, before time.Time) ([]*zmlp.Analyst, error) {
	wh := NewWhere()
	wh.Add("state", zmlp.AnalystUp)
	wh.AddExpr("time_ping < ?", toMillis(before))
	return s.find(wh, "time_ping ASC, url ASC", limit)
}

func (s *AnalystService) SetAnalystState(url string, to, expect zmlp.AnalystState) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	var state zmlp.AnalystState
	err = tx.QueryRow(`SELECT state FROM analysts WHERE url = ?`, url).Scan(&state)
	if err == sql.ErrNoRows {
		return false, errors.Wrapf(zmlp.ErrNotFound, "analyst %s", url)
	}
	if err != nil {
		return false, errors.Wrap(err, "get analyst state")
	}
	if state != expect {
		return false, nil
	}
	_, err = tx.Exec(`UPDATE analysts SET state = ? WHERE url = ? AND state = ?`, to, url, expect)
	if err != nil {
		return false, errors.Wrap(err, "set analyst state")
	}
	return true, tx.Commit()
}

func (s *AnalystService) DeleteAnalyst(url string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	result, err := tx.Exec(`DELETE FROM analysts WHERE url = ?`, url)
	if err != nil {
		return errors.Wrap(err, "delete analyst")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(zmlp.ErrNotFound, "analyst %s", url)
	}
	return tx.Commit()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/clock"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/errs"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	file_stem       TEXT PRIMARY KEY,
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL,
	progress        INTEGER NOT NULL DEFAULT 0,
	target_language TEXT NOT NULL DEFAULT '',
	program_profile TEXT NOT NULL DEFAULT '',
	subtitle_style  TEXT NOT NULL DEFAULT '',
	meta            TEXT NOT NULL DEFAULT '{}',
	editor_report   TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_stage_updated ON jobs(stage, updated_at);

CREATE TABLE IF NOT EXISTS job_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	file_stem  TEXT NOT NULL,
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL,
	at         TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_events_file_stem ON job_events(file_stem, at);
`

// SQLite is the Store implementation described in SPEC_FULL §3: one
// embedded relational database (WAL mode for the fsync-on-commit
// durability contract of spec §4.1), row-locked per file_stem so two
// different jobs' writers never wait on one another longer than SQLite's
// own serialized-writer window.
type SQLite struct {
	db     *sqlx.DB
	clock  clock.Clock
	log    zerolog.Logger

	rowLocksMu sync.Mutex
	rowLocks   map[string]*sync.Mutex

	subsMu sync.Mutex
	subs   map[int]chan *job.Job
	nextSub int
}

// Open creates/migrates the SQLite database at path and returns a Store.
func Open(path string, c clock.Clock, log zerolog.Logger) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows only one writer; cap the pool so database/sql never
	// hands two goroutines separate connections that then serialize
	// invisibly and confusingly at the driver level.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLite{
		db:       db,
		clock:    c,
		log:      log,
		rowLocks: make(map[string]*sync.Mutex),
		subs:     make(map[int]chan *job.Job),
	}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) lockFor(fileStem string) *sync.Mutex {
	s.rowLocksMu.Lock()
	defer s.rowLocksMu.Unlock()
	m, ok := s.rowLocks[fileStem]
	if !ok {
		m = &sync.Mutex{}
		s.rowLocks[fileStem] = m
	}
	return m
}

func (s *SQLite) Create(ctx context.Context, j *job.Job) error {
	lock := s.lockFor(j.FileStem)
	lock.Lock()
	defer lock.Unlock()

	now := s.clock.Now()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.Meta.StageTimeline == nil {
		j.Meta.EnterStage(j.Stage, now)
	}

	metaBytes, err := json.Marshal(j.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (file_stem, stage, status, progress, target_language,
			program_profile, subtitle_style, meta, editor_report, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.FileStem, string(j.Stage), j.Status, j.Progress, j.TargetLanguage,
		j.ProgramProfile, j.SubtitleStyle, string(metaBytes), nullableJSON(j.EditorReport),
		now, now,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return errs.ErrExists
		}
		return fmt.Errorf("insert job: %w", err)
	}

	s.recordEvent(ctx, j.FileStem, j.Stage, j.Status, now)
	s.publish(j)
	return nil
}

func (s *SQLite) Get(ctx context.Context, fileStem string) (*job.Job, error) {
	return s.getLocked(ctx, fileStem)
}

// getLocked reads a row without taking the per-file_stem mutex; callers
// that already hold it (Update) must call this instead of Get.
func (s *SQLite) getLocked(ctx context.Context, fileStem string) (*job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE file_stem = ?`, fileStem)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return row.toJob()
}

func (s *SQLite) List(ctx context.Context, filter job.Filter) ([]*job.Job, error) {
	q := `SELECT * FROM jobs WHERE 1=1`
	var args []interface{}

	if filter.Stage != "" {
		q += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if !filter.IncludeTerminal {
		q += ` AND stage NOT IN (?, ?, ?, ?)`
		args = append(args, string(job.StageCompleted), string(job.StageDelivered),
			string(job.StageDead), string(job.StageHalted))
	}
	if filter.StatusSubstring != "" {
		q += ` AND status LIKE ?`
		args = append(args, "%"+filter.StatusSubstring+"%")
	}
	if !filter.UpdatedAfter.IsZero() {
		q += ` AND updated_at >= ?`
		args = append(args, filter.UpdatedAfter)
	}
	if !filter.UpdatedBefore.IsZero() {
		q += ` AND updated_at <= ?`
		args = append(args, filter.UpdatedBefore)
	}
	q += ` ORDER BY updated_at ASC`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	out := make([]*job.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			s.log.Error().Err(err).Str("file_stem", r.FileStem).Msg("corrupt job record skipped")
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *SQLite) Update(ctx context.Context, fileStem string, mutator Mutator) (*job.Job, error) {
	lock := s.lockFor(fileStem)
	lock.Lock()
	defer lock.Unlock()

	j, err := s.getLocked(ctx, fileStem)
	if err != nil {
		return nil, err
	}

	before := j.Stage
	if err := mutator(j); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	j.UpdatedAt = now
	if j.Stage != before {
		j.Meta.EnterStage(j.Stage, now)
	}

	metaBytes, err := json.Marshal(j.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET stage = ?, status = ?, progress = ?, target_language = ?,
			program_profile = ?, subtitle_style = ?, meta = ?, editor_report = ?, updated_at = ?
		WHERE file_stem = ?`,
		string(j.Stage), j.Status, j.Progress, j.TargetLanguage, j.ProgramProfile,
		j.SubtitleStyle, string(metaBytes), nullableJSON(j.EditorReport), now, fileStem,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	s.recordEvent(ctx, fileStem, j.Stage, j.Status, now)
	s.publish(j)
	return j, nil
}

func (s *SQLite) Delete(ctx context.Context, fileStem string) error {
	lock := s.lockFor(fileStem)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE file_stem = ?`, fileStem)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	s.db.ExecContext(ctx, `DELETE FROM job_events WHERE file_stem = ?`, fileStem)
	return nil
}

func (s *SQLite) recordEvent(ctx context.Context, fileStem string, stage job.Stage, status string, at time.Time) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events (file_stem, stage, status, at) VALUES (?, ?, ?, ?)`,
		fileStem, string(stage), status, at); err != nil {
		s.log.Warn().Err(err).Str("file_stem", fileStem).Msg("failed to record job event")
	}
}

func (s *SQLite) Subscribe(bufferSize int) (<-chan *job.Job, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan *job.Job, bufferSize)
	s.subs[id] = ch

	unsubscribe := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if existing, ok := s.subs[id]; ok {
			close(existing)
			delete(s.subs, id)
		}
	}
	return ch, unsubscribe
}

// publish delivers j to every subscriber at-least-once. A full subscriber
// channel is never blocked on: the send is dropped for that tick rather
// than stalling every other Store write (ChangeFeed is the layer that
// coalesces for genuinely slow HTTP clients; Store's own subscriber list
// is only ever the ChangeFeed itself and tests).
func (s *SQLite) publish(j *job.Job) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	clone := *j
	for _, ch := range s.subs {
		select {
		case ch <- &clone:
		default:
			s.log.Warn().Str("file_stem", j.FileStem).Msg("store subscriber channel full, dropping event")
		}
	}
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

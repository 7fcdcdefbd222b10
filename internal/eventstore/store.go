package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/safwanbuddy/buddy-core/internal/config"
	_ "modernc.org/sqlite"
)

const (
	EventCommandReceived   = "command_received"
	EventExecutionFinished = "execution_finished"
)

// Command is one processed command and, once finished, its outcome.
type Command struct {
	ExecutionID string     `json:"execution_id"`
	Text        string     `json:"text"`
	Source      string     `json:"source"`
	Intent      string     `json:"intent"`
	Confidence  float64    `json:"confidence"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Speech      string     `json:"speech,omitempty"`
	Result      []byte     `json:"result,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Event represents a recorded timeline entry for a command.
type Event struct {
	ID          int64
	ExecutionID string
	Type        string
	Payload     []byte
	CreatedAt   time.Time
}

// Store wraps a SQLite-backed command log.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the command log according to config. The ephemeral
// retention mode keeps nothing and opens no database.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slogError(err))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slogError(err))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS commands (
    execution_id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    source TEXT,
    intent TEXT,
    confidence REAL,
    status TEXT NOT NULL,
    error TEXT,
    speech TEXT,
    result BLOB,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_commands_started ON commands(started_at);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(execution_id) REFERENCES commands(execution_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_execution_created ON events(execution_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether commands are persisted.
func (s *Store) Enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// UpsertCommand writes a command row, replacing the outcome columns when the
// execution is already known.
func (s *Store) UpsertCommand(ctx context.Context, cmd Command) error {
	if !s.Enabled() {
		return nil
	}
	if cmd.StartedAt.IsZero() {
		cmd.StartedAt = s.clock()
	}
	var finished any
	if cmd.FinishedAt != nil {
		finished = cmd.FinishedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands(execution_id, text, source, intent, confidence, status, error, speech, result, started_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   status=excluded.status, error=excluded.error, speech=excluded.speech,
		   result=excluded.result, finished_at=excluded.finished_at`,
		cmd.ExecutionID, cmd.Text, cmd.Source, cmd.Intent, cmd.Confidence, cmd.Status,
		cmd.Error, cmd.Speech, cmd.Result, cmd.StartedAt.UTC(), finished)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(execution_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?)`,
		evt.ExecutionID, evt.Type, evt.Payload, evt.CreatedAt.UTC())
	return err
}

// ListCommands returns up to limit of the most recent commands, oldest first.
func (s *Store) ListCommands(ctx context.Context, limit int) ([]Command, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, text, source, intent, confidence, status, error, speech, result, started_at, finished_at
		 FROM commands ORDER BY started_at DESC, execution_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		var (
			c        Command
			source   sql.NullString
			intent   sql.NullString
			conf     sql.NullFloat64
			errText  sql.NullString
			speech   sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&c.ExecutionID, &c.Text, &source, &intent, &conf, &c.Status,
			&errText, &speech, &c.Result, &c.StartedAt, &finished); err != nil {
			return nil, err
		}
		c.Source, c.Intent, c.Confidence = source.String, intent.String, conf.Float64
		c.Error, c.Speech = errText.String, speech.String
		if finished.Valid {
			ts := finished.Time
			c.FinishedAt = &ts
		}
		commands = append(commands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(commands)-1; i < j; i, j = i+1, j-1 {
		commands[i], commands[j] = commands[j], commands[i]
	}
	return commands, nil
}

// ListEvents retrieves up to limit events for an execution ordered ascending by time.
func (s *Store) ListEvents(ctx context.Context, executionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, event_type, payload, created_at
		 FROM events WHERE execution_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, executionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM commands WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxCommands > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM commands WHERE execution_id IN (
			SELECT execution_id FROM commands ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxCommands)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunRetention prunes on every tick until ctx is done.
func (s *Store) RunRetention(ctx context.Context, every time.Duration) {
	if !s.Enabled() || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

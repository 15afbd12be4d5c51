package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	_ "modernc.org/sqlite"
)

// Event types written by the daemon.
const (
	TypeCycle            = "voice.cycle"
	TypeCycleFailed      = "voice.cycle_failed"
	TypePlaybackDisabled = "voice.playback_disabled"
	TypeVoiceStopped     = "voice.stopped"
	TypeCommand          = "console.command"
)

// timeLayout sorts lexically in time order, which Prune relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Event is one journal entry. RunID ties it to a voice supervisor lifetime or a daemon run.
type Event struct {
	ID        int64
	RunID     string
	Voice     string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Journal is the write side of the store, as used by voices and the console.
type Journal interface {
	AppendEvent(ctx context.Context, evt Event) error
}

// Store wraps a SQLite-backed journal of render cycles and console commands.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
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
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    voice TEXT,
    generator TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    voice TEXT,
    event_type TEXT,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_run_created ON events(run_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_voice_created ON events(voice, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendRun records the start of a voice supervisor or daemon run.
func (s *Store) AppendRun(ctx context.Context, runID, voice, generator string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, voice, generator, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET voice=excluded.voice, generator=excluded.generator`,
		runID, voice, generator, s.clock().UTC().Format(timeLayout))
	return err
}

// AppendEvent writes an event into the store. The run must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(run_id, voice, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.RunID, evt.Voice, evt.Type, evt.Payload, evt.CreatedAt.UTC().Format(timeLayout))
	return err
}

// ListRunEvents retrieves up to limit events for a run ordered ascending by time.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	return s.query(ctx,
		`SELECT id, run_id, voice, event_type, payload, created_at
		 FROM events WHERE run_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, runID, limit)
}

// ListVoiceEvents retrieves the latest limit events for a voice across runs, newest first.
func (s *Store) ListVoiceEvents(ctx context.Context, voice string, limit int) ([]Event, error) {
	return s.query(ctx,
		`SELECT id, run_id, voice, event_type, payload, created_at
		 FROM events WHERE voice = ? ORDER BY created_at DESC, id DESC LIMIT ?`, voice, limit)
}

func (s *Store) query(ctx context.Context, stmt, key string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, stmt, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var voice sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.RunID, &voice, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Voice = voice.String
		if ts, err := time.Parse(timeLayout, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
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

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunPruner applies retention on every tick until ctx is done.
func (s *Store) RunPruner(ctx context.Context, every time.Duration) {
	if s.db == nil || every <= 0 {
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
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

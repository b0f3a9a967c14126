package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
)

//go:embed schema.sql
var schemaFS embed.FS

// Turn is one transcript line.
type Turn struct {
	Session     string
	Room        string
	Participant string
	Seq         uint64
	Role        string
	Text        string
	HadImage    bool
	Mode        string
	CreatedAt   time.Time
}

type Config struct {
	Path   string
	Logger *slog.Logger
}

// Store persists session transcripts in SQLite.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// Open creates the database file and schema if needed. ":memory:" is
// accepted for tests.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errorsx.Newf(errorsx.ReasonConfigInvalid, "store: path is required")
	}
	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("store: create dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: read schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	s := &Store{db: db, path: cfg.Path, log: logging.NewComponentLogger(cfg.Logger, "store")}
	s.log.Info("store_opened", slog.String("path", cfg.Path))
	return s, nil
}

func (s *Store) RecordTurn(ctx context.Context, t Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript (session, room, participant, seq, role, text, had_image, mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Session, t.Room, t.Participant, int64(t.Seq), t.Role, t.Text, boolInt(t.HadImage), t.Mode, t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("store: insert turn: %w", err), errorsx.ReasonStoreWrite)
	}
	return nil
}

// Transcript returns a session's turns in insertion order.
func (s *Store) Transcript(ctx context.Context, session string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session, room, participant, seq, role, text, had_image, mode, created_at
		 FROM transcript WHERE session = ? ORDER BY id`, session)
	if err != nil {
		return nil, fmt.Errorf("store: query transcript: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t        Turn
			seq      int64
			hadImage int
			created  int64
		)
		if err := rows.Scan(&t.Session, &t.Room, &t.Participant, &seq, &t.Role, &t.Text, &hadImage, &t.Mode, &created); err != nil {
			return nil, fmt.Errorf("store: scan turn: %w", err)
		}
		t.Seq = uint64(seq)
		t.HadImage = hadImage != 0
		t.CreatedAt = time.UnixMilli(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Clear removes a session's transcript.
func (s *Store) Clear(ctx context.Context, session string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transcript WHERE session = ?`, session); err != nil {
		return errorsx.Wrap(fmt.Errorf("store: clear: %w", err), errorsx.ReasonStoreWrite)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.log.Info("store_closed", slog.String("path", s.path))
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

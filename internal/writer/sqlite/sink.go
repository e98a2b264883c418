// internal/writer/sqlite/sink.go
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/tamzrod/tag-collector/internal/reading"
	"github.com/tamzrod/tag-collector/internal/writer"
)

const DefaultTable = "tag_readings"

type Config struct {
	Path        string
	BusyTimeout time.Duration
	// DefaultTable receives readings whose category has no route.
	DefaultTable string
	// Tables routes categories to tables.
	Tables map[string]string
}

// Sink writes batches into SQLite, one transaction per batch.
type Sink struct {
	db  *sql.DB
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	tables map[string]bool // created tables
}

var _ writer.Sink = (*Sink)(nil)

// Open opens (or creates) the database and its tables.
func Open(cfg Config, log zerolog.Logger) (*Sink, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: path required")
	}
	if cfg.DefaultTable == "" {
		cfg.DefaultTable = DefaultTable
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if err := validIdent(cfg.DefaultTable); err != nil {
		return nil, err
	}
	for _, t := range cfg.Tables {
		if err := validIdent(t); err != nil {
			return nil, err
		}
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	s := &Sink{
		db:     db,
		cfg:    cfg,
		log:    log.With().Str("component", "sqlite").Str("path", cfg.Path).Logger(),
		tables: make(map[string]bool),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.BusyTimeout)
	defer cancel()

	if err := s.HealthCheck(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.ensureTable(ctx, cfg.DefaultTable); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, t := range cfg.Tables {
		if err := s.ensureTable(ctx, t); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s.log.Info().Str("default_table", cfg.DefaultTable).Int("routes", len(cfg.Tables)).Msg("sink opened")
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[table] {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createTableSQL(table)); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", table, err)
	}
	s.tables[table] = true
	return nil
}

// TableFor returns the table a category routes to.
func (s *Sink) TableFor(category string) string {
	if t, ok := s.cfg.Tables[category]; ok {
		return t
	}
	return s.cfg.DefaultTable
}

// WriteBatch inserts the batch atomically.
func (s *Sink) WriteBatch(ctx context.Context, b writer.Batch) (err error) {
	byTable := make(map[string][]int)
	for i, r := range b.Readings {
		t := s.TableFor(r.Category)
		byTable[t] = append(byTable[t], i)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Debug().Err(rbErr).Str("batch", b.ID).Msg("rollback failed")
		}
	}()

	// deterministic order keeps lock acquisition stable
	tables := make([]string, 0, len(byTable))
	for t := range byTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, table := range tables {
		stmt, err := tx.PrepareContext(ctx, insertSQL(table))
		if err != nil {
			return fmt.Errorf("sqlite: prepare %s: %w", table, err)
		}
		for _, i := range byTable[table] {
			if _, err := stmt.ExecContext(ctx, row(b.ID, i, b.Readings[i])...); err != nil {
				_ = stmt.Close()
				return fmt.Errorf("sqlite: insert %s: %w", table, err)
			}
		}
		if err := stmt.Close(); err != nil {
			return fmt.Errorf("sqlite: close statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	committed = true
	return nil
}

func row(batchID string, seq int, r reading.TagReading) []any {
	var vInt, vReal, vRaw any
	switch r.Value.Kind() {
	case reading.KindInt:
		n, _ := r.Value.Int()
		vInt = n
	case reading.KindFloat:
		f, _ := r.Value.Float()
		vReal = f
	case reading.KindBit:
		b, _ := r.Value.Bit()
		if b {
			vInt = int64(1)
		} else {
			vInt = int64(0)
		}
	case reading.KindRaw:
		p, _ := r.Value.Raw()
		vRaw = p
	}

	return []any{
		batchID, seq, r.Group, r.Category, r.Tag,
		r.Value.Kind().String(), vInt, vReal, vRaw,
		r.Quality.String(), r.Timestamp.UnixNano(),
	}
}

// Count returns the number of rows in table.
func (s *Sink) Count(ctx context.Context, table string) (int, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}

func (s *Sink) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *Sink) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("wal checkpoint failed")
	}
	return s.db.Close()
}

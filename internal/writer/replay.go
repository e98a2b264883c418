// internal/writer/replay.go
package writer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/tamzrod/tag-collector/internal/backup"
)

// ReplaySource lists pending backup files and retires replayed ones.
type ReplaySource interface {
	List() ([]string, error)
	MarkReplayed(path string) error
}

type ReplayStats struct {
	Files    int
	Readings int
	Skipped  int // unreadable files left in place
}

// Replay writes every pending backup file to sink, oldest first, and moves
// each written file aside. It stops at the first sink failure so files are
// never retired without a successful write.
func Replay(ctx context.Context, src ReplaySource, sink Sink, log zerolog.Logger) (ReplayStats, error) {
	log = log.With().Str("component", "replay").Logger()

	var st ReplayStats
	files, err := src.List()
	if err != nil {
		return st, err
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		name := filepath.Base(path)
		rec, err := backup.ReadFile(path)
		if err != nil {
			st.Skipped++
			log.Error().Err(err).Str("file", name).Msg("unreadable backup file skipped")
			continue
		}

		b := Batch{ID: rec.BatchID, CreatedAt: rec.CreatedAt, Readings: rec.Readings}
		if err := sink.WriteBatch(ctx, b); err != nil {
			return st, fmt.Errorf("replay %s: %w: %w", name, ErrSinkWrite, err)
		}
		if err := src.MarkReplayed(path); err != nil {
			return st, err
		}

		st.Files++
		st.Readings += len(rec.Readings)
		log.Info().Str("file", name).Str("batch", rec.BatchID).Int("readings", len(rec.Readings)).Msg("backup replayed")
	}
	return st, nil
}

// internal/backup/backup.go
package backup

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/tag-collector/internal/reading"
)

const (
	filePrefix  = "batch-"
	fileSuffix  = ".csv"
	replayedDir = "replayed"

	// file names sort in capture order
	nameLayout = "20060102T150405.000000000Z"
)

var header = []string{"group", "tag", "value", "kind", "quality", "timestamp", "category"}

// Record is one batch that could not be written to the sink.
type Record struct {
	BatchID   string
	Reason    string
	CreatedAt time.Time
	Readings  []reading.TagReading
}

// Dir is the backup directory. Each Store creates one new file; files are
// never modified afterwards.
type Dir struct {
	path string
	log  zerolog.Logger

	mu    sync.Mutex
	count int
}

// Open creates the directory if needed and counts pending files.
func Open(path string, log zerolog.Logger) (*Dir, error) {
	if path == "" {
		return nil, errors.New("backup: directory required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create %s: %w", path, err)
	}

	d := &Dir{
		path: path,
		log:  log.With().Str("component", "backup").Str("dir", path).Logger(),
	}

	files, err := d.List()
	if err != nil {
		return nil, err
	}
	d.count = len(files)
	if d.count > 0 {
		d.log.Warn().Int("files", d.count).Msg("pending backup files found")
	}
	return d, nil
}

func (d *Dir) Path() string { return d.path }

// Count is the number of backup files waiting for replay.
func (d *Dir) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Store writes rec to a new file named by its first capture timestamp.
func (d *Dir) Store(rec Record) (string, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	stamp := rec.CreatedAt
	if len(rec.Readings) > 0 && !rec.Readings[0].Timestamp.IsZero() {
		stamp = rec.Readings[0].Timestamp
	}

	id := rec.BatchID
	if len(id) > 8 {
		id = id[:8]
	}
	name := filePrefix + stamp.UTC().Format(nameLayout) + "-" + id + fileSuffix
	path := filepath.Join(d.path, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("backup: create %s: %w", name, err)
	}

	if err := writeRecord(f, rec); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("backup: write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("backup: sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("backup: close %s: %w", name, err)
	}

	d.mu.Lock()
	d.count++
	d.mu.Unlock()

	d.log.Warn().
		Str("file", name).
		Str("batch", rec.BatchID).
		Int("readings", len(rec.Readings)).
		Str("reason", rec.Reason).
		Msg("batch written to backup")
	return path, nil
}

func writeRecord(w io.Writer, rec Record) error {
	bw := bufio.NewWriter(w)

	reason := strings.Join(strings.Fields(rec.Reason), " ")
	if _, err := fmt.Fprintf(bw, "# batch=%s created=%s reason=%s\n",
		rec.BatchID, rec.CreatedAt.UTC().Format(time.RFC3339Nano), reason); err != nil {
		return err
	}

	cw := csv.NewWriter(bw)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rec.Readings {
		row := []string{
			r.Group,
			r.Tag,
			r.Value.String(),
			r.Value.Kind().String(),
			r.Quality.String(),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Category,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// List returns pending backup files, oldest first.
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("backup: list %s: %w", d.path, err)
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, filePrefix) || !strings.HasSuffix(n, fileSuffix) {
			continue
		}
		out = append(out, filepath.Join(d.path, n))
	}
	sort.Strings(out)
	return out, nil
}

// MarkReplayed moves a file out of the pending set into replayed/.
func (d *Dir) MarkReplayed(path string) error {
	dst := filepath.Join(d.path, replayedDir)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("backup: create %s: %w", dst, err)
	}
	if err := os.Rename(path, filepath.Join(dst, filepath.Base(path))); err != nil {
		return fmt.Errorf("backup: move %s: %w", filepath.Base(path), err)
	}

	d.mu.Lock()
	if d.count > 0 {
		d.count--
	}
	d.mu.Unlock()
	return nil
}

// ReadFile parses a backup file written by Store.
func ReadFile(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, fmt.Errorf("backup: open: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	meta, err := br.ReadString('\n')
	if err != nil {
		return Record{}, fmt.Errorf("backup: %s: read metadata: %w", filepath.Base(path), err)
	}
	rec, err := parseMeta(strings.TrimRight(meta, "\r\n"))
	if err != nil {
		return Record{}, fmt.Errorf("backup: %s: %w", filepath.Base(path), err)
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = len(header)
	rows, err := cr.ReadAll()
	if err != nil {
		return Record{}, fmt.Errorf("backup: %s: %w", filepath.Base(path), err)
	}
	if len(rows) == 0 || rows[0][0] != header[0] {
		return Record{}, fmt.Errorf("backup: %s: missing header", filepath.Base(path))
	}

	for i, row := range rows[1:] {
		r, err := parseRow(row)
		if err != nil {
			return Record{}, fmt.Errorf("backup: %s: row %d: %w", filepath.Base(path), i+1, err)
		}
		rec.Readings = append(rec.Readings, r)
	}
	return rec, nil
}

func parseMeta(line string) (Record, error) {
	rest, ok := strings.CutPrefix(line, "# ")
	if !ok {
		return Record{}, errors.New("metadata line missing")
	}

	var rec Record
	head, reason, _ := strings.Cut(rest, " reason=")
	rec.Reason = reason
	for _, kv := range strings.Fields(head) {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "batch":
			rec.BatchID = v
		case "created":
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return Record{}, fmt.Errorf("created: %w", err)
			}
			rec.CreatedAt = ts
		}
	}
	return rec, nil
}

func parseRow(row []string) (reading.TagReading, error) {
	kind, err := reading.ParseKind(row[3])
	if err != nil {
		return reading.TagReading{}, err
	}
	v, err := reading.ParseValue(kind, row[2])
	if err != nil {
		return reading.TagReading{}, err
	}
	q, err := reading.ParseQuality(row[4])
	if err != nil {
		return reading.TagReading{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, row[5])
	if err != nil {
		return reading.TagReading{}, err
	}
	return reading.TagReading{
		Group:     row[0],
		Tag:       row[1],
		Value:     v,
		Quality:   q,
		Timestamp: ts,
		Category:  row[6],
	}, nil
}

// Package tabstore reads and writes the per-subject CSV files that hold
// flattened sleep records. The file is the source of truth for the sync
// watermark: the engine asks it for the latest interval start before each
// incremental pass.
package tabstore

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	startColumn   = "start"
	idColumn      = "id"
	filePrefix    = "sleep_data_batch_"
	fileExtension = ".csv"
)

// CSVStore is one subject's tabular store. The header is the sorted union of
// every column ever written; rows that predate a column keep an empty cell.
type CSVStore struct {
	path string
}

// Dir opens per-subject stores under a single data directory. It satisfies
// the sync engine's store-provider contract.
type Dir struct {
	Path string
}

func (d Dir) Open(subject string) (*CSVStore, error) {
	return NewCSVStore(d.Path, subject)
}

func NewCSVStore(dir, subject string) (*CSVStore, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("subject is required")
	}
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := filePrefix + SafeSubject(subject) + fileExtension
	return &CSVStore{path: filepath.Join(dir, name)}, nil
}

// SafeSubject maps a subject identifier onto a filesystem-safe file name
// fragment, matching the naming of previously exported data files.
func SafeSubject(subject string) string {
	subject = strings.ReplaceAll(subject, "@", "_at_")
	return strings.ReplaceAll(subject, ".", "_")
}

func (s *CSVStore) Path() string { return s.path }

// LatestStart scans the start column and returns the maximum timestamp. The
// second return is false when the store does not exist or holds no rows, in
// which case the subject needs a historical backfill before incremental sync.
func (s *CSVStore) LatestStart() (time.Time, bool, error) {
	header, rows, err := s.readAll()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if len(rows) == 0 {
		return time.Time{}, false, nil
	}
	idx := indexOf(header, startColumn)
	if idx < 0 {
		return time.Time{}, false, fmt.Errorf("store %s has no %q column", s.path, startColumn)
	}
	var latest time.Time
	found := false
	for _, row := range rows {
		ts, err := ParseTimestamp(row[idx])
		if err != nil {
			continue
		}
		if !found || ts.After(latest) {
			latest = ts
			found = true
		}
	}
	return latest, found, nil
}

// IDsAt returns the identifiers of rows whose interval start equals ts. The
// engine uses this to tell an already-stored boundary record apart from a new
// record that happens to share the watermark timestamp.
func (s *CSVStore) IDsAt(ts time.Time) (map[string]struct{}, error) {
	header, rows, err := s.readAll()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]struct{}{}, nil
		}
		return nil, err
	}
	startIdx := indexOf(header, startColumn)
	idIdx := indexOf(header, idColumn)
	ids := map[string]struct{}{}
	if startIdx < 0 || idIdx < 0 {
		return ids, nil
	}
	for _, row := range rows {
		rowTS, err := ParseTimestamp(row[startIdx])
		if err != nil {
			continue
		}
		if rowTS.Equal(ts) && row[idIdx] != "" {
			ids[row[idIdx]] = struct{}{}
		}
	}
	return ids, nil
}

// Append writes new rows in a single operation. When the incoming rows only
// use columns already present, the file is opened in append mode; when they
// introduce new columns, the whole file is rewritten with the widened header
// and prior rows padded with empty cells, so no existing column is ever lost.
func (s *CSVStore) Append(newRows []map[string]string) error {
	if len(newRows) == 0 {
		return nil
	}
	header, rows, err := s.readAll()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if len(header) == 0 {
		return s.WriteAll(newRows)
	}

	union := unionColumns(header, newRows)
	if len(union) == len(header) {
		// No new columns; cheap append path.
		f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		w := csv.NewWriter(f)
		for _, row := range newRows {
			if err := w.Write(projectRow(header, row)); err != nil {
				_ = f.Close()
				return err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}

	// Widened header: rewrite everything, padding old rows.
	all := make([][]string, 0, len(rows)+len(newRows))
	for _, row := range rows {
		all = append(all, projectRow(union, rowToMap(header, row)))
	}
	for _, row := range newRows {
		all = append(all, projectRow(union, row))
	}
	return s.writeFile(union, all)
}

// WriteAll replaces the store with a fresh header and the given rows. Used by
// the historical backfill.
func (s *CSVStore) WriteAll(rows []map[string]string) error {
	header := unionColumns(nil, rows)
	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		records = append(records, projectRow(header, row))
	}
	return s.writeFile(header, records)
}

func (s *CSVStore) readAll() ([]string, [][]string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	header := records[0]
	rows := records[1:]
	for i, row := range rows {
		if len(row) < len(header) {
			padded := make([]string, len(header))
			copy(padded, row)
			rows[i] = padded
		}
	}
	return header, rows, nil
}

func (s *CSVStore) writeFile(header []string, rows [][]string) error {
	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return writeFileAtomic(s.path, []byte(buf.String()), 0o644)
}

// ExportJSON dumps the raw nested records next to the CSV so the unflattened
// payload stays available for reprocessing.
func ExportJSON(path string, records []map[string]any) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(path, data, 0o644)
}

// ParseTimestamp accepts the remote's ISO-8601 format with or without
// fractional seconds.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	return time.Parse(time.RFC3339, value)
}

func unionColumns(existing []string, rows []map[string]string) []string {
	seen := map[string]struct{}{}
	for _, col := range existing {
		seen[col] = struct{}{}
	}
	for _, row := range rows {
		for col := range row {
			seen[col] = struct{}{}
		}
	}
	union := make([]string, 0, len(seen))
	for col := range seen {
		union = append(union, col)
	}
	sort.Strings(union)
	if len(union) == len(existing) {
		// Unchanged column set keeps the existing order.
		return existing
	}
	return union
}

func projectRow(header []string, row map[string]string) []string {
	out := make([]string, len(header))
	for i, col := range header {
		out[i] = row[col]
	}
	return out
}

func rowToMap(header []string, row []string) map[string]string {
	m := make(map[string]string, len(header))
	for i, col := range header {
		if i < len(row) {
			m[col] = row[i]
		}
	}
	return m
}

func indexOf(header []string, name string) int {
	for i, col := range header {
		if col == name {
			return i
		}
	}
	return -1
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

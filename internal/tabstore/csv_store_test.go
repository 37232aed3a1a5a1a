package tabstore

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *CSVStore {
	t.Helper()
	store, err := NewCSVStore(t.TempDir(), "user@example.com")
	require.NoError(t, err)
	return store
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestSafeSubject(t *testing.T) {
	assert.Equal(t, "jane_doe_at_example_com", SafeSubject("jane.doe@example.com"))
}

func TestLatestStartEmptyStore(t *testing.T) {
	store := openStore(t)
	_, ok, err := store.LatestStart()
	require.NoError(t, err)
	assert.False(t, ok, "missing store must have no watermark")
}

func TestWriteAllThenLatestStart(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.WriteAll([]map[string]string{
		{"id": "a", "start": "2024-08-01T22:00:00Z", "score.total": "80"},
		{"id": "b", "start": "2024-08-03T22:00:00Z", "score.total": "91"},
		{"id": "c", "start": "2024-08-02T22:00:00Z", "score.total": "85"},
	}))

	latest, ok, err := store.LatestStart()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 8, 3, 22, 0, 0, 0, time.UTC), latest.UTC())
}

func TestIDsAtBoundaryTimestamp(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.WriteAll([]map[string]string{
		{"id": "a", "start": "2024-08-01T22:00:00Z"},
		{"id": "b", "start": "2024-08-03T22:00:00Z"},
		{"id": "c", "start": "2024-08-03T22:00:00Z"},
	}))

	ids, err := store.IDsAt(time.Date(2024, 8, 3, 22, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "b")
	assert.Contains(t, ids, "c")
}

func TestAppendWithoutNewColumnsUsesSameHeader(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.WriteAll([]map[string]string{
		{"id": "a", "start": "2024-08-01T22:00:00Z"},
	}))
	require.NoError(t, store.Append([]map[string]string{
		{"id": "b", "start": "2024-08-02T22:00:00Z"},
	}))

	records := readCSV(t, store.Path())
	require.Len(t, records, 3)
	assert.Equal(t, []string{"id", "start"}, records[0])
}

func TestAppendWideningHeaderKeepsPriorColumns(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.WriteAll([]map[string]string{
		{"id": "a", "start": "2024-08-01T22:00:00Z", "score.total": "80"},
	}))
	require.NoError(t, store.Append([]map[string]string{
		{"id": "b", "start": "2024-08-02T22:00:00Z", "score.total": "85", "score.efficiency": "0.93"},
	}))

	records := readCSV(t, store.Path())
	require.Len(t, records, 3)
	header := records[0]
	assert.ElementsMatch(t, []string{"id", "start", "score.total", "score.efficiency"}, header)

	byColumn := func(row []string, name string) string {
		for i, col := range header {
			if col == name {
				return row[i]
			}
		}
		t.Fatalf("column %s missing", name)
		return ""
	}
	// Prior row keeps its values and gets an empty cell for the new column.
	assert.Equal(t, "80", byColumn(records[1], "score.total"))
	assert.Equal(t, "", byColumn(records[1], "score.efficiency"))
	assert.Equal(t, "0.93", byColumn(records[2], "score.efficiency"))
}

func TestAppendOnMissingFileCreatesStore(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.Append([]map[string]string{
		{"id": "a", "start": "2024-08-01T22:00:00Z"},
	}))
	latest, ok, err := store.LatestStart()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 8, 1, 22, 0, 0, 0, time.UTC), latest.UTC())
}

func TestExportJSONWritesNestedRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "json", "export.json")
	require.NoError(t, ExportJSON(path, []map[string]any{
		{"id": "a", "score": map[string]any{"total": 80}},
	}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total": 80`)
}

func TestParseTimestampAcceptsFractionalSeconds(t *testing.T) {
	ts, err := ParseTimestamp("2024-08-01T22:00:00.123Z")
	require.NoError(t, err)
	assert.Equal(t, 123000000, ts.Nanosecond())

	_, err = ParseTimestamp("")
	assert.Error(t, err)
}

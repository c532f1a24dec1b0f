package stage

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{
			"id":      "cfg-" + string(rune('a'+i%26)),
			"enabled": i%2 == 0,
			"weight":  float64(i) + 0.5,
		}
	}
	return out
}

func TestNDJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "objects.ndjson")

	w, err := NewNDJSONWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteChunk(sampleRecords(3)))
	require.NoError(t, w.WriteChunk(sampleRecords(2)))
	assert.Equal(t, 5, w.Rows())
	require.NoError(t, w.Close())

	src, err := NewChunkSource([]string{path}, 2)
	require.NoError(t, err)
	defer src.Close()

	var total int
	var sizes []int
	for {
		chunk, ok, err := src.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		total += len(chunk)
		sizes = append(sizes, len(chunk))
		for _, rec := range chunk {
			assert.Contains(t, rec, "id")
			assert.Contains(t, rec, "enabled")
		}
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestChunkSourceSpansFiles(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, n := range []int{3, 4} {
		path := filepath.Join(dir, "part"+string(rune('0'+i))+".ndjson")
		w, err := NewNDJSONWriter(path)
		require.NoError(t, err)
		require.NoError(t, w.WriteChunk(sampleRecords(n)))
		require.NoError(t, w.Close())
		paths = append(paths, path)
	}

	src, err := NewChunkSource(paths, 100)
	require.NoError(t, err)

	var total int
	for {
		chunk, ok, err := src.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		total += len(chunk)
	}
	assert.Equal(t, 7, total)
}

func TestChunkSourceMissingFile(t *testing.T) {
	src, err := NewChunkSource([]string{"/nonexistent/staged.ndjson"}, 10)
	require.NoError(t, err)
	_, _, err = src.Next(context.Background())
	assert.Error(t, err)
}

func TestCSVWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "objects.csv")

	w, err := NewCSVWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteChunk([]Record{
		{"name": "alpha", "count": float64(3)},
		{"name": "beta", "count": float64(7)},
	}))
	require.NoError(t, w.Close())
	assert.Equal(t, 2, w.Rows())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"count", "name"}, rows[0])
	assert.Equal(t, []string{"3", "alpha"}, rows[1])
}

func TestParquetWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "objects.parquet")

	w, err := NewParquetWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteChunk(sampleRecords(10)))
	require.NoError(t, w.Close())
	assert.Equal(t, 10, w.Rows())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestParquetWriterNoRecordsLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.parquet")

	w, err := NewParquetWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

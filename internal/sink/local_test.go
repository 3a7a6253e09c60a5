package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

func TestLocalSinkAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalSink(dir)
	require.NoError(t, err)
	defer s.Close(context.Background())

	ctx := context.Background()
	captured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	batch1 := []scrape.Record{
		{DatasetID: "ds-1", ItemKey: "a", CapturedAt: captured, Fields: map[string]string{"name": "Place A"}},
		{DatasetID: "ds-1", ItemKey: "b", CapturedAt: captured, Fields: map[string]string{"name": "Place B"}},
	}
	require.NoError(t, s.Write(ctx, batch1))
	require.NoError(t, s.Write(ctx, []scrape.Record{
		{DatasetID: "ds-1", ItemKey: "c", CapturedAt: captured, Fields: map[string]string{"name": "Place C"}},
	}))

	f, err := os.Open(filepath.Join(dir, "ds-1.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec scrape.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		keys = append(keys, rec.ItemKey)
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestLocalSinkSeparatesDatasets(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalSink(dir)
	require.NoError(t, err)
	defer s.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, []scrape.Record{{DatasetID: "ds-1", ItemKey: "a"}}))
	require.NoError(t, s.Write(ctx, []scrape.Record{{DatasetID: "ds-2", ItemKey: "b"}}))

	require.FileExists(t, filepath.Join(dir, "ds-1.jsonl"))
	require.FileExists(t, filepath.Join(dir, "ds-2.jsonl"))
}

func TestLocalSinkEmptyBatchIsNoop(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalSink(dir)
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.NoError(t, s.Write(context.Background(), nil))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestNewLocalSinkRejectsEmptyDir(t *testing.T) {
	_, err := NewLocalSink("  ")
	require.Error(t, err)
}

func TestLocalSinkSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewLocalSink(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, []scrape.Record{{DatasetID: "ds-1", ItemKey: "a"}}))
	require.NoError(t, s.Close(ctx))

	s, err = NewLocalSink(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, []scrape.Record{{DatasetID: "ds-1", ItemKey: "b"}}))
	require.NoError(t, s.Close(ctx))

	data, err := os.ReadFile(filepath.Join(dir, "ds-1.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"item_key":"a"`)
	require.Contains(t, string(data), `"item_key":"b"`)
}

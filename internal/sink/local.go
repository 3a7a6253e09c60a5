// Package sink provides record sinks: a local JSONL backup and a GCS
// primary.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// LocalSink appends batches to one JSONL file per dataset. Every batch
// is synced to disk before the write is acknowledged; the file is the
// recovery source when the primary sink loses batches.
type LocalSink struct {
	mu      sync.Mutex
	baseDir string
	files   map[string]*os.File
}

// NewLocalSink creates the backup directory if needed and verifies it
// is writable.
func NewLocalSink(baseDir string) (*LocalSink, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	testFile := filepath.Join(baseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("backup directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up test file: %w", err)
	}
	return &LocalSink{
		baseDir: baseDir,
		files:   make(map[string]*os.File),
	}, nil
}

// Write appends one record per line and fsyncs the file.
func (s *LocalSink) Write(_ context.Context, batch []scrape.Record) error {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileLocked(batch[0].DatasetID)
	if err != nil {
		return err
	}
	for _, rec := range batch {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record %q: %w", rec.ItemKey, err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append record %q: %w", rec.ItemKey, err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync backup file: %w", err)
	}
	return nil
}

// Close closes every open dataset file.
func (s *LocalSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close backup file %q: %w", name, err)
		}
	}
	s.files = make(map[string]*os.File)
	return firstErr
}

func (s *LocalSink) fileLocked(datasetID string) (*os.File, error) {
	if datasetID == "" {
		datasetID = "default"
	}
	if f, ok := s.files[datasetID]; ok {
		return f, nil
	}
	path := filepath.Join(s.baseDir, datasetID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open backup file: %w", err)
	}
	s.files[datasetID] = f
	return f, nil
}

var _ scrape.Sink = (*LocalSink)(nil)

package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// GCSSink uploads each batch as one JSONL object under
// <prefix>/<dataset>/batch-<n>.jsonl. Authentication goes through
// Application Default Credentials.
type GCSSink struct {
	client   *storage.Client
	bucket   string
	prefix   string
	batchSeq atomic.Int64
}

// NewGCSSink creates the client and verifies bucket access so a bad
// configuration fails at startup, not mid-run.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		closeErr := client.Close()
		return nil, fmt.Errorf("access gcs bucket %q: %w", bucket, errors.Join(err, closeErr))
	}
	return &GCSSink{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Write uploads the batch. Rate limits and server errors come back
// wrapped as recoverable so the caller retries; anything else is
// fatal.
func (s *GCSSink) Write(ctx context.Context, batch []scrape.Record) error {
	if len(batch) == 0 {
		return nil
	}

	payload := make([]byte, 0, len(batch)*256)
	for _, rec := range batch {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record %q: %w", rec.ItemKey, err)
		}
		payload = append(payload, line...)
		payload = append(payload, '\n')
	}

	name := s.objectName(batch[0].DatasetID)
	wc := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if _, err := wc.Write(payload); err != nil {
		_ = wc.Close()
		return classify(fmt.Errorf("write gcs object %s: %w", name, err))
	}
	if err := wc.Close(); err != nil {
		return classify(fmt.Errorf("finalize gcs object %s: %w", name, err))
	}
	return nil
}

// Close releases the client.
func (s *GCSSink) Close(context.Context) error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

func (s *GCSSink) objectName(datasetID string) string {
	if datasetID == "" {
		datasetID = "default"
	}
	seq := s.batchSeq.Add(1)
	if s.prefix == "" {
		return fmt.Sprintf("%s/batch-%06d.jsonl", datasetID, seq)
	}
	return fmt.Sprintf("%s/%s/batch-%06d.jsonl", s.prefix, datasetID, seq)
}

// classify maps transient upload failures onto the retryable error
// taxonomy.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return scrape.Recoverable(err)
		case apiErr.Code >= 500:
			return scrape.Recoverable(err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return scrape.Recoverable(err)
	}
	return err
}

var _ scrape.Sink = (*GCSSink)(nil)

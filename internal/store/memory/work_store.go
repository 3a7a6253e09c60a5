// Package memory provides an in-memory work store for single-run jobs
// and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// WorkStore keeps work items in insertion order behind a mutex.
type WorkStore struct {
	mu     sync.Mutex
	items  []*scrape.WorkItem
	byKey  map[string]*scrape.WorkItem
	nextID int64
	clock  scrape.Clock
}

// NewWorkStore creates an empty store.
func NewWorkStore(clock scrape.Clock) *WorkStore {
	return &WorkStore{
		byKey: make(map[string]*scrape.WorkItem),
		clock: clock,
	}
}

// Add enqueues one pending item per key; duplicate keys are ignored so
// bulk imports can be re-run safely.
func (s *WorkStore) Add(keys ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := s.byKey[key]; ok {
			continue
		}
		s.nextID++
		item := &scrape.WorkItem{
			ID:        s.nextID,
			Key:       key,
			Status:    scrape.ItemPending,
			UpdatedAt: s.clock.Now(),
		}
		s.items = append(s.items, item)
		s.byKey[key] = item
		added++
	}
	return added
}

// NextPending returns the oldest pending item, or nil when none exist.
func (s *WorkStore) NextPending(_ context.Context) (*scrape.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.Status == scrape.ItemPending {
			copied := *item
			return &copied, nil
		}
	}
	return nil, nil
}

// Save persists the item's status by key.
func (s *WorkStore) Save(_ context.Context, item *scrape.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byKey[item.Key]
	if !ok {
		s.nextID++
		item.ID = s.nextID
		copied := *item
		copied.UpdatedAt = s.clock.Now()
		s.items = append(s.items, &copied)
		s.byKey[item.Key] = &copied
		return nil
	}
	stored.Status = item.Status
	stored.UpdatedAt = s.clock.Now()
	return nil
}

// SweepStuck resets Processing items back to Pending.
func (s *WorkStore) SweepStuck(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for _, item := range s.items {
		if item.Status == scrape.ItemProcessing {
			item.Status = scrape.ItemPending
			item.UpdatedAt = s.clock.Now()
			reset++
		}
	}
	return reset, nil
}

// ResetFailed returns Failed and Skipped items to Pending for a retry
// pass.
func (s *WorkStore) ResetFailed(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for _, item := range s.items {
		if item.Status == scrape.ItemFailed || item.Status == scrape.ItemSkipped {
			item.Status = scrape.ItemPending
			item.UpdatedAt = s.clock.Now()
			reset++
		}
	}
	return reset, nil
}

// Counts returns item totals per status.
func (s *WorkStore) Counts() map[scrape.ItemStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[scrape.ItemStatus]int)
	for _, item := range s.items {
		counts[item.Status]++
	}
	return counts
}

var _ scrape.WorkStore = (*WorkStore)(nil)

package reliability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FailedCommand is a command message that exhausted its redeliveries
type FailedCommand struct {
	ID         string                 `json:"id"`
	Command    string                 `json:"command"`
	Queue      string                 `json:"queue"`
	Router     string                 `json:"router"`
	RoutingKey string                 `json:"routingKey"`
	Body       []byte                 `json:"body"`
	Headers    map[string]interface{} `json:"headers,omitempty"`
	Error      string                 `json:"error"`
	Attempts   int                    `json:"attempts"`
	FailedAt   time.Time              `json:"failedAt"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolvedAt,omitempty"`
	ResolvedBy string                 `json:"resolvedBy,omitempty"`
}

// FailureFilter selects failures in List. Zero fields match everything.
type FailureFilter struct {
	Command        string
	Queue          string
	UnresolvedOnly bool
	Limit          int
}

func (f FailureFilter) match(fc *FailedCommand) bool {
	if f.Command != "" && fc.Command != f.Command {
		return false
	}
	if f.Queue != "" && fc.Queue != f.Queue {
		return false
	}
	return !f.UnresolvedOnly || !fc.Resolved
}

// FailureStats counts stored failures
type FailureStats struct {
	Total      int            `json:"total"`
	Unresolved int            `json:"unresolved"`
	ByCommand  map[string]int `json:"byCommand"`
	ByQueue    map[string]int `json:"byQueue"`
}

// FailureStore keeps dead-lettered commands for inspection and replay
type FailureStore interface {
	// Store saves a failure, assigning an id when it has none
	Store(ctx context.Context, failure *FailedCommand) error

	// Get returns a failure by id
	Get(ctx context.Context, id string) (*FailedCommand, error)

	// List returns matching failures, oldest first
	List(ctx context.Context, filter FailureFilter) ([]*FailedCommand, error)

	// Resolve marks a failure as handled
	Resolve(ctx context.Context, id, resolvedBy string) error

	// Delete removes a failure
	Delete(ctx context.Context, id string) error

	// Stats counts the stored failures
	Stats(ctx context.Context) (*FailureStats, error)

	// Cleanup removes failures resolved longer than olderThan ago
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// MemoryFailureStore is a FailureStore held in process memory
type MemoryFailureStore struct {
	mu       sync.RWMutex
	failures map[string]*FailedCommand
}

// NewMemoryFailureStore creates an empty in-memory store
func NewMemoryFailureStore() *MemoryFailureStore {
	return &MemoryFailureStore{failures: make(map[string]*FailedCommand)}
}

// Store implements FailureStore
func (s *MemoryFailureStore) Store(ctx context.Context, failure *FailedCommand) error {
	if failure == nil {
		return fmt.Errorf("failure cannot be nil")
	}
	if failure.ID == "" {
		failure.ID = uuid.NewString()
	}
	if failure.FailedAt.IsZero() {
		failure.FailedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *failure
	s.failures[stored.ID] = &stored
	return nil
}

// Get implements FailureStore
func (s *MemoryFailureStore) Get(ctx context.Context, id string) (*FailedCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fc, ok := s.failures[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFailureNotFound, id)
	}
	copied := *fc
	return &copied, nil
}

// List implements FailureStore
func (s *MemoryFailureStore) List(ctx context.Context, filter FailureFilter) ([]*FailedCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*FailedCommand, 0)
	for _, fc := range s.failures {
		if filter.match(fc) {
			copied := *fc
			result = append(result, &copied)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].FailedAt.Before(result[j].FailedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Resolve implements FailureStore
func (s *MemoryFailureStore) Resolve(ctx context.Context, id, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc, ok := s.failures[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFailureNotFound, id)
	}

	now := time.Now()
	fc.Resolved = true
	fc.ResolvedAt = &now
	fc.ResolvedBy = resolvedBy
	return nil
}

// Delete implements FailureStore
func (s *MemoryFailureStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.failures[id]; !ok {
		return fmt.Errorf("%w: %s", ErrFailureNotFound, id)
	}
	delete(s.failures, id)
	return nil
}

// Stats implements FailureStore
func (s *MemoryFailureStore) Stats(ctx context.Context) (*FailureStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &FailureStats{
		Total:     len(s.failures),
		ByCommand: make(map[string]int),
		ByQueue:   make(map[string]int),
	}
	for _, fc := range s.failures {
		if !fc.Resolved {
			stats.Unresolved++
		}
		stats.ByCommand[fc.Command]++
		stats.ByQueue[fc.Queue]++
	}
	return stats, nil
}

// Cleanup implements FailureStore
func (s *MemoryFailureStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, fc := range s.failures {
		if fc.Resolved && fc.ResolvedAt != nil && fc.ResolvedAt.Before(cutoff) {
			delete(s.failures, id)
			removed++
		}
	}
	return removed, nil
}

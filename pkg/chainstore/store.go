// Package chainstore tracks the last known chain hash of each run event
// chain so a client can supply expected_prev_chain_hash across processes.
//
// Heads only move forward through compare-and-set: Advance succeeds when the
// stored head still equals the caller's previous head.
package chainstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrConflict is matched by every failed compare-and-set.
var ErrConflict = errors.New("chainstore: chain head moved")

// ConflictError reports the head that was found instead of the expected one.
type ConflictError struct {
	RunID    string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("chainstore: run %s head is %q, expected %q", e.RunID, e.Actual, e.Expected)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Store is implemented by MemoryStore, SQLStore and RedisStore.
type Store interface {
	// Head returns the recorded head for runID, or "" when none is known.
	Head(ctx context.Context, runID string) (string, error)
	// Advance sets the head to next if the current head equals prev. An
	// empty prev means the run has no recorded head yet.
	Advance(ctx context.Context, runID, prev, next string) error
}

func checkArgs(runID, next string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("chainstore: run id is required")
	}
	if strings.TrimSpace(next) == "" {
		return errors.New("chainstore: next head is required")
	}
	return nil
}

// MemoryStore keeps heads in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	heads map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{heads: make(map[string]string)}
}

func (s *MemoryStore) Head(_ context.Context, runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads[runID], nil
}

func (s *MemoryStore) Advance(_ context.Context, runID, prev, next string) error {
	if err := checkArgs(runID, next); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.heads[runID]; cur != prev {
		return &ConflictError{RunID: runID, Expected: prev, Actual: cur}
	}
	s.heads[runID] = next
	return nil
}

package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

type memoryRecord struct {
	version     uint64
	lastUpdated time.Time
	payload     []byte
}

// MemoryStore keeps resources in process memory. A commit is applied under a
// single lock, so no reader observes half of it.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[Key]*memoryRecord
	now       func() time.Time
	newID     func() string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[Key]*memoryRecord),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Commit applies every write whose preconditions hold and reports the rest as
// per-write failures.
func (s *MemoryStore) Commit(ctx context.Context, writes []Write) ([]WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]WriteResult, len(writes))
	for i, w := range writes {
		ref, err := s.applyLocked(w)
		results[i] = WriteResult{Reference: ref, Err: err}
	}
	return results, nil
}

// Put applies a single write.
func (s *MemoryStore) Put(ctx context.Context, w Write) (Reference, error) {
	if err := ctx.Err(); err != nil {
		return Reference{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(w)
}

// Get returns the current version of a resource.
func (s *MemoryStore) Get(ctx context.Context, key Key) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.resources[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	payload := make([]byte, len(rec.payload))
	copy(payload, rec.payload)
	return &Resource{
		Reference: Reference{
			Type:        key.Type,
			ID:          key.ID,
			VersionID:   strconv.FormatUint(rec.version, 10),
			LastUpdated: rec.lastUpdated,
		},
		Payload: payload,
	}, nil
}

// Len returns the number of stored resources.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}

func (s *MemoryStore) applyLocked(w Write) (Reference, error) {
	if err := w.Validate(); err != nil {
		return Reference{}, err
	}
	if w.Method == MethodCreate && w.Key.ID == "" {
		w.Key.ID = s.newID()
	}

	var current uint64
	rec, exists := s.resources[w.Key]
	if exists {
		current = rec.version
	}
	version, err := nextVersion(w, current, exists)
	if err != nil {
		return Reference{}, err
	}

	ref := Reference{
		Type:        w.Key.Type,
		ID:          w.Key.ID,
		VersionID:   strconv.FormatUint(version, 10),
		LastUpdated: s.now(),
	}
	payload, err := stamp(w.Payload, ref)
	if err != nil {
		return Reference{}, err
	}
	s.resources[w.Key] = &memoryRecord{
		version:     version,
		lastUpdated: ref.LastUpdated,
		payload:     payload,
	}
	return ref, nil
}

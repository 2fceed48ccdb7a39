// Package storage implements the generic key-value store backing
// subscriptions, sessions, and usage records (spec.md C5): a bounded,
// in-memory map with prefix listing and named secondary indexes.
package storage

import (
	"container/list"
	"strings"
	"sync"

	gateway "github.com/quietloop/llmgate/internal"
)

// defaultMaxEntries is the bound past which the oldest entries are
// evicted in batches (spec.md §4.5), used when New is called directly.
const defaultMaxEntries = 100_000

// defaultEvictionBatchFraction is the fraction of the bound evicted at
// once when it is exceeded, to amortize eviction cost across many
// writes instead of evicting one entry per insert.
const defaultEvictionBatchFraction = 0.10

type entry struct {
	value []byte
	elem  *list.Element // position in insertion order, for FIFO eviction
}

// Store is a bounded, concurrency-safe key-value store with prefix
// listing and named secondary indexes.
type Store struct {
	mu                    sync.Mutex
	data                  map[string]*entry
	order                 *list.List // front = oldest
	indexes               map[string]map[string]struct{}
	maxEntries            int
	evictionBatchFraction float64
}

// New returns an empty, ready-to-use Store bounded at defaultMaxEntries.
func New() *Store {
	return NewWithBound(defaultMaxEntries, defaultEvictionBatchFraction)
}

// NewWithBound returns an empty Store with an operator-configured bound
// and eviction batch fraction (the `storage` section of the config
// file). Non-positive values fall back to the defaults.
func NewWithBound(maxEntries int, evictionBatchFraction float64) *Store {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if evictionBatchFraction <= 0 {
		evictionBatchFraction = defaultEvictionBatchFraction
	}
	return &Store{
		data:                  make(map[string]*entry),
		order:                 list.New(),
		indexes:               make(map[string]map[string]struct{}),
		maxEntries:            maxEntries,
		evictionBatchFraction: evictionBatchFraction,
	}
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return nil, gateway.NewStatusError(gateway.ErrNotFound, 404, "key not found")
	}
	return e.value, nil
}

// Set stores value under key, evicting the oldest entries in batches
// if the store is at its bound.
func (s *Store) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value)
}

func (s *Store) setLocked(key string, value []byte) {
	if existing, ok := s.data[key]; ok {
		existing.value = value
		s.order.MoveToBack(existing.elem)
		return
	}
	if len(s.data) >= s.maxEntries {
		s.evictLocked()
	}
	elem := s.order.PushBack(key)
	s.data[key] = &entry{value: value, elem: elem}
}

// evictLocked drops the oldest evictionBatchFraction of maxEntries
// (10% by default, spec.md §4.5), at least one entry, batching
// eviction cost instead of evicting one entry per insert over the
// bound.
func (s *Store) evictLocked() {
	n := int(float64(s.maxEntries) * s.evictionBatchFraction)
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		front := s.order.Front()
		if front == nil {
			return
		}
		key := front.Value.(string)
		s.order.Remove(front)
		delete(s.data, key)
	}
}

// Delete removes key, if present. Deleting a missing key is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return
	}
	s.order.Remove(e.elem)
	delete(s.data, key)
}

// List returns every key with the given prefix, oldest write first
// (overwriting a key moves it to the end).
func (s *Store) List(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for e := s.order.Front(); e != nil; e = e.Next() {
		key := e.Value.(string)
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out
}

// GetBatch returns the values for every key present in the store;
// missing keys are simply omitted from the result map.
func (s *Store) GetBatch(keys []string) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if e, ok := s.data[k]; ok {
			out[k] = e.value
		}
	}
	return out
}

// SetBatch stores every key/value pair in kv.
func (s *Store) SetBatch(kv map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.setLocked(k, v)
	}
}

// AddToIndex adds key to the named secondary index.
func (s *Store) AddToIndex(index, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.indexes[index]
	if !ok {
		set = make(map[string]struct{})
		s.indexes[index] = set
	}
	set[key] = struct{}{}
}

// RemoveFromIndex removes key from the named secondary index, if
// present. Removing from a missing index is a no-op.
func (s *Store) RemoveFromIndex(index, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.indexes[index]; ok {
		delete(set, key)
	}
}

// GetIndex returns every key currently in the named secondary index,
// or nil if the index does not exist.
func (s *Store) GetIndex(index string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.indexes[index]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// Len reports the current number of entries, for diagnostics and
// tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Package session implements the client session store (spec.md §4.7):
// CRUD over client sessions, a by-subscription secondary index, idle-
// to-stale marking, and subscription reassignment, fronted by a
// bounded FIFO cache.
package session

import (
	"container/list"
	"encoding/json"
	"errors"
	"sync"
	"time"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/storage"
)

// cacheBound is the FIFO cache size sitting in front of storage
// (spec.md §4.7).
const cacheBound = 1000

func storageKey(clientID string) string { return "session:" + clientID }

func indexKey(subscriptionID string) string { return "index:session_by_sub:" + subscriptionID }

// Store owns client session lifecycle.
type Store struct {
	store *storage.Store

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List
}

type cacheEntry struct {
	key   string
	value *gateway.ClientSession
}

// New returns a ready-to-use session Store backed by kv.
func New(kv *storage.Store) *Store {
	return &Store{
		store: kv,
		cache: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Create registers a new session for clientID. Creating a session for
// an existing client id is an error (spec.md §4.7). The session and
// its by-subscription index entry are written as two separate,
// non-atomic storage writes; a partial failure leaves a dangling
// index miss, tolerated by GetBySubscription.
func (s *Store) Create(clientID, subscriptionID, clientIP, userAgent string) (*gateway.ClientSession, error) {
	if _, err := s.load(clientID); err == nil {
		return nil, gateway.NewStatusError(gateway.ErrConflict, 409, "session already exists for client")
	} else if !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &gateway.ClientSession{
		ID:             clientID,
		SubscriptionID: subscriptionID,
		AllocatedAt:    now,
		LastActivity:   now,
		Status:         gateway.SessionActive,
		ClientIP:       clientIP,
		UserAgent:      userAgent,
	}
	if err := s.save(sess); err != nil {
		return nil, err
	}
	s.store.AddToIndex(indexKey(subscriptionID), clientID)
	return sess.Clone(), nil
}

// Get returns the session for clientID.
func (s *Store) Get(clientID string) (*gateway.ClientSession, error) {
	if sess, ok := s.cacheGet(clientID); ok {
		return sess.Clone(), nil
	}
	sess, err := s.load(clientID)
	if err != nil {
		return nil, err
	}
	s.cachePut(sess)
	return sess.Clone(), nil
}

// Update applies delta to the session named by clientID, then always
// bumps last_activity (spec.md §4.7).
func (s *Store) Update(clientID string, delta func(*gateway.ClientSession) error) (*gateway.ClientSession, error) {
	sess, err := s.load(clientID)
	if err != nil {
		return nil, err
	}
	if err := delta(sess); err != nil {
		return nil, err
	}
	sess.LastActivity = time.Now().UTC()
	if err := s.save(sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Delete removes the session and its index entry.
func (s *Store) Delete(clientID string) error {
	sess, err := s.load(clientID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil
		}
		return err
	}
	s.store.Delete(storageKey(clientID))
	s.store.RemoveFromIndex(indexKey(sess.SubscriptionID), clientID)
	s.cacheRemove(clientID)
	return nil
}

// GetBySubscription returns every session currently assigned to
// subscriptionID, silently skipping index entries whose session is
// missing (spec.md §4.7 tolerates the non-atomic create path).
func (s *Store) GetBySubscription(subscriptionID string) []*gateway.ClientSession {
	ids := s.store.GetIndex(indexKey(subscriptionID))
	out := make([]*gateway.ClientSession, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(id)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// MarkStale transitions every idle session whose last activity is
// older than idle threshold to stale, returning the count transitioned
// (spec.md §4.7).
func (s *Store) MarkStale(idle time.Duration) int {
	now := time.Now().UTC()
	count := 0
	for _, key := range s.store.List("session:") {
		clientID := key[len("session:"):]
		sess, err := s.load(clientID)
		if err != nil {
			continue
		}
		if sess.Status == gateway.SessionIdle && now.Sub(sess.LastActivity) > idle {
			sess.Status = gateway.SessionStale
			if err := s.save(sess); err == nil {
				count++
			}
		}
	}
	return count
}

// Reassign moves clientID's session to a new subscription: removes it
// from the old by-subscription index, adds it to the new one, and
// resets the per-session usage counters (spec.md §4.7).
func (s *Store) Reassign(clientID, newSubscriptionID string) (*gateway.ClientSession, error) {
	sess, err := s.load(clientID)
	if err != nil {
		return nil, err
	}
	oldSubscriptionID := sess.SubscriptionID

	sess.SubscriptionID = newSubscriptionID
	sess.SessionCost = 0
	sess.SessionTokens = 0
	sess.RequestCount = 0
	sess.AllocatedAt = time.Now().UTC()
	if err := s.save(sess); err != nil {
		return nil, err
	}

	s.store.RemoveFromIndex(indexKey(oldSubscriptionID), clientID)
	s.store.AddToIndex(indexKey(newSubscriptionID), clientID)
	return sess.Clone(), nil
}

func (s *Store) load(clientID string) (*gateway.ClientSession, error) {
	raw, err := s.store.Get(storageKey(clientID))
	if err != nil {
		return nil, err
	}
	var sess gateway.ClientSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, gateway.NewStatusError(gateway.ErrInternal, 500, "corrupt session record")
	}
	return &sess, nil
}

func (s *Store) save(sess *gateway.ClientSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return gateway.NewStatusError(gateway.ErrInternal, 500, "failed to encode session")
	}
	s.store.Set(storageKey(sess.ID), raw)
	s.cachePut(sess)
	return nil
}

func (s *Store) cacheGet(clientID string) (*gateway.ClientSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.cache[clientID]
	if !ok {
		return nil, false
	}
	return elem.Value.(*cacheEntry).value.Clone(), true
}

func (s *Store) cachePut(sess *gateway.ClientSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.cache[sess.ID]; ok {
		elem.Value.(*cacheEntry).value = sess.Clone()
		s.order.MoveToBack(elem)
		return
	}
	if len(s.cache) >= cacheBound {
		front := s.order.Front()
		if front != nil {
			delete(s.cache, front.Value.(*cacheEntry).key)
			s.order.Remove(front)
		}
	}
	elem := s.order.PushBack(&cacheEntry{key: sess.ID, value: sess.Clone()})
	s.cache[sess.ID] = elem
}

func (s *Store) cacheRemove(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.cache[clientID]; ok {
		s.order.Remove(elem)
		delete(s.cache, clientID)
	}
}

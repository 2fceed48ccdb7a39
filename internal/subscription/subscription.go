// Package subscription implements the subscription manager (spec.md
// §4.6): it owns credential lifecycle, a bounded cache in front of the
// key-value store, and the health_check query used by the allocation
// balancer.
package subscription

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/storage"
)

// cacheBound is the FIFO cache size sitting in front of storage
// (spec.md §4.6).
const cacheBound = 100

// defaultHealthThreshold is the weekly-usage-share above which
// HealthCheck reports a credential unhealthy, absent an override.
const defaultHealthThreshold = 0.85

func storageKey(id string) string { return "subscription:" + id }

// CredentialConfig is the subset of a credential's fields that come
// from configuration, as opposed to runtime state.
type CredentialConfig struct {
	ID           string
	Email        string
	Type         string
	ConfigDir    string
	WeeklyBudget float64
	MaxClients   int
}

// Manager owns the set of configured credentials.
type Manager struct {
	store *storage.Store

	mu       sync.Mutex
	cache    map[string]*list.Element // key -> cache entry (front = oldest)
	order    *list.List
	threshold float64
}

type cacheEntry struct {
	key   string
	value *gateway.Credential
}

// New builds a Manager and performs spec.md §4.6 initialisation: for
// each configured credential, merge onto an existing record or create
// one with default runtime state. Rejects any credential with
// weekly_budget <= 0 since it is later used as a division denominator.
func New(store *storage.Store, configs []CredentialConfig) (*Manager, error) {
	m := &Manager{
		store:     store,
		cache:     make(map[string]*list.Element),
		order:     list.New(),
		threshold: defaultHealthThreshold,
	}

	for _, cfg := range configs {
		if cfg.WeeklyBudget <= 0 {
			return nil, gateway.NewStatusError(gateway.ErrValidation, 400,
				fmt.Sprintf("credential %q: weekly_budget must be > 0", cfg.ID))
		}
		if err := m.initOne(cfg); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) initOne(cfg CredentialConfig) error {
	existing, err := m.load(cfg.ID)
	if err != nil {
		if !errors.Is(err, gateway.ErrNotFound) {
			return err
		}
		existing = nil
	}

	if existing == nil {
		c := &gateway.Credential{
			ID:              cfg.ID,
			Email:           cfg.Email,
			Type:            cfg.Type,
			ConfigDir:       cfg.ConfigDir,
			WeeklyBudget:    cfg.WeeklyBudget,
			MaxClients:      cfg.MaxClients,
			AssignedClients: make(map[string]struct{}),
			HealthScore:     100,
			Status:          gateway.StatusAvailable,
		}
		return m.save(c)
	}

	existing.Email = cfg.Email
	existing.ConfigDir = cfg.ConfigDir
	existing.Type = cfg.Type
	existing.WeeklyBudget = cfg.WeeklyBudget
	existing.MaxClients = cfg.MaxClients
	return m.save(existing)
}

// Seed writes a set of previously persisted credentials directly into
// the key-value store under their subscription keys, for restoring
// durable state (spec.md's sqlite snapshot table) before New runs its
// merge-or-create pass. Must be called before New.
func Seed(store *storage.Store, credentials []*gateway.Credential) error {
	for _, c := range credentials {
		raw, err := json.Marshal(c)
		if err != nil {
			return gateway.NewStatusError(gateway.ErrInternal, 500, "failed to encode credential")
		}
		store.Set(storageKey(c.ID), raw)
	}
	return nil
}

func (m *Manager) load(id string) (*gateway.Credential, error) {
	raw, err := m.store.Get(storageKey(id))
	if err != nil {
		return nil, err
	}
	var c gateway.Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, gateway.NewStatusError(gateway.ErrInternal, 500, "corrupt credential record")
	}
	return &c, nil
}

func (m *Manager) save(c *gateway.Credential) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return gateway.NewStatusError(gateway.ErrInternal, 500, "failed to encode credential")
	}
	m.store.Set(storageKey(c.ID), raw)
	m.cachePut(c)
	return nil
}

// Get returns a credential by id, consulting the cache before storage.
func (m *Manager) Get(_ context.Context, id string) (*gateway.Credential, error) {
	if c, ok := m.cacheGet(id); ok {
		return c.Clone(), nil
	}
	c, err := m.load(id)
	if err != nil {
		return nil, err
	}
	m.cachePut(c)
	return c.Clone(), nil
}

// GetAll returns every configured credential.
func (m *Manager) GetAll(ctx context.Context) ([]*gateway.Credential, error) {
	keys := m.store.List("subscription:")
	out := make([]*gateway.Credential, 0, len(keys))
	for _, key := range keys {
		id := key[len("subscription:"):]
		c, err := m.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Update performs a read-modify-write against the credential named by
// id: delta is applied to a fresh copy, then the result is validated
// and persisted.
func (m *Manager) Update(ctx context.Context, id string, delta func(*gateway.Credential) error) (*gateway.Credential, error) {
	c, err := m.load(id)
	if err != nil {
		return nil, err
	}
	if err := delta(c); err != nil {
		return nil, err
	}
	if c.WeeklyBudget <= 0 {
		return nil, gateway.NewStatusError(gateway.ErrValidation, 400, "weekly_budget must remain > 0")
	}
	if err := m.save(c); err != nil {
		return nil, err
	}
	_ = ctx
	return c.Clone(), nil
}

// HealthCheck reports, for every configured credential, whether it is
// healthy per spec.md §4.6: unhealthy if status is limited or
// cooldown, if weekly usage share is at or above threshold, or if the
// assigned-client count is at or above max_clients.
func (m *Manager) HealthCheck(ctx context.Context) (map[string]bool, error) {
	all, err := m.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(all))
	for _, c := range all {
		out[c.ID] = m.isHealthy(c)
	}
	return out, nil
}

func (m *Manager) isHealthy(c *gateway.Credential) bool {
	if c.Status == gateway.StatusLimited || c.Status == gateway.StatusCooldown {
		return false
	}
	if c.WeeklyBudget > 0 && c.WeeklyUsed/c.WeeklyBudget >= m.threshold {
		return false
	}
	if c.MaxClients > 0 && len(c.AssignedClients) >= c.MaxClients {
		return false
	}
	return true
}

func (m *Manager) cacheGet(id string) (*gateway.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.cache[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*cacheEntry).value.Clone(), true
}

func (m *Manager) cachePut(c *gateway.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.cache[c.ID]; ok {
		elem.Value.(*cacheEntry).value = c.Clone()
		m.order.MoveToBack(elem)
		return
	}
	if len(m.cache) >= cacheBound {
		front := m.order.Front()
		if front != nil {
			delete(m.cache, front.Value.(*cacheEntry).key)
			m.order.Remove(front)
		}
	}
	elem := m.order.PushBack(&cacheEntry{key: c.ID, value: c.Clone()})
	m.cache[c.ID] = elem
}

// Package balance implements the allocation balancer (spec.md §4.10):
// selecting a credential for a new client, allocating and
// deallocating client-to-credential bindings, and periodically
// rebalancing idle sessions off over-used credentials.
package balance

import (
	"context"
	"log/slog"
	"sort"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/health"
	"github.com/quietloop/llmgate/internal/session"
	"github.com/quietloop/llmgate/internal/subscription"
)

// defaultSafeguardThreshold is the weekly-usage share at or above which
// a credential is excluded from new selections (spec.md §4.10).
const defaultSafeguardThreshold = 0.85

// defaultCostGapThreshold is the minimum current-block-cost gap
// between the most- and least-used credential required to trigger a
// rebalance (spec.md §4.10 step 2).
const defaultCostGapThreshold = 5.0

// SelectionKind distinguishes a credential selection from a fallback.
type SelectionKind string

const (
	SelectionCredential SelectionKind = "credential"
	SelectionFallback   SelectionKind = "fallback"
)

// Selection is the result of Select.
type Selection struct {
	Kind      SelectionKind
	ID        string
	ConfigDir string
	Reason    string
}

// RebalanceResult reports the outcome of one Rebalance call.
type RebalanceResult struct {
	Moved int
	From  string
	To    string
}

// Config tunes the balancer's safeguards and rebalance thresholds.
type Config struct {
	SafeguardThreshold  float64
	CostGapThreshold    float64
	MaxClientsPerCycle  int
	FallbackEnabled     bool
}

// Balancer owns credential selection and client rebalancing.
type Balancer struct {
	subs     *subscription.Manager
	sessions *session.Store
	cfg      Config
	logger   *slog.Logger
}

// New returns a Balancer. Zero-value Config fields fall back to
// spec.md's documented defaults.
func New(subs *subscription.Manager, sessions *session.Store, cfg Config, logger *slog.Logger) *Balancer {
	if cfg.SafeguardThreshold <= 0 {
		cfg.SafeguardThreshold = defaultSafeguardThreshold
	}
	if cfg.CostGapThreshold <= 0 {
		cfg.CostGapThreshold = defaultCostGapThreshold
	}
	if cfg.MaxClientsPerCycle <= 0 {
		cfg.MaxClientsPerCycle = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Balancer{subs: subs, sessions: sessions, cfg: cfg, logger: logger}
}

// Select applies spec.md §4.10 step 1-3: drop credentials failing the
// safeguards, then pick the survivor with the highest health score
// (ties broken by registered/listing order).
func (b *Balancer) Select(ctx context.Context) (*Selection, error) {
	all, err := b.subs.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	survivors := make([]*gateway.Credential, 0, len(all))
	for _, c := range all {
		if b.failsSafeguards(c) {
			continue
		}
		survivors = append(survivors, c)
	}

	if len(survivors) == 0 {
		if b.cfg.FallbackEnabled {
			return &Selection{Kind: SelectionFallback, Reason: "no credential passed safeguards"}, nil
		}
		return nil, gateway.NewStatusError(gateway.ErrExhausted, 503, "no credential available")
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return health.Score(survivors[i]) > health.Score(survivors[j])
	})
	best := survivors[0]
	return &Selection{Kind: SelectionCredential, ID: best.ID, ConfigDir: best.ConfigDir}, nil
}

func (b *Balancer) failsSafeguards(c *gateway.Credential) bool {
	if c.Status == gateway.StatusLimited || c.Status == gateway.StatusCooldown {
		return true
	}
	if c.WeeklyBudget > 0 && c.WeeklyUsed/c.WeeklyBudget >= b.cfg.SafeguardThreshold {
		return true
	}
	if c.MaxClients > 0 && len(c.AssignedClients) >= c.MaxClients {
		return true
	}
	return false
}

// Allocate selects a credential for clientID and, on a credential
// selection, creates the bound client session and records the client
// on the credential's assigned_clients set (spec.md §4.10).
func (b *Balancer) Allocate(ctx context.Context, clientID, clientIP, userAgent string) (*Selection, error) {
	sel, err := b.Select(ctx)
	if err != nil {
		return nil, err
	}
	if sel.Kind == SelectionFallback {
		return sel, nil
	}

	if _, err := b.sessions.Create(clientID, sel.ID, clientIP, userAgent); err != nil {
		return nil, err
	}
	if _, err := b.subs.Update(ctx, sel.ID, func(c *gateway.Credential) error {
		if c.AssignedClients == nil {
			c.AssignedClients = make(map[string]struct{})
		}
		c.AssignedClients[clientID] = struct{}{}
		return nil
	}); err != nil {
		return nil, err
	}
	return sel, nil
}

// Deallocate removes clientID's session and its membership in the
// bound credential's assigned_clients, if any. Idempotent.
func (b *Balancer) Deallocate(ctx context.Context, clientID string) error {
	sess, err := b.sessions.Get(clientID)
	if err != nil {
		return nil // nothing to deallocate
	}
	if err := b.sessions.Delete(clientID); err != nil {
		return err
	}
	_, err = b.subs.Update(ctx, sess.SubscriptionID, func(c *gateway.Credential) error {
		delete(c.AssignedClients, clientID)
		return nil
	})
	return err
}

// Rebalance moves idle sessions from the most-used to the least-used
// credential when the cost gap between them is at least the configured
// threshold (spec.md §4.10).
func (b *Balancer) Rebalance(ctx context.Context) (*RebalanceResult, error) {
	all, err := b.subs.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	var withBlock []*gateway.Credential
	for _, c := range all {
		if c.HasBlock() {
			withBlock = append(withBlock, c)
		}
	}
	if len(withBlock) < 2 {
		return &RebalanceResult{}, nil
	}

	sort.SliceStable(withBlock, func(i, j int) bool {
		return withBlock[i].CurrentBlockCost < withBlock[j].CurrentBlockCost
	})
	least := withBlock[0]
	most := withBlock[len(withBlock)-1]

	if most.CurrentBlockCost-least.CurrentBlockCost < b.cfg.CostGapThreshold {
		return &RebalanceResult{}, nil
	}

	idle := b.idleSessionsOn(most.ID)
	capacity := least.MaxClients - len(least.AssignedClients)
	moveCount := min3(len(idle), capacity, b.cfg.MaxClientsPerCycle)
	if moveCount <= 0 {
		return &RebalanceResult{}, nil
	}

	moved := 0
	for i := 0; i < moveCount; i++ {
		sess := idle[i]
		if _, err := b.sessions.Reassign(sess.ID, least.ID); err != nil {
			b.logger.Warn("rebalance: failed to reassign session", "client_id", sess.ID, "error", err)
			continue
		}
		if _, err := b.subs.Update(ctx, most.ID, func(c *gateway.Credential) error {
			delete(c.AssignedClients, sess.ID)
			return nil
		}); err != nil {
			b.logger.Warn("rebalance: failed to update source credential", "credential_id", most.ID, "error", err)
		}
		if _, err := b.subs.Update(ctx, least.ID, func(c *gateway.Credential) error {
			if c.AssignedClients == nil {
				c.AssignedClients = make(map[string]struct{})
			}
			c.AssignedClients[sess.ID] = struct{}{}
			return nil
		}); err != nil {
			b.logger.Warn("rebalance: failed to update destination credential", "credential_id", least.ID, "error", err)
			continue
		}
		moved++
	}

	return &RebalanceResult{Moved: moved, From: most.ID, To: least.ID}, nil
}

func (b *Balancer) idleSessionsOn(subscriptionID string) []*gateway.ClientSession {
	all := b.sessions.GetBySubscription(subscriptionID)
	out := make([]*gateway.ClientSession, 0, len(all))
	for _, s := range all {
		if s.Status == gateway.SessionIdle {
			out = append(out, s)
		}
	}
	return out
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

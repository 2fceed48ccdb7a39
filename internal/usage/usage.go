// Package usage implements the usage tracker (spec.md §4.8): recording
// a backend invocation's cost, block accounting against 5-hour UTC
// windows, and the derived weekly/burn-rate/tokens-per-minute queries
// that feed the health calculator and allocation balancer.
package usage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	gateway "github.com/quietloop/llmgate/internal"
	"github.com/quietloop/llmgate/internal/storage"
	"github.com/quietloop/llmgate/internal/subscription"
)

// blockDuration is the width of a usage-accounting block (spec.md
// §4.8, §4.9).
const blockDuration = 5 * time.Hour

// boundaryStepHours is the spacing between block boundaries within a
// UTC day: 00, 05, 10, 15, 20.
const boundaryStepHours = 5

// blockIDLayout renders a block boundary as millisecond-precision
// ISO-8601 (spec.md §3), e.g. "2026-03-01T00:00:00.000Z".
const blockIDLayout = "2006-01-02T15:04:05.000Z"

const (
	weeklyWindow   = 7 * 24 * time.Hour
	burnRateWindow = time.Hour
	tpmWindow      = 5 * time.Minute

	statusLimitedShare    = 0.95
	statusApproachingShare = 0.8
)

func usageKey(subscriptionID string, ts time.Time) string {
	return "usage:" + subscriptionID + ":" + ts.UTC().Format(time.RFC3339Nano)
}

func dayIndexKey(ts time.Time) string {
	return "index:usage_by_day:" + ts.UTC().Format("20060102")
}

// Tracker owns usage-record ingestion and the block/weekly accounting
// derived from it.
type Tracker struct {
	store *storage.Store
	subs  *subscription.Manager
}

// New returns a Tracker backed by kv and the given subscription
// manager.
func New(kv *storage.Store, subs *subscription.Manager) *Tracker {
	return &Tracker{store: kv, subs: subs}
}

// Record ingests one backend invocation's output against a
// subscription, per spec.md §4.8's four steps.
func (t *Tracker) Record(ctx context.Context, output *gateway.AdapterOutput, subscriptionID, sessionID string) (*gateway.UsageRecord, error) {
	now := time.Now().UTC()
	rec := &gateway.UsageRecord{
		SubscriptionID:      subscriptionID,
		Timestamp:           now,
		BlockID:             blockBoundary(now).Format(blockIDLayout),
		CostUSD:             output.TotalCostUSD,
		InputTokens:         output.Usage.InputTokens,
		OutputTokens:        output.Usage.OutputTokens,
		CacheCreationTokens: output.Usage.CacheCreationTokens,
		CacheReadTokens:     output.Usage.CacheReadTokens,
		SessionID:           sessionID,
		DurationMs:          output.DurationMs,
		RequestUUID:         uuid.Must(uuid.NewV7()).String(),
	}
	rec.TotalTokens = rec.InputTokens + rec.OutputTokens + rec.CacheCreationTokens + rec.CacheReadTokens

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrInternal, 500, "failed to encode usage record")
	}
	t.store.Set(usageKey(subscriptionID, now), raw)
	t.store.AddToIndex(dayIndexKey(now), subscriptionID)

	if err := t.applyToCredential(ctx, subscriptionID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// applyToCredential implements spec.md §4.8 step 3-4: block
// open/accumulate, recomputed weekly/burn-rate/tpm, recomputed status.
func (t *Tracker) applyToCredential(ctx context.Context, subscriptionID string, rec *gateway.UsageRecord) error {
	records, err := t.recordsFor(subscriptionID)
	if err != nil {
		return err
	}

	now := rec.Timestamp
	weekly := sumCostSince(records, now.Add(-weeklyWindow))
	burnRate := sumCostSince(records, now.Add(-burnRateWindow))
	tpm := float64(sumTokensSince(records, now.Add(-tpmWindow))) / tpmWindow.Minutes()

	_, err = t.subs.Update(ctx, subscriptionID, func(c *gateway.Credential) error {
		boundary := blockBoundary(now)
		if rec.BlockID != c.CurrentBlockID {
			c.CurrentBlockID = rec.BlockID
			c.CurrentBlockCost = rec.CostUSD
			c.BlockStart = boundary
			c.BlockEnd = boundary.Add(blockDuration)
		} else {
			c.CurrentBlockCost += rec.CostUSD
		}

		c.WeeklyUsed = weekly
		c.BurnRateUSDPerHr = burnRate
		c.TokensPerMinute = tpm
		c.LastUsageUpdate = now
		c.LastRequestAt = now

		var share float64
		if c.WeeklyBudget > 0 {
			share = c.WeeklyUsed / c.WeeklyBudget
		}
		switch {
		case share >= statusLimitedShare:
			c.Status = gateway.StatusLimited
		case share >= statusApproachingShare:
			c.Status = gateway.StatusApproaching
		default:
			if c.Status != gateway.StatusCooldown {
				c.Status = gateway.StatusAvailable
			}
		}
		return nil
	})
	return err
}

// recordsFor returns every usage record stored for subscriptionID.
// Known limitation (spec.md §4.8): this is a linear scan, acceptable
// at the scales the system targets.
func (t *Tracker) recordsFor(subscriptionID string) ([]*gateway.UsageRecord, error) {
	prefix := "usage:" + subscriptionID + ":"
	keys := t.store.List(prefix)
	out := make([]*gateway.UsageRecord, 0, len(keys))
	for _, key := range keys {
		raw, err := t.store.Get(key)
		if err != nil {
			continue
		}
		var r gateway.UsageRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

func sumCostSince(records []*gateway.UsageRecord, cutoff time.Time) float64 {
	var sum float64
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			sum += r.CostUSD
		}
	}
	return sum
}

func sumTokensSince(records []*gateway.UsageRecord, cutoff time.Time) int {
	var sum int
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			sum += r.TotalTokens
		}
	}
	return sum
}

// WeeklyUsage returns the sum of cost_usd over the last 7 days for
// subscriptionID.
func (t *Tracker) WeeklyUsage(subscriptionID string) (float64, error) {
	records, err := t.recordsFor(subscriptionID)
	if err != nil {
		return 0, err
	}
	return sumCostSince(records, time.Now().UTC().Add(-weeklyWindow)), nil
}

// BurnRate returns the sum of cost_usd over the last hour for
// subscriptionID.
func (t *Tracker) BurnRate(subscriptionID string) (float64, error) {
	records, err := t.recordsFor(subscriptionID)
	if err != nil {
		return 0, err
	}
	return sumCostSince(records, time.Now().UTC().Add(-burnRateWindow)), nil
}

// BlockInfo is the projected state of a credential's current block.
type BlockInfo struct {
	BlockID          string
	ElapsedMinutes   float64
	RemainingMinutes float64
	CurrentCostUSD   float64
	CostPerHourUSD   float64
	ProjectedCostUSD float64
}

// ActiveBlock projects the current block's cost trajectory for
// subscriptionID, per spec.md §4.8's block-info formula. Returns nil
// if the credential has no open block.
func (t *Tracker) ActiveBlock(ctx context.Context, subscriptionID string) (*BlockInfo, error) {
	c, err := t.subs.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !c.HasBlock() {
		return nil, nil
	}
	return ProjectBlock(c.CurrentBlockID, c.BlockStart, c.CurrentBlockCost, time.Now().UTC()), nil
}

// ProjectBlock applies spec.md §4.8's block-info projection: given
// elapsed minutes since block start and accumulated cost C,
// cost_per_hour = 60*C/elapsed_minutes, projected_cost = C +
// cost_per_hour*(300-elapsed_minutes)/60, remaining_minutes =
// 300 - elapsed_minutes.
func ProjectBlock(blockID string, blockStart time.Time, costUSD float64, now time.Time) *BlockInfo {
	elapsedMinutes := now.Sub(blockStart).Minutes()
	if elapsedMinutes <= 0 {
		elapsedMinutes = 0.0001 // avoid division by zero at the instant a block opens
	}
	costPerHour := 60 * costUSD / elapsedMinutes
	remainingMinutes := blockDuration.Minutes() - elapsedMinutes
	projectedCost := costUSD + costPerHour*remainingMinutes/60

	return &BlockInfo{
		BlockID:          blockID,
		ElapsedMinutes:   elapsedMinutes,
		RemainingMinutes: remainingMinutes,
		CurrentCostUSD:   costUSD,
		CostPerHourUSD:   costPerHour,
		ProjectedCostUSD: projectedCost,
	}
}

// blockBoundary returns the most recent block boundary at or before t,
// among {00,05,10,15,20}:00 UTC (spec.md §4.8).
func blockBoundary(t time.Time) time.Time {
	t = t.UTC()
	boundaryHour := (t.Hour() / boundaryStepHours) * boundaryStepHours
	return time.Date(t.Year(), t.Month(), t.Day(), boundaryHour, 0, 0, 0, time.UTC)
}

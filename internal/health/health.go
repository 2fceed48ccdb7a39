// Package health implements the weighted health-score function used to
// judge a credential's fitness for new allocations (spec.md §4.9).
package health

import (
	"math"

	gateway "github.com/quietloop/llmgate/internal"
)

const (
	weeklyWeight    = 0.5
	blockWeight     = 0.3
	clientPenalty   = 5.0
	burnRateWeight  = 2.0
	burnRateFloor   = 3.0
	idleBonus       = 10.0
	blockCostCap    = 25.0
)

// Score computes a credential's health score in [0, 100] from its
// current runtime state (spec.md §4.9). It is a pure function of the
// fields read; callers pass a snapshot, never the live credential, to
// avoid racing with concurrent mutation.
func Score(c *gateway.Credential) float64 {
	score := 100.0

	if c.WeeklyBudget > 0 {
		weeklyShare := 100 * c.WeeklyUsed / c.WeeklyBudget
		score -= weeklyWeight * weeklyShare
	}

	blockShare := math.Min(100, 100*c.CurrentBlockCost/blockCostCap)
	score -= blockWeight * blockShare

	score -= clientPenalty * float64(len(c.AssignedClients))

	score -= burnRateWeight * math.Max(0, c.BurnRateUSDPerHr-burnRateFloor)

	if c.CurrentBlockCost == 0 {
		score += idleBonus
	}

	return math.Max(0, math.Min(100, score))
}

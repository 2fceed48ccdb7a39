package health

import (
	"testing"

	gateway "github.com/quietloop/llmgate/internal"
)

func TestScore_FreshCredentialIsFullHealthPlusIdleBonus(t *testing.T) {
	t.Parallel()
	c := &gateway.Credential{WeeklyBudget: 100, AssignedClients: map[string]struct{}{}}
	// Idle bonus pushes above 100 but clamp caps it.
	if got := Score(c); got != 100 {
		t.Errorf("Score() = %v, want 100", got)
	}
}

func TestScore_WeeklyUsagePenalty(t *testing.T) {
	t.Parallel()
	c := &gateway.Credential{WeeklyBudget: 100, WeeklyUsed: 50, CurrentBlockCost: 1, AssignedClients: map[string]struct{}{}}
	// weekly share = 50%, penalty = 0.5 * 50 = 25. Block share = 1/25 = 4%,
	// penalty = 0.3 * 4 = 1.2. No idle bonus since block cost > 0.
	want := 73.8
	if got := Score(c); got != want {
		t.Errorf("Score() = %v, want %v", got, want)
	}
}

func TestScore_BlockUsagePenaltyCapsAt100Share(t *testing.T) {
	t.Parallel()
	c := &gateway.Credential{WeeklyBudget: 100, CurrentBlockCost: 1000, AssignedClients: map[string]struct{}{}}
	// block share capped at 100, penalty = 0.3 * 100 = 30.
	want := 70.0
	if got := Score(c); got != want {
		t.Errorf("Score() = %v, want %v", got, want)
	}
}

func TestScore_ClientCountPenalty(t *testing.T) {
	t.Parallel()
	c := &gateway.Credential{
		WeeklyBudget:    100,
		CurrentBlockCost: 1,
		AssignedClients: map[string]struct{}{"a": {}, "b": {}, "c": {}},
	}
	// 3 clients * 5 = 15 penalty, plus 1.2 block penalty (4% share * 0.3).
	want := 83.8
	if got := Score(c); got != want {
		t.Errorf("Score() = %v, want %v", got, want)
	}
}

func TestScore_BurnRatePenaltyOnlyAboveFloor(t *testing.T) {
	t.Parallel()
	under := &gateway.Credential{WeeklyBudget: 100, CurrentBlockCost: 1, BurnRateUSDPerHr: 2, AssignedClients: map[string]struct{}{}}
	// Only the 1.2 block penalty (4% share * 0.3) applies.
	if got := Score(under); got != 98.8 {
		t.Errorf("under-floor burn rate should not penalize: got %v, want 98.8", got)
	}

	over := &gateway.Credential{WeeklyBudget: 100, CurrentBlockCost: 1, BurnRateUSDPerHr: 5, AssignedClients: map[string]struct{}{}}
	// (5-3)*2 = 4 penalty, plus the 1.2 block penalty.
	want := 94.8
	if got := Score(over); got != want {
		t.Errorf("Score() = %v, want %v", got, want)
	}
}

func TestScore_ClampsToZero(t *testing.T) {
	t.Parallel()
	c := &gateway.Credential{
		WeeklyBudget:     100,
		WeeklyUsed:       100,
		CurrentBlockCost: 1000,
		BurnRateUSDPerHr: 1000,
		AssignedClients:  map[string]struct{}{"a": {}, "b": {}, "c": {}, "d": {}, "e": {}, "f": {}},
	}
	if got := Score(c); got != 0 {
		t.Errorf("Score() = %v, want 0", got)
	}
}

func TestScore_ZeroWeeklyBudgetSkipsWeeklyTerm(t *testing.T) {
	t.Parallel()
	// Defensive: init gate guarantees weekly_budget > 0, but Score must
	// not divide by zero if ever called on a malformed snapshot.
	c := &gateway.Credential{WeeklyBudget: 0, CurrentBlockCost: 1, AssignedClients: map[string]struct{}{}}
	// Only the 1.2 block penalty (4% share * 0.3) applies.
	if got := Score(c); got != 98.8 {
		t.Errorf("Score() = %v, want 98.8", got)
	}
}

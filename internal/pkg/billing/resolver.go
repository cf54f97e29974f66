package billing

import (
	"time"

	"github.com/ManuelReschke/RoomFox/internal/pkg/entitlements"
)

// ResolvePlan computes the single current plan from a customer's full
// entitlement history, active and expired alike.
//
// Recency of event is authoritative, not the activity flag: every entitlement
// contributes one event timestamp (last purchase/renewal when active, expiry
// when inactive) and the most recent event across the whole set decides. If
// that event belongs to an expired entitlement the result is none, even when
// an older, lower tier is still technically active - a fresh cancellation
// beats a stale grant.
//
// Ties on the exact same timestamp go to the higher-ranked tier; at equal
// rank an active entitlement wins over an inactive one. Entitlements without
// a usable timestamp are skipped. An empty set resolves to none.
func ResolvePlan(ents []Entitlement) entitlements.Plan {
	var (
		winner    *Entitlement
		winnerAt  time.Time
		winnerVal entitlements.Plan
	)

	for i := range ents {
		e := ents[i]
		at, ok := eventTime(e)
		if !ok {
			continue
		}
		if winner == nil || at.After(winnerAt) {
			winner, winnerAt, winnerVal = &ents[i], at, e.Plan()
			continue
		}
		if !at.Equal(winnerAt) {
			continue
		}
		// Equal timestamps: higher tier wins, then active beats inactive.
		candidate := e.Plan()
		if entitlements.Rank(candidate) > entitlements.Rank(winnerVal) ||
			(entitlements.Rank(candidate) == entitlements.Rank(winnerVal) && e.IsActive && !winner.IsActive) {
			winner, winnerVal = &ents[i], candidate
		}
	}

	if winner == nil || !winner.IsActive {
		return entitlements.PlanNone
	}
	return winnerVal
}

// eventTime picks the timestamp an entitlement contributes to resolution.
func eventTime(e Entitlement) (time.Time, bool) {
	if e.IsActive {
		if e.PurchasedAt != nil {
			return *e.PurchasedAt, true
		}
		if e.ExpiresAt != nil {
			return *e.ExpiresAt, true
		}
		return time.Time{}, false
	}
	if e.ExpiresAt != nil {
		return *e.ExpiresAt, true
	}
	if e.PurchasedAt != nil {
		return *e.PurchasedAt, true
	}
	return time.Time{}, false
}

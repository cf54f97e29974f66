package entitlements

import "strings"

type Plan string

const (
	PlanNone       Plan = "none"
	PlanSolo       Plan = "solo"
	PlanStarter    Plan = "starter"
	PlanTeam       Plan = "team"
	PlanStudio     Plan = "studio"
	PlanEnterprise Plan = "enterprise"
)

// AllPlans lists every known plan ordered by rank, lowest first.
var AllPlans = []Plan{PlanNone, PlanSolo, PlanStarter, PlanTeam, PlanStudio, PlanEnterprise}

// NormalizePlan maps arbitrary input to a known plan, defaulting to none.
func NormalizePlan(plan string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(plan))) {
	case PlanSolo:
		return PlanSolo
	case PlanStarter:
		return PlanStarter
	case PlanTeam:
		return PlanTeam
	case PlanStudio:
		return PlanStudio
	case PlanEnterprise:
		return PlanEnterprise
	default:
		return PlanNone
	}
}

// Rank gives the total order over plans. Higher rank means a bigger plan.
func Rank(plan Plan) int {
	switch plan {
	case PlanEnterprise:
		return 5
	case PlanStudio:
		return 4
	case PlanTeam:
		return 3
	case PlanStarter:
		return 2
	case PlanSolo:
		return 1
	default:
		return 0
	}
}

// RoomLimit returns how many rooms a plan allows to own.
func RoomLimit(plan Plan) int {
	switch plan {
	case PlanEnterprise:
		return 25
	case PlanStudio:
		return 10
	case PlanTeam:
		return 5
	case PlanStarter:
		return 2
	case PlanSolo:
		return 1
	default:
		return 0
	}
}

// DisplayName returns the user-facing plan name.
func DisplayName(plan Plan) string {
	switch plan {
	case PlanEnterprise:
		return "Enterprise"
	case PlanStudio:
		return "Studio"
	case PlanTeam:
		return "Team"
	case PlanStarter:
		return "Starter"
	case PlanSolo:
		return "Solo"
	default:
		return "Free"
	}
}

// PlanFromProductRef maps billing provider product identifiers to plans.
// Product refs follow the "roomfox_<plan>_<interval>" naming used in the
// provider dashboard; legacy refs without an interval suffix are accepted too.
func PlanFromProductRef(ref string) Plan {
	r := strings.ToLower(strings.TrimSpace(ref))
	if r == "" {
		return PlanNone
	}
	r = strings.TrimPrefix(r, "roomfox_")
	for _, suffix := range []string{"_monthly", "_yearly", "_month", "_year"} {
		r = strings.TrimSuffix(r, suffix)
	}
	return NormalizePlan(r)
}

// EffectiveRoomLimit is the limit enforced against room creation. While a
// grace period is running the limit is forced to zero no matter what the
// stored plan says.
func EffectiveRoomLimit(plan Plan, inGracePeriod bool) int {
	if inGracePeriod {
		return 0
	}
	return RoomLimit(plan)
}

package billing

import (
	"time"

	"github.com/ManuelReschke/RoomFox/internal/pkg/entitlements"
)

// Entitlement is an immutable snapshot of a provider-issued grant as returned
// by the subscriber API. It is never mutated locally.
type Entitlement struct {
	ID          string
	ProductRef  string
	IsActive    bool
	PurchasedAt *time.Time
	ExpiresAt   *time.Time
}

// Plan resolves the entitlement's product ref to an internal plan.
func (e Entitlement) Plan() entitlements.Plan {
	return entitlements.PlanFromProductRef(e.ProductRef)
}

// SubscriptionState is the engine-owned per-user view of subscription truth.
// It is mutated only through the Service and mirrored by the durable user
// record and by subscribed observers.
type SubscriptionState struct {
	CurrentPlan           entitlements.Plan
	HasActiveSubscription bool
	GracePeriodEnd        *time.Time
	IsInGracePeriod       bool
}

// SubscriptionFields is what the durable store holds about a subscription.
// Used by pull/push reconciliation against the user record.
type SubscriptionFields struct {
	Plan           entitlements.Plan
	RoomLimit      int
	GracePeriodEnd *time.Time
	InGracePeriod  bool
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	ProviderEventID string
	EventType       string
	AppUserID       string
	PayloadJSON     string
	SignatureValid  bool
}

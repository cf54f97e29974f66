package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RoomFox/internal/pkg/billing"
	"github.com/ManuelReschke/RoomFox/internal/pkg/cache"
	"github.com/ManuelReschke/RoomFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/RoomFox/internal/pkg/env"
	"github.com/ManuelReschke/RoomFox/internal/pkg/usercontext"
)

const subscriptionSnapshotTTL = 5 * time.Minute

// BillingController exposes the subscription engine over HTTP.
type BillingController struct {
	svc *billing.Service
}

func NewBillingController(svc *billing.Service) *BillingController {
	return &BillingController{svc: svc}
}

type subscriptionResponse struct {
	Plan                  string     `json:"plan"`
	PlanDisplayName       string     `json:"plan_display_name"`
	RoomLimit             int        `json:"room_limit"`
	EffectiveRoomLimit    int        `json:"effective_room_limit"`
	HasActiveSubscription bool       `json:"has_active_subscription"`
	IsInGracePeriod       bool       `json:"is_in_grace_period"`
	GracePeriodEnd        *time.Time `json:"grace_period_end,omitempty"`
}

func newSubscriptionResponse(st billing.SubscriptionState) subscriptionResponse {
	return subscriptionResponse{
		Plan:                  string(st.CurrentPlan),
		PlanDisplayName:       entitlements.DisplayName(st.CurrentPlan),
		RoomLimit:             entitlements.RoomLimit(st.CurrentPlan),
		EffectiveRoomLimit:    entitlements.EffectiveRoomLimit(st.CurrentPlan, st.IsInGracePeriod),
		HasActiveSubscription: st.HasActiveSubscription,
		IsInGracePeriod:       st.IsInGracePeriod,
		GracePeriodEnd:        st.GracePeriodEnd,
	}
}

// HandleWebhook receives provider webhook deliveries. The raw body is kept for
// signature verification; dedupe runs cache-first with the database unique
// index as the authority.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	authHeader := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	signature := strings.TrimSpace(c.Get("X-RevenueCat-Signature"))
	secret := env.GetEnv("REVENUECAT_WEBHOOK_SECRET", "")

	if !billing.VerifyWebhookAuthorization(rawBody, authHeader, signature, secret) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	event, err := billing.ParseWebhookEvent(rawBody)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	if !cache.ClaimWebhookEvent(event.EventID) {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := bc.svc.ProcessWebhookEvent(ctx, billing.WebhookEventInput{
		ProviderEventID: event.EventID,
		EventType:       event.EventType,
		AppUserID:       event.AppUserID,
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	}); err != nil {
		// Drop the dedupe claim so the provider's retry is accepted.
		cache.ReleaseWebhookEvent(event.EventID)
		log.Errorf("webhook processing failed for event %s: %v", event.EventID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// HandleRefresh re-queries the provider and applies the resolved plan.
func (bc *BillingController) HandleRefresh(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	st, err := bc.svc.Refresh(ctx, userCtx.UserID)
	if err != nil {
		var queryErr *billing.BillingQueryError
		if errors.As(err, &queryErr) {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "billing_provider_unavailable"})
		}
		log.Errorf("subscription refresh failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "refresh_failed"})
	}

	resp := newSubscriptionResponse(st)
	cacheSubscriptionSnapshot(userCtx.UserID, resp)
	return c.Status(fiber.StatusOK).JSON(resp)
}

type purchaseRequest struct {
	Plan string `json:"plan"`
}

// HandlePurchase grants the requested plan through the provider and refreshes
// local state from the authoritative entitlement set.
func (bc *BillingController) HandlePurchase(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var req purchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	plan := entitlements.NormalizePlan(req.Plan)
	if plan == entitlements.PlanNone {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_plan"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := bc.svc.Purchase(ctx, userCtx.UserID, plan)
	if err != nil {
		var downgradeErr *billing.DowngradeLimitError
		if errors.As(err, &downgradeErr) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":        "room_limit_exceeded",
				"message":      downgradeErr.Error(),
				"excess_rooms": downgradeErr.Excess(),
			})
		}
		var queryErr *billing.BillingQueryError
		if errors.As(err, &queryErr) {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "billing_provider_unavailable"})
		}
		log.Errorf("purchase failed for user %d plan %s: %v", userCtx.UserID, plan, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "purchase_failed"})
	}

	resp := newSubscriptionResponse(st)
	cacheSubscriptionSnapshot(userCtx.UserID, resp)
	return c.Status(fiber.StatusOK).JSON(resp)
}

// HandleSubscription returns the current subscription state, cache-first.
func (bc *BillingController) HandleSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	if cached, err := cache.GetSubscriptionSnapshot(userCtx.UserID); err == nil && cached != "" {
		var resp subscriptionResponse
		if err := json.Unmarshal([]byte(cached), &resp); err == nil {
			return c.Status(fiber.StatusOK).JSON(resp)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := bc.svc.Pull(ctx, userCtx.UserID)
	if err != nil {
		log.Errorf("subscription read failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscription_read_failed"})
	}

	resp := newSubscriptionResponse(st)
	cacheSubscriptionSnapshot(userCtx.UserID, resp)
	return c.Status(fiber.StatusOK).JSON(resp)
}

func cacheSubscriptionSnapshot(userID uint, resp subscriptionResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := cache.SetSubscriptionSnapshot(userID, string(payload), subscriptionSnapshotTTL); err != nil {
		log.Warnf("failed to cache subscription snapshot for user %d: %v", userID, err)
	}
}

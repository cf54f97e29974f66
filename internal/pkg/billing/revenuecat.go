package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/RoomFox/internal/pkg/env"
)

const defaultRevenueCatAPIBaseURL = "https://api.revenuecat.com/v1"

// ProviderClient is the billing source consumed by the subscription service.
// The production implementation is RevenueCatClient; tests inject fakes.
type ProviderClient interface {
	// GetCustomerEntitlements returns the customer's full entitlement set,
	// active and historical.
	GetCustomerEntitlements(ctx context.Context, appUserID string) ([]Entitlement, error)
	// GrantEntitlement starts a purchase-equivalent grant for the product.
	// The refreshed entitlement set is the source of truth afterwards.
	GrantEntitlement(ctx context.Context, appUserID, productRef string) error
}

type RevenueCatClient struct {
	APIKey     string
	APIBaseURL string

	HTTPClient *http.Client
}

func NewRevenueCatClientFromEnv() *RevenueCatClient {
	return &RevenueCatClient{
		APIKey:     strings.TrimSpace(env.GetEnv("REVENUECAT_API_KEY", "")),
		APIBaseURL: strings.TrimSpace(env.GetEnv("REVENUECAT_API_BASE_URL", defaultRevenueCatAPIBaseURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GetCustomerEntitlements queries GET /subscribers/{app_user_id} and flattens
// the subscriber's entitlement map into snapshots. Expired entitlements stay
// in the response and are returned as inactive.
func (c *RevenueCatClient) GetCustomerEntitlements(ctx context.Context, appUserID string) ([]Entitlement, error) {
	id := strings.TrimSpace(appUserID)
	if id == "" {
		return nil, errors.New("app user id is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("REVENUECAT_API_KEY is not configured")
	}

	u := strings.TrimRight(c.APIBaseURL, "/") + "/subscribers/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("subscriber request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	ents, err := parseSubscriberEntitlements(body, time.Now())
	if err != nil {
		return nil, err
	}
	return ents, nil
}

// GrantEntitlement posts a promotional entitlement grant, which the provider
// reflects back through the subscriber API and the webhook channel.
func (c *RevenueCatClient) GrantEntitlement(ctx context.Context, appUserID, productRef string) error {
	id := strings.TrimSpace(appUserID)
	ref := strings.TrimSpace(productRef)
	if id == "" || ref == "" {
		return errors.New("app user id and product ref are required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("REVENUECAT_API_KEY is not configured")
	}

	u := strings.TrimRight(c.APIBaseURL, "/") + "/subscribers/" + url.PathEscape(id) +
		"/entitlements/" + url.PathEscape(ref) + "/promotional"
	payload := strings.NewReader(`{"duration":"monthly"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("entitlement grant failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	return nil
}

// parseSubscriberEntitlements maps the raw subscriber payload onto snapshots.
// Activity is derived from expires_date relative to now: missing or future
// means active.
func parseSubscriberEntitlements(body []byte, now time.Time) ([]Entitlement, error) {
	type rawEntitlement struct {
		ExpiresDate       *string `json:"expires_date"`
		PurchaseDate      *string `json:"purchase_date"`
		ProductIdentifier string  `json:"product_identifier"`
	}
	type rawResponse struct {
		Subscriber struct {
			Entitlements map[string]rawEntitlement `json:"entitlements"`
		} `json:"subscriber"`
	}

	var raw rawResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	var out []Entitlement
	for id, e := range raw.Subscriber.Entitlements {
		ent := Entitlement{
			ID:         strings.TrimSpace(id),
			ProductRef: strings.TrimSpace(e.ProductIdentifier),
		}
		if t := parseProviderTime(e.PurchaseDate); t != nil {
			ent.PurchasedAt = t
		}
		if t := parseProviderTime(e.ExpiresDate); t != nil {
			ent.ExpiresAt = t
			ent.IsActive = t.After(now)
		} else {
			// No expiry means a non-expiring grant.
			ent.IsActive = true
		}
		out = append(out, ent)
	}
	return out, nil
}

func parseProviderTime(value *string) *time.Time {
	if value == nil {
		return nil
	}
	s := strings.TrimSpace(*value)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// WebhookEvent is the normalized shape of a provider webhook delivery.
type WebhookEvent struct {
	EventID   string
	EventType string
	AppUserID string
}

// ParseWebhookEvent extracts the event envelope from a webhook payload.
func ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	type rawPayload struct {
		Event struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			AppUserID string `json:"app_user_id"`
		} `json:"event"`
	}

	var raw rawPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	out := &WebhookEvent{
		EventID:   strings.TrimSpace(raw.Event.ID),
		EventType: strings.TrimSpace(raw.Event.Type),
		AppUserID: strings.TrimSpace(raw.Event.AppUserID),
	}
	if out.AppUserID == "" {
		return nil, errors.New("webhook payload missing app_user_id")
	}
	if out.EventType == "" {
		return nil, errors.New("webhook payload missing event type")
	}
	return out, nil
}

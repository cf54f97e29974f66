package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ManuelReschke/RoomFox/internal/pkg/env"
	"github.com/redis/go-redis/v9"
)

var (
	client *redis.Client
	ctx    = context.Background()
)

// SetupCache initializes the connection to the cache server
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	// Test the connection
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Printf("Warning: Could not connect to cache: %v", err)
	} else {
		log.Printf("Successfully connected to cache: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Set stores a value in the cache with the given key and expiration time
func Set(key string, value interface{}, expiration time.Duration) error {
	return GetClient().Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from the cache by key
func Get(key string) (string, error) {
	return GetClient().Get(ctx, key).Result()
}

// Delete removes a value from the cache by key
func Delete(key string) error {
	return GetClient().Del(ctx, key).Err()
}

// webhook dedupe keys expire after the provider's retry window has passed
const webhookDedupeTTL = 72 * time.Hour

// ClaimWebhookEvent reserves a provider event id via SETNX. It returns true
// when this process is the first to see the event. The database unique index
// stays authoritative; this just short-circuits obvious retries.
func ClaimWebhookEvent(providerEventID string) bool {
	if providerEventID == "" {
		return true
	}
	key := "billing:webhook:" + providerEventID
	ok, err := GetClient().SetNX(ctx, key, 1, webhookDedupeTTL).Result()
	if err != nil {
		// Cache down means no fast path; let the database decide.
		log.Printf("Warning: webhook dedupe cache unavailable: %v", err)
		return true
	}
	return ok
}

// ReleaseWebhookEvent drops a dedupe reservation so the provider's retry can
// be accepted after a processing failure.
func ReleaseWebhookEvent(providerEventID string) {
	if providerEventID == "" {
		return
	}
	_ = Delete("billing:webhook:" + providerEventID)
}

// SetSubscriptionSnapshot caches the serialized subscription state for a user
func SetSubscriptionSnapshot(userID uint, payload string, expiration time.Duration) error {
	return Set(fmt.Sprintf("billing:subscription:%d", userID), payload, expiration)
}

// GetSubscriptionSnapshot returns the cached subscription state for a user
func GetSubscriptionSnapshot(userID uint) (string, error) {
	return Get(fmt.Sprintf("billing:subscription:%d", userID))
}

// InvalidateSubscriptionSnapshot removes the cached subscription state
func InvalidateSubscriptionSnapshot(userID uint) {
	_ = Delete(fmt.Sprintf("billing:subscription:%d", userID))
}

package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RoomFox/app/models"
	"github.com/ManuelReschke/RoomFox/internal/pkg/entitlements"
)

// DefaultGracePeriod is how long owned rooms survive a cancellation before
// forced cleanup.
const DefaultGracePeriod = 14 * 24 * time.Hour

// DefaultSweepInterval is the fallback cadence for re-arming persisted grace
// deadlines.
const DefaultSweepInterval = 5 * time.Minute

// RoomDeleter is the collaborator invoked during grace-period cleanup.
type RoomDeleter interface {
	DeleteRoom(ctx context.Context, room models.Room) error
}

// Service is the entitlement reconciliation engine. It serializes all
// subscription mutations per user: provider webhooks, manual refreshes,
// purchases and grace-period timer fires all funnel through the same per-user
// lock, so resolution plus transition is atomic from an observer's point of
// view.
//
// Durable writes are fire-and-forget. Observers see the in-memory transition
// immediately; a failed write surfaces as an error event and the store
// catches up on the next transition.
type Service struct {
	provider ProviderClient
	repo     Repository
	rooms    RoomDeleter
	events   *Events
	grace    *GraceScheduler

	gracePeriod   time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu        sync.Mutex
	userLocks map[uint]*sync.Mutex
	state     map[uint]*SubscriptionState

	persistWG sync.WaitGroup
}

// Option tweaks service construction, mostly for tests.
type Option func(*Service)

// WithClock injects a deterministic time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithGracePeriod overrides the 14-day default.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Service) { s.gracePeriod = d }
}

// WithSweepInterval overrides the grace sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) { s.sweepInterval = d }
}

// NewService wires the engine. The service is scoped to the application
// lifetime and injected where needed; there is no shared global instance.
func NewService(provider ProviderClient, repo Repository, rooms RoomDeleter, events *Events, opts ...Option) *Service {
	s := &Service{
		provider:      provider,
		repo:          repo,
		rooms:         rooms,
		events:        events,
		gracePeriod:   DefaultGracePeriod,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		userLocks:     make(map[uint]*sync.Mutex),
		state:         make(map[uint]*SubscriptionState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.grace = NewGraceScheduler(s.handleGraceExpiry)
	s.grace.now = s.now
	return s
}

// Events exposes the observer channel.
func (s *Service) Events() *Events { return s.events }

// Scheduler exposes the grace scheduler, mainly for introspection in tests
// and admin endpoints.
func (s *Service) Scheduler() *GraceScheduler { return s.grace }

// Start arms persisted grace deadlines and begins the periodic sweep.
func (s *Service) Start() {
	s.grace.Start(s.sweepPersistedDeadlines, s.sweepInterval)
}

// Stop tears the engine down: sweep worker, pending timers, in-flight writes.
func (s *Service) Stop() {
	s.grace.Stop()
	s.persistWG.Wait()
}

// userLock returns the per-user serialization point.
func (s *Service) userLock(userID uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

// stateLocked returns the user's in-memory state, seeding it from the durable
// store on first touch so transition classification survives restarts.
// Callers must hold the user lock.
func (s *Service) stateLocked(userID uint) *SubscriptionState {
	s.mu.Lock()
	st, ok := s.state[userID]
	s.mu.Unlock()
	if ok {
		return st
	}

	st = &SubscriptionState{CurrentPlan: entitlements.PlanNone}
	if fields, err := s.repo.GetSubscriptionFields(userID); err == nil {
		st.CurrentPlan = fields.Plan
		st.HasActiveSubscription = fields.Plan != entitlements.PlanNone
		st.GracePeriodEnd = fields.GracePeriodEnd
		st.IsInGracePeriod = fields.InGracePeriod
	} else if !errors.Is(err, context.Canceled) {
		log.Warnf("[Billing] user=%d seeding state from store failed: %v", userID, err)
	}

	s.mu.Lock()
	s.state[userID] = st
	s.mu.Unlock()
	return st
}

// State returns a copy of the user's current subscription state.
func (s *Service) State(userID uint) SubscriptionState {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return *s.stateLocked(userID)
}

// Refresh fetches the customer's entitlement set from the billing provider,
// resolves the current plan and applies the transition. A provider failure
// leaves in-memory state untouched; the next webhook or manual check retries.
func (s *Service) Refresh(ctx context.Context, userID uint) (SubscriptionState, error) {
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		return SubscriptionState{}, err
	}

	ents, err := s.provider.GetCustomerEntitlements(ctx, user.BillingAppUserID)
	if err != nil {
		qerr := &BillingQueryError{AppUserID: user.BillingAppUserID, Err: err}
		log.Errorf("[Billing] %v", qerr)
		return s.State(userID), qerr
	}

	return s.ApplyResolvedPlan(ctx, userID, ResolvePlan(ents)), nil
}

// ApplyResolvedPlan runs the transition for an already-resolved plan.
// Calling it again with an unchanged plan on converged state is a no-op: no
// events, no timers, no writes.
func (s *Service) ApplyResolvedPlan(ctx context.Context, userID uint, plan entitlements.Plan) SubscriptionState {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	st := s.stateLocked(userID)
	if st.CurrentPlan == plan {
		return *st
	}

	wasActive := st.HasActiveSubscription
	st.CurrentPlan = plan
	st.HasActiveSubscription = plan != entitlements.PlanNone
	limit := entitlements.RoomLimit(plan)

	switch {
	case wasActive && !st.HasActiveSubscription:
		// Cancellation: start the grace window and schedule the cleanup check.
		deadline := s.now().Add(s.gracePeriod)
		st.GracePeriodEnd = &deadline
		st.IsInGracePeriod = true
		s.grace.Schedule(userID, deadline)

		owned := s.ownedRoomCount(userID)
		log.Infof("[Billing] user=%d cancelled, grace period until %s (%d rooms preserved)", userID, deadline.Format(time.RFC3339), owned)
		s.events.Publish(Event{
			Type:           EventCancelled,
			UserID:         userID,
			Plan:           plan,
			RoomLimit:      limit,
			GracePeriodEnd: &deadline,
			OwnedRooms:     owned,
		})
		s.persistAsync(userID, SubscriptionFields{
			Plan:           plan,
			RoomLimit:      limit,
			GracePeriodEnd: &deadline,
			InGracePeriod:  true,
		})

	case !wasActive && st.HasActiveSubscription:
		// Reactivation: clear the grace window. A timer that already fired
		// off-schedule no-ops on its own recheck.
		st.GracePeriodEnd = nil
		st.IsInGracePeriod = false
		s.grace.Cancel(userID)

		log.Infof("[Billing] user=%d reactivated on plan %s", userID, plan)
		s.events.Publish(Event{
			Type:       EventReactivated,
			UserID:     userID,
			Plan:       plan,
			RoomLimit:  limit,
			OwnedRooms: s.ownedRoomCount(userID),
		})
		s.persistAsync(userID, SubscriptionFields{
			Plan:      plan,
			RoomLimit: limit,
		})

	default:
		// Upgrade/downgrade between active plans, or the very first sync.
		s.events.Publish(Event{
			Type:       EventUpdated,
			UserID:     userID,
			Plan:       plan,
			RoomLimit:  limit,
			OwnedRooms: s.ownedRoomCount(userID),
		})
		s.persistAsync(userID, SubscriptionFields{
			Plan:           plan,
			RoomLimit:      limit,
			GracePeriodEnd: st.GracePeriodEnd,
			InGracePeriod:  st.IsInGracePeriod,
		})
	}

	return *st
}

// Purchase guards downgrades before any mutation, then asks the provider for
// the grant and reconciles from the refreshed entitlement set.
func (s *Service) Purchase(ctx context.Context, userID uint, plan entitlements.Plan) (SubscriptionState, error) {
	limit := entitlements.RoomLimit(plan)
	owned, err := s.repo.CountOwnedRooms(userID)
	if err != nil {
		return s.State(userID), err
	}
	if int(owned) > limit {
		return s.State(userID), &DowngradeLimitError{OwnedRooms: int(owned), NewLimit: limit}
	}

	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		return s.State(userID), err
	}
	productRef := "roomfox_" + string(plan) + "_monthly"
	if err := s.provider.GrantEntitlement(ctx, user.BillingAppUserID, productRef); err != nil {
		return s.State(userID), &BillingQueryError{AppUserID: user.BillingAppUserID, Err: err}
	}

	return s.Refresh(ctx, userID)
}

// Pull reconciles from the durable store at app-foreground or manual refresh.
// It only seeds state that does not exist in memory yet; billing-derived
// state always wins over the stored mirror.
func (s *Service) Pull(ctx context.Context, userID uint) (SubscriptionState, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	st, known := s.state[userID]
	s.mu.Unlock()
	if known {
		return *st, nil
	}

	st = s.stateLocked(userID)
	if st.IsInGracePeriod && st.GracePeriodEnd != nil {
		s.grace.Schedule(userID, *st.GracePeriodEnd)
	}
	s.events.Publish(Event{
		Type:       EventUpdated,
		UserID:     userID,
		Plan:       st.CurrentPlan,
		RoomLimit:  entitlements.RoomLimit(st.CurrentPlan),
		OwnedRooms: s.ownedRoomCount(userID),
	})
	return *st, nil
}

// ProcessWebhookEvent handles a verified provider delivery. The payload is
// only a trigger: delegate ordering is not guaranteed, so the full entitlement
// set is refetched instead of trusting the event body.
func (s *Service) ProcessWebhookEvent(ctx context.Context, in WebhookEventInput) error {
	stored := &models.BillingWebhookEvent{
		ProviderEventID: in.ProviderEventID,
		EventType:       in.EventType,
		AppUserID:       in.AppUserID,
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	created, stored, err := s.repo.CreateWebhookEventIfNotExists(stored)
	if err != nil {
		return err
	}
	if !created {
		log.Debugf("[Billing] webhook %s already processed, skipping", in.ProviderEventID)
		return nil
	}

	user, err := s.repo.GetUserByAppUserID(in.AppUserID)
	if err != nil {
		// Unknown customer: acknowledge to stop redeliveries.
		_ = s.repo.MarkWebhookProcessed(stored.ID, "unknown app user id")
		log.Warnf("[Billing] webhook %s for unknown app user %s", in.ProviderEventID, in.AppUserID)
		return nil
	}

	_, err = s.Refresh(ctx, user.ID)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if markErr := s.repo.MarkWebhookProcessed(stored.ID, errMsg); markErr != nil {
		log.Errorf("[Billing] marking webhook %s processed failed: %v", in.ProviderEventID, markErr)
	}
	return err
}

// Reset tears down per-user engine state on sign-out or account deletion.
func (s *Service) Reset(userID uint) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	s.grace.Cancel(userID)
	s.mu.Lock()
	delete(s.state, userID)
	s.mu.Unlock()
	log.Infof("[Billing] user=%d engine state reset", userID)
}

// handleGraceExpiry is the timer-fire path. It re-enters the per-user lock
// and re-checks entitlement state; a resubscription that beat the timer turns
// the fire into a no-op.
func (s *Service) handleGraceExpiry(userID uint) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	st := s.stateLocked(userID)
	if st.HasActiveSubscription {
		log.Infof("[Billing] user=%d grace check fired but subscription is active, nothing to do", userID)
		return
	}
	if !st.IsInGracePeriod {
		return
	}

	ctx := context.Background()
	rooms, err := s.repo.ListOwnedRooms(userID)
	if err != nil {
		log.Errorf("[Billing] user=%d listing rooms at grace expiry failed: %v", userID, err)
		rooms = nil
	}

	// Best-effort cleanup: one failed room never blocks the rest, and the
	// final reset happens regardless.
	deleted := 0
	for _, room := range rooms {
		if err := s.rooms.DeleteRoom(ctx, room); err != nil {
			rderr := &RoomDeletionError{RoomID: room.UUID, Err: err}
			log.Errorf("[Billing] user=%d %v", userID, rderr)
			continue
		}
		deleted++
	}
	log.Infof("[Billing] user=%d grace period expired: %d/%d rooms deleted", userID, deleted, len(rooms))

	st.CurrentPlan = entitlements.PlanNone
	st.HasActiveSubscription = false
	st.GracePeriodEnd = nil
	st.IsInGracePeriod = false

	s.events.Publish(Event{
		Type:       EventUpdated,
		UserID:     userID,
		Plan:       entitlements.PlanNone,
		RoomLimit:  0,
		OwnedRooms: 0,
	})

	if err := s.repo.ResetAfterGraceExpiry(userID); err != nil {
		perr := &PersistenceWriteError{UserID: userID, Err: err}
		log.Errorf("[Billing] %v", perr)
		s.events.Publish(Event{Type: EventError, UserID: userID, Message: perr.Error()})
	}
}

// sweepPersistedDeadlines re-arms timers from the durable store. Deadlines
// that passed while the process was down fire through the same recheck path.
func (s *Service) sweepPersistedDeadlines() {
	users, err := s.repo.ListUsersInGracePeriod()
	if err != nil {
		log.Errorf("[Billing] grace sweep failed: %v", err)
		return
	}
	for _, u := range users {
		if u.GracePeriodEnd == nil {
			continue
		}
		if s.grace.Pending(u.ID) {
			continue
		}
		s.grace.Schedule(u.ID, *u.GracePeriodEnd)
	}
}

func (s *Service) ownedRoomCount(userID uint) int {
	count, err := s.repo.CountOwnedRooms(userID)
	if err != nil {
		log.Warnf("[Billing] user=%d counting rooms failed: %v", userID, err)
		return 0
	}
	return int(count)
}

// persistAsync mirrors the transition to the durable store without blocking
// the caller. Failures surface as error events; in-memory state already
// reflects billing truth and is not rolled back.
func (s *Service) persistAsync(userID uint, fields SubscriptionFields) {
	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()
		if err := s.repo.SaveSubscriptionFields(userID, fields); err != nil {
			perr := &PersistenceWriteError{UserID: userID, Err: err}
			log.Errorf("[Billing] %v", perr)
			s.events.Publish(Event{Type: EventError, UserID: userID, Message: perr.Error()})
		}
	}()
}

// WaitForPersistence blocks until all fire-and-forget writes finished.
// Used by tests and by graceful shutdown.
func (s *Service) WaitForPersistence() {
	s.persistWG.Wait()
}

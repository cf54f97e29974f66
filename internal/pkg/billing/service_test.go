package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/RoomFox/app/models"
	"github.com/ManuelReschke/RoomFox/internal/pkg/entitlements"
)

type fakeRepo struct {
	mu       sync.Mutex
	users    map[uint]*models.User
	rooms    map[uint][]models.Room
	webhooks map[string]*models.BillingWebhookEvent
	failSave bool
	saves    int
	nextID   uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:    make(map[uint]*models.User),
		rooms:    make(map[uint][]models.Room),
		webhooks: make(map[string]*models.BillingWebhookEvent),
	}
}

func (r *fakeRepo) addUser(u *models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

func (r *fakeRepo) addRoom(ownerID uint, uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.rooms[ownerID] = append(r.rooms[ownerID], models.Room{ID: r.nextID, UUID: uuid, Name: uuid, OwnerID: ownerID})
}

func (r *fakeRepo) GetUserByID(userID uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d not found", userID)
	}
	cp := *u
	return &cp, nil
}

func (r *fakeRepo) GetUserByAppUserID(appUserID string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.BillingAppUserID == appUserID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("app user %s not found", appUserID)
}

func (r *fakeRepo) GetSubscriptionFields(userID uint) (*SubscriptionFields, error) {
	u, err := r.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	return &SubscriptionFields{
		Plan:           u.Plan(),
		RoomLimit:      u.RoomLimit,
		GracePeriodEnd: u.GracePeriodEnd,
		InGracePeriod:  u.IsInGracePeriod,
	}, nil
}

func (r *fakeRepo) SaveSubscriptionFields(userID uint, fields SubscriptionFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave {
		return errors.New("store unavailable")
	}
	u, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("user %d not found", userID)
	}
	u.SubscriptionPlan = string(fields.Plan)
	u.RoomLimit = fields.RoomLimit
	u.GracePeriodEnd = fields.GracePeriodEnd
	u.IsInGracePeriod = fields.InGracePeriod
	r.saves++
	return nil
}

func (r *fakeRepo) ListOwnedRooms(userID uint) ([]models.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Room(nil), r.rooms[userID]...), nil
}

func (r *fakeRepo) CountOwnedRooms(userID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.rooms[userID])), nil
}

func (r *fakeRepo) ResetAfterGraceExpiry(userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, userID)
	u, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("user %d not found", userID)
	}
	u.SubscriptionPlan = string(entitlements.PlanNone)
	u.RoomLimit = 0
	u.GracePeriodEnd = nil
	u.IsInGracePeriod = false
	return nil
}

func (r *fakeRepo) ListUsersInGracePeriod() ([]models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.User
	for _, u := range r.users {
		if u.IsInGracePeriod && u.GracePeriodEnd != nil {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.webhooks[event.ProviderEventID]; ok {
		return false, existing, nil
	}
	r.nextID++
	event.ID = r.nextID
	r.webhooks[event.ProviderEventID] = event
	return true, event, nil
}

func (r *fakeRepo) MarkWebhookProcessed(id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, ev := range r.webhooks {
		if ev.ID == id {
			ev.ProcessedAt = &now
			ev.ProcessingError = processingError
		}
	}
	return nil
}

type fakeProvider struct {
	mu     sync.Mutex
	ents   map[string][]Entitlement
	err    error
	grants []string
	calls  int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{ents: make(map[string][]Entitlement)}
}

func (p *fakeProvider) GetCustomerEntitlements(ctx context.Context, appUserID string) ([]Entitlement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.ents[appUserID], nil
}

func (p *fakeProvider) GrantEntitlement(ctx context.Context, appUserID, productRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.grants = append(p.grants, appUserID+":"+productRef)
	return nil
}

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
	failFor map[string]error
}

func newFakeDeleter() *fakeDeleter {
	return &fakeDeleter{failFor: make(map[string]error)}
}

func (d *fakeDeleter) DeleteRoom(ctx context.Context, room models.Room) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failFor[room.UUID]; ok {
		return err
	}
	d.deleted = append(d.deleted, room.UUID)
	return nil
}

func (d *fakeDeleter) attempts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.deleted...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (rec *eventRecorder) record(e Event) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.events = append(rec.events, e)
}

func (rec *eventRecorder) all() []Event {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Event(nil), rec.events...)
}

func (rec *eventRecorder) ofType(t EventType) []Event {
	var out []Event
	for _, e := range rec.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	svc      *Service
	repo     *fakeRepo
	provider *fakeProvider
	deleter  *fakeDeleter
	rec      *eventRecorder
	now      time.Time
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:     newFakeRepo(),
		provider: newFakeProvider(),
		deleter:  newFakeDeleter(),
		rec:      &eventRecorder{},
		now:      time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	events := NewEvents()
	events.Subscribe(env.rec.record)
	opts = append([]Option{WithClock(func() time.Time { return env.now })}, opts...)
	env.svc = NewService(env.provider, env.repo, env.deleter, events, opts...)
	t.Cleanup(env.svc.Stop)
	return env
}

func (env *testEnv) addSubscriber(userID uint, appUserID string, plan entitlements.Plan) {
	env.repo.addUser(&models.User{
		ID:               userID,
		Name:             "tester",
		Email:            "tester@roomfox.dev",
		BillingAppUserID: appUserID,
		SubscriptionPlan: string(plan),
		RoomLimit:        entitlements.RoomLimit(plan),
	})
}

func TestRefresh_AppliesResolvedPlan(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanNone)
	purchased := env.now.Add(-time.Hour)
	env.provider.ents["app_1"] = []Entitlement{
		{ID: "team", ProductRef: "roomfox_team_monthly", IsActive: true, PurchasedAt: &purchased},
	}

	st, err := env.svc.Refresh(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanTeam, st.CurrentPlan)
	assert.True(t, st.HasActiveSubscription)
	assert.False(t, st.IsInGracePeriod)

	env.svc.WaitForPersistence()
	u, _ := env.repo.GetUserByID(1)
	assert.Equal(t, "team", u.SubscriptionPlan)
	assert.Equal(t, 5, u.RoomLimit)
}

func TestRefresh_ProviderFailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanTeam)
	env.provider.err = errors.New("provider down")

	st, err := env.svc.Refresh(context.Background(), 1)
	var qerr *BillingQueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, entitlements.PlanTeam, st.CurrentPlan)
	assert.Empty(t, env.rec.all(), "a failed query must not emit events")
}

func TestApplyResolvedPlan_CancellationStartsGracePeriod(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanStarter)
	env.repo.addRoom(1, "room-a")
	env.repo.addRoom(1, "room-b")

	st := env.svc.ApplyResolvedPlan(context.Background(), 1, entitlements.PlanNone)

	assert.Equal(t, entitlements.PlanNone, st.CurrentPlan)
	assert.False(t, st.HasActiveSubscription)
	assert.True(t, st.IsInGracePeriod)
	require.NotNil(t, st.GracePeriodEnd)
	assert.Equal(t, env.now.Add(14*24*time.Hour), *st.GracePeriodEnd)
	assert.True(t, env.svc.Scheduler().Pending(1), "a grace timer must be armed")

	cancelled := env.rec.ofType(EventCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, 2, cancelled[0].OwnedRooms)
	require.NotNil(t, cancelled[0].GracePeriodEnd)

	// Rooms survive the cancellation itself.
	roomsLeft, _ := env.repo.ListOwnedRooms(1)
	assert.Len(t, roomsLeft, 2)

	env.svc.WaitForPersistence()
	u, _ := env.repo.GetUserByID(1)
	assert.True(t, u.IsInGracePeriod)
	require.NotNil(t, u.GracePeriodEnd)
}

func TestApplyResolvedPlan_ConvergedCallIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanStarter)

	env.svc.ApplyResolvedPlan(context.Background(), 1, entitlements.PlanNone)
	env.svc.ApplyResolvedPlan(context.Background(), 1, entitlements.PlanNone)

	assert.Len(t, env.rec.ofType(EventCancelled), 1, "converged re-apply must not emit a second lifecycle event")
	env.svc.WaitForPersistence()
	env.repo.mu.Lock()
	saves := env.repo.saves
	env.repo.mu.Unlock()
	assert.Equal(t, 1, saves, "converged re-apply must not write again")
}

func TestApplyResolvedPlan_ReactivationClearsGrace(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanStarter)
	env.repo.addRoom(1, "room-a")

	env.svc.ApplyResolvedPlan(context.Background(), 1, entitlements.PlanNone)
	require.True(t, env.svc.Scheduler().Pending(1))

	// Resubscribe mid-grace, to a smaller plan than before.
	st := env.svc.ApplyResolvedPlan(context.Background(), 1, entitlements.PlanSolo)
	assert.Equal(t, entitlements.PlanSolo, st.CurrentPlan)
	assert.True(t, st.HasActiveSubscription)
	assert.False(t, st.IsInGracePeriod)
	assert.Nil(t, st.GracePeriodEnd)
	assert.False(t, env.svc.Scheduler().Pending(1), "reactivation must cancel the pending timer")
	require.Len(t, env.rec.ofType(EventReactivated), 1)

	// Even if the original timer had fired, the recheck would find an active
	// subscription and do nothing.
	env.svc.handleGraceExpiry(1)
	roomsLeft, _ := env.repo.ListOwnedRooms(1)
	assert.Len(t, roomsLeft, 1, "no rooms may be deleted after reactivation")
	assert.Empty(t, env.deleter.attempts())
}

func TestHandleGraceExpiry_DeletesAllRoomsBestEffort(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanStarter)
	env.repo.addRoom(1, "room-a")
	env.repo.addRoom(1, "room-b")
	env.deleter.failFor["room-a"] = errors.New("backend hiccup")

	env.svc.ApplyResolvedPlan(context.Background(), 1, entitlements.PlanNone)
	env.svc.WaitForPersistence()
	env.svc.handleGraceExpiry(1)

	// room-a failed but room-b was still attempted and the reset happened.
	assert.Equal(t, []string{"room-b"}, env.deleter.attempts())
	st := env.svc.State(1)
	assert.Equal(t, entitlements.PlanNone, st.CurrentPlan)
	assert.False(t, st.IsInGracePeriod)
	assert.Nil(t, st.GracePeriodEnd)

	u, _ := env.repo.GetUserByID(1)
	assert.Equal(t, "none", u.SubscriptionPlan)
	assert.Equal(t, 0, u.RoomLimit)
	assert.False(t, u.IsInGracePeriod)
	roomsLeft, _ := env.repo.ListOwnedRooms(1)
	assert.Empty(t, roomsLeft)
}

func TestHandleGraceExpiry_NoOpWhenResubscribed(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanTeam)
	env.repo.addRoom(1, "room-a")

	env.svc.handleGraceExpiry(1)

	assert.Empty(t, env.deleter.attempts())
	roomsLeft, _ := env.repo.ListOwnedRooms(1)
	assert.Len(t, roomsLeft, 1)
}

func TestPurchase_DowngradeGuardNamesExcessCount(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanTeam)
	env.repo.addRoom(1, "room-a")
	env.repo.addRoom(1, "room-b")
	env.repo.addRoom(1, "room-c")

	_, err := env.svc.Purchase(context.Background(), 1, entitlements.PlanStarter)
	var derr *DowngradeLimitError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 1, derr.Excess())
	assert.Contains(t, err.Error(), "delete 1 room")

	// Guard fires before any provider call or mutation.
	assert.Empty(t, env.provider.grants)
	st := env.svc.State(1)
	assert.Equal(t, entitlements.PlanTeam, st.CurrentPlan)
}

func TestPurchase_GrantsAndRefreshes(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanNone)
	purchased := env.now.Add(-time.Minute)
	env.provider.ents["app_1"] = []Entitlement{
		{ID: "solo", ProductRef: "roomfox_solo_monthly", IsActive: true, PurchasedAt: &purchased},
	}

	st, err := env.svc.Purchase(context.Background(), 1, entitlements.PlanSolo)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanSolo, st.CurrentPlan)
	require.Len(t, env.provider.grants, 1)
	assert.Equal(t, "app_1:roomfox_solo_monthly", env.provider.grants[0])
}

func TestPersistenceFailure_EmitsErrorEventKeepsMemoryState(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanNone)
	env.repo.failSave = true

	st := env.svc.ApplyResolvedPlan(context.Background(), 1, entitlements.PlanTeam)
	env.svc.WaitForPersistence()

	// In-memory state reflects billing truth despite the failed write.
	assert.Equal(t, entitlements.PlanTeam, st.CurrentPlan)
	assert.Equal(t, entitlements.PlanTeam, env.svc.State(1).CurrentPlan)

	errs := env.rec.ofType(EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "persisting subscription")

	// Observers saw the update before (and regardless of) the write result.
	require.Len(t, env.rec.ofType(EventUpdated), 1)
}

func TestPull_SeedsFromStoreButNeverOverridesBillingState(t *testing.T) {
	env := newTestEnv(t)
	deadline := env.now.Add(48 * time.Hour)
	env.repo.addUser(&models.User{
		ID:               1,
		BillingAppUserID: "app_1",
		SubscriptionPlan: "none",
		IsInGracePeriod:  true,
		GracePeriodEnd:   &deadline,
	})

	st, err := env.svc.Pull(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, st.IsInGracePeriod)
	assert.True(t, env.svc.Scheduler().Pending(1), "pull must re-arm a persisted grace deadline")

	// A fresher billing-driven transition wins; a later pull returns it
	// unchanged instead of re-reading the store.
	env.svc.ApplyResolvedPlan(context.Background(), 1, entitlements.PlanStudio)
	st, err = env.svc.Pull(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanStudio, st.CurrentPlan)
	assert.False(t, st.IsInGracePeriod)
}

func TestStoreRoundTrip_PushThenPull(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanNone)

	pushed := SubscriptionFields{Plan: entitlements.PlanStudio, RoomLimit: 10}
	require.NoError(t, env.repo.SaveSubscriptionFields(1, pushed))

	pulled, err := env.repo.GetSubscriptionFields(1)
	require.NoError(t, err)
	assert.Equal(t, pushed.Plan, pulled.Plan)
	assert.Equal(t, pushed.RoomLimit, pulled.RoomLimit)
}

func TestProcessWebhookEvent_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanNone)
	purchased := env.now.Add(-time.Minute)
	env.provider.ents["app_1"] = []Entitlement{
		{ID: "team", ProductRef: "roomfox_team_monthly", IsActive: true, PurchasedAt: &purchased},
	}

	in := WebhookEventInput{
		ProviderEventID: "evt_1",
		EventType:       "INITIAL_PURCHASE",
		AppUserID:       "app_1",
		PayloadJSON:     "{}",
		SignatureValid:  true,
	}
	require.NoError(t, env.svc.ProcessWebhookEvent(context.Background(), in))
	require.NoError(t, env.svc.ProcessWebhookEvent(context.Background(), in))

	env.provider.mu.Lock()
	calls := env.provider.calls
	env.provider.mu.Unlock()
	assert.Equal(t, 1, calls, "a redelivered webhook must not trigger a second provider query")
}

func TestProcessWebhookEvent_UnknownUserIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.ProcessWebhookEvent(context.Background(), WebhookEventInput{
		ProviderEventID: "evt_2",
		EventType:       "CANCELLATION",
		AppUserID:       "ghost",
	})
	require.NoError(t, err)
}

func TestSweep_RearmsPersistedDeadlines(t *testing.T) {
	env := newTestEnv(t)
	deadline := env.now.Add(24 * time.Hour)
	env.repo.addUser(&models.User{
		ID:               7,
		BillingAppUserID: "app_7",
		SubscriptionPlan: "none",
		IsInGracePeriod:  true,
		GracePeriodEnd:   &deadline,
	})

	env.svc.sweepPersistedDeadlines()
	assert.True(t, env.svc.Scheduler().Pending(7))

	// A second sweep keeps the single existing timer instead of replacing it.
	env.svc.sweepPersistedDeadlines()
	assert.True(t, env.svc.Scheduler().Pending(7))
}

func TestReset_TearsDownTimerAndState(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanStarter)
	env.svc.ApplyResolvedPlan(context.Background(), 1, entitlements.PlanNone)
	require.True(t, env.svc.Scheduler().Pending(1))

	env.svc.Reset(1)
	assert.False(t, env.svc.Scheduler().Pending(1))
}

func TestConcurrentCallbacksAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	env.addSubscriber(1, "app_1", entitlements.PlanNone)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plan := entitlements.PlanTeam
			if i%2 == 0 {
				plan = entitlements.PlanStudio
			}
			env.svc.ApplyResolvedPlan(context.Background(), 1, plan)
		}(i)
	}
	wg.Wait()
	env.svc.WaitForPersistence()

	// Whatever interleaving happened, the final state is one of the two
	// plans and every observer event carried a consistent plan/limit pair.
	st := env.svc.State(1)
	assert.Contains(t, []entitlements.Plan{entitlements.PlanTeam, entitlements.PlanStudio}, st.CurrentPlan)
	for _, e := range env.rec.ofType(EventUpdated) {
		assert.Equal(t, entitlements.RoomLimit(e.Plan), e.RoomLimit)
	}
}

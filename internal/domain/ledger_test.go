package domain

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLedger(store *fakeBalanceStore, history *fakeHistoryStore, cache *fakeCache, opts ...LedgerOption) *Ledger {
	opts = append(opts, WithLedgerLogger(log.New(io.Discard, "", 0)))
	return NewLedger(store, history, cache, &fakeCatalog{}, opts...)
}

func TestApplyDeltaRunningTotals(t *testing.T) {
	ctx := context.Background()
	store := newFakeBalanceStore()
	history := &fakeHistoryStore{}
	cache := newFakeCache()
	ledger := newTestLedger(store, history, cache)

	deltas := []int64{250, -80, 0, 1000, -350}
	var sum int64
	for _, delta := range deltas {
		result, err := ledger.ApplyDelta(ctx, "user-1", delta, "test")
		require.NoError(t, err)
		sum += delta
		require.Equal(t, sum, result.NewTotal)
		require.False(t, result.Degraded())
	}

	require.Len(t, history.records, len(deltas))
	var running int64
	for i, record := range history.records {
		running += deltas[i]
		require.Equal(t, deltas[i], record.PointsAdded)
		require.Equal(t, running, record.HeaderTotal)
		require.NotEmpty(t, record.RecordID)
	}

	total, err := ledger.LoadBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, sum, total)
	require.Equal(t, sum, store.accounts["user-1"].CurrentTotal)
}

func TestApplyDeltaRequiresSession(t *testing.T) {
	ledger := newTestLedger(newFakeBalanceStore(), &fakeHistoryStore{}, newFakeCache())

	_, err := ledger.ApplyDelta(context.Background(), "", 10, "no user")
	require.ErrorIs(t, err, ErrNoActiveSession)

	_, err = ledger.ApplyDelta(context.Background(), "   ", 10, "blank user")
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestApplyDeltaRejectsOverlappingMutation(t *testing.T) {
	ctx := context.Background()
	store := newFakeBalanceStore()
	store.updateEntered = make(chan struct{})
	store.updateRelease = make(chan struct{})
	history := &fakeHistoryStore{}
	ledger := newTestLedger(store, history, newFakeCache())

	var wg sync.WaitGroup
	wg.Add(1)
	var firstResult *ApplyResult
	var firstErr error
	go func() {
		defer wg.Done()
		firstResult, firstErr = ledger.ApplyDelta(ctx, "user-1", 100, "first")
	}()

	<-store.updateEntered

	_, err := ledger.ApplyDelta(ctx, "user-1", 100, "second")
	require.ErrorIs(t, err, ErrSessionBusy)

	close(store.updateRelease)
	wg.Wait()

	require.NoError(t, firstErr)
	require.Equal(t, int64(100), firstResult.NewTotal)
	require.Len(t, history.records, 1)
}

func TestApplyDeltaSurvivesDurableWriteFailure(t *testing.T) {
	ctx := context.Background()
	store := newFakeBalanceStore()
	store.updateErr = errors.New("store unreachable")
	history := &fakeHistoryStore{}
	cache := newFakeCache()
	ledger := newTestLedger(store, history, cache)

	result, err := ledger.ApplyDelta(ctx, "user-1", 300, "earn")
	require.NoError(t, err)
	require.Error(t, result.PersistenceErr)
	require.NoError(t, result.AuditErr)
	require.Equal(t, int64(300), result.NewTotal)

	// Read-your-write: the balance is immediately visible despite the failure.
	total, err := ledger.LoadBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(300), total)

	// And it reached the cache, so a fresh process falls back correctly.
	cached, ok := cache.values["user-1"]
	require.True(t, ok)
	require.Equal(t, int64(300), cached)

	// History still carries the record.
	require.Len(t, history.records, 1)
}

func TestApplyDeltaKeepsBalanceWhenAuditFails(t *testing.T) {
	ctx := context.Background()
	store := newFakeBalanceStore()
	history := &fakeHistoryStore{appendErr: errors.New("history down")}
	notifier := &captureNotifier{}
	ledger := newTestLedger(store, history, newFakeCache(), WithFeedNotifier(notifier))

	result, err := ledger.ApplyDelta(ctx, "user-1", 120, "earn")
	require.NoError(t, err)
	require.Error(t, result.AuditErr)
	require.Equal(t, int64(120), result.NewTotal)
	require.Equal(t, int64(120), store.accounts["user-1"].CurrentTotal)

	// No record, no feed delivery for the failed append.
	require.Empty(t, history.records)
	require.Empty(t, notifier.published)

	// The result still reports the applied delta; only the durable record ID
	// is withheld, since no audit row exists.
	require.Equal(t, int64(120), result.Record.PointsAdded)
	require.Equal(t, int64(120), result.Record.HeaderTotal)
	require.Empty(t, result.Record.RecordID)
}

func TestResetToTargetIsASingleDelta(t *testing.T) {
	ctx := context.Background()
	store := newFakeBalanceStore()
	history := &fakeHistoryStore{}
	ledger := newTestLedger(store, history, newFakeCache())

	_, err := ledger.ApplyDelta(ctx, "user-1", 750, "seed")
	require.NoError(t, err)

	result, err := ledger.ResetToTarget(ctx, "user-1", 200, "reset")
	require.NoError(t, err)
	require.Equal(t, int64(200), result.NewTotal)

	require.Len(t, history.records, 2)
	require.Equal(t, int64(-550), history.records[1].PointsAdded)
	require.Equal(t, int64(200), history.records[1].HeaderTotal)
}

func TestResetRejectsOverlappingMutation(t *testing.T) {
	ctx := context.Background()
	store := newFakeBalanceStore()
	store.getEntered = make(chan struct{})
	store.getRelease = make(chan struct{})
	history := &fakeHistoryStore{}
	ledger := newTestLedger(store, history, newFakeCache())

	// The reset holds the guard while it reads the current total, so a
	// mutation landing mid-reset is rejected instead of skewing the target.
	var wg sync.WaitGroup
	wg.Add(1)
	var resetResult *ApplyResult
	var resetErr error
	go func() {
		defer wg.Done()
		resetResult, resetErr = ledger.ResetToTarget(ctx, "user-1", 200, "reset")
	}()

	<-store.getEntered

	_, err := ledger.ApplyDelta(ctx, "user-1", 50, "mid-reset earn")
	require.ErrorIs(t, err, ErrSessionBusy)

	close(store.getRelease)
	wg.Wait()

	require.NoError(t, resetErr)
	require.Equal(t, int64(200), resetResult.NewTotal)

	total, err := ledger.LoadBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(200), total)
	require.Len(t, history.records, 1)
}

func TestResetToCurrentTotalStillLogs(t *testing.T) {
	ctx := context.Background()
	history := &fakeHistoryStore{}
	ledger := newTestLedger(newFakeBalanceStore(), history, newFakeCache())

	_, err := ledger.ApplyDelta(ctx, "user-1", 500, "seed")
	require.NoError(t, err)

	result, err := ledger.ResetToTarget(ctx, "user-1", 500, "net-zero reset")
	require.NoError(t, err)
	require.Equal(t, int64(500), result.NewTotal)

	require.Len(t, history.records, 2)
	require.Equal(t, int64(0), history.records[1].PointsAdded)
}

func TestLoadBalanceInitializesMissingAccount(t *testing.T) {
	ctx := context.Background()
	store := newFakeBalanceStore()
	ledger := newTestLedger(store, &fakeHistoryStore{}, newFakeCache())

	total, err := ledger.LoadBalance(ctx, "new-user")
	require.NoError(t, err)
	require.Equal(t, int64(0), total)

	account, ok := store.accounts["new-user"]
	require.True(t, ok)
	require.Equal(t, int64(0), account.CurrentTotal)
}

func TestLoadBalanceFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	store := newFakeBalanceStore()
	store.getErr = errors.New("store unreachable")
	cache := newFakeCache()
	cache.values["user-1"] = 420
	ledger := newTestLedger(store, &fakeHistoryStore{}, cache)

	total, err := ledger.LoadBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(420), total)
}

func TestLoadBalanceDefaultsToZeroWhenCacheEmpty(t *testing.T) {
	ctx := context.Background()
	store := newFakeBalanceStore()
	store.getErr = errors.New("store unreachable")
	ledger := newTestLedger(store, &fakeHistoryStore{}, newFakeCache())

	total, err := ledger.LoadBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), total)
}

func TestReleaseSessionPurgesCache(t *testing.T) {
	ctx := context.Background()
	store := newFakeBalanceStore()
	cache := newFakeCache()
	ledger := newTestLedger(store, &fakeHistoryStore{}, cache)

	_, err := ledger.ApplyDelta(ctx, "user-1", 640, "earn")
	require.NoError(t, err)
	require.Contains(t, cache.values, "user-1")

	require.NoError(t, ledger.ReleaseSession(ctx, "user-1"))
	require.NotContains(t, cache.values, "user-1")

	// The next session on this device must not inherit the previous user's
	// cached balance through the fallback path.
	store.getErr = errors.New("store unreachable")
	total, err := ledger.LoadBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), total)
}

func TestApplyDeltaPublishesToFeed(t *testing.T) {
	ctx := context.Background()
	notifier := &captureNotifier{}
	ledger := newTestLedger(newFakeBalanceStore(), &fakeHistoryStore{}, newFakeCache(), WithFeedNotifier(notifier))

	result, err := ledger.ApplyDelta(ctx, "user-1", 75, "earn")
	require.NoError(t, err)

	require.Len(t, notifier.published, 1)
	require.Equal(t, result.Record.RecordID, notifier.published[0].RecordID)
	require.Equal(t, int64(75), notifier.published[0].PointsAdded)
}

func TestClaimActivityComputesAndApplies(t *testing.T) {
	ctx := context.Background()
	catalog := &fakeCatalog{
		activities: map[string]ActivityPreset{
			"act-7": {
				ID:                "act-7",
				Name:              "Exercise Class",
				Unit:              "minutes",
				PointsByUnit:      UnitPoints{"30": 200},
				IntensityModifier: IntensityTable{"Easy": 0.6, "Moderate": 1, "Intense": 1.7},
			},
		},
	}
	store := newFakeBalanceStore()
	history := &fakeHistoryStore{}
	ledger := NewLedger(store, history, newFakeCache(), catalog, WithLedgerLogger(log.New(io.Discard, "", 0)))

	result, err := ledger.ClaimActivity(ctx, "user-1", "act-7", "30", IntensityIntense)
	require.NoError(t, err)
	require.Equal(t, int64(340), result.NewTotal)
	require.Equal(t, "Earned Exercise Class", result.Record.Memo)
	require.Equal(t, 1, catalog.activityUses["act-7"])
}

func TestClaimActivityInvalidQuantityLeavesBalanceAlone(t *testing.T) {
	ctx := context.Background()
	catalog := &fakeCatalog{
		activities: map[string]ActivityPreset{
			"act-3": {ID: "act-3", Name: "Run", PointsByUnit: UnitPoints{"30": 300, "60": 500}},
		},
	}
	store := newFakeBalanceStore()
	history := &fakeHistoryStore{}
	ledger := NewLedger(store, history, newFakeCache(), catalog, WithLedgerLogger(log.New(io.Discard, "", 0)))

	_, err := ledger.ClaimActivity(ctx, "user-1", "act-3", "45", IntensityModerate)
	require.ErrorIs(t, err, ErrInvalidSelection)
	require.Empty(t, history.records)
	require.Zero(t, catalog.activityUses["act-3"])
}

func TestClaimActivityUnknownPreset(t *testing.T) {
	ledger := NewLedger(newFakeBalanceStore(), &fakeHistoryStore{}, newFakeCache(), &fakeCatalog{}, WithLedgerLogger(log.New(io.Discard, "", 0)))

	_, err := ledger.ClaimActivity(context.Background(), "user-1", "missing", "30", IntensityEasy)
	require.ErrorIs(t, err, ErrPresetNotFound)
}

func TestRedeemRewardSubtracts(t *testing.T) {
	ctx := context.Background()
	catalog := &fakeCatalog{
		rewards: map[string]RewardPreset{
			"rwd-4": {ID: "rwd-4", Name: "Cookie", PointValue: 80},
		},
	}
	history := &fakeHistoryStore{}
	ledger := NewLedger(newFakeBalanceStore(), history, newFakeCache(), catalog, WithLedgerLogger(log.New(io.Discard, "", 0)))

	result, err := ledger.RedeemReward(ctx, "user-1", "rwd-4")
	require.NoError(t, err)
	require.Equal(t, int64(-80), result.NewTotal)
	require.Equal(t, "Redeemed Cookie", result.Record.Memo)
	require.Equal(t, 1, catalog.rewardUses["rwd-4"])
}

// --- fakes ---

type fakeBalanceStore struct {
	mu       sync.Mutex
	accounts map[string]UserAccount

	getErr    error
	updateErr error

	getEntered    chan struct{}
	getRelease    chan struct{}
	updateEntered chan struct{}
	updateRelease chan struct{}
}

func newFakeBalanceStore() *fakeBalanceStore {
	return &fakeBalanceStore{accounts: make(map[string]UserAccount)}
}

func (s *fakeBalanceStore) GetAccount(_ context.Context, userID string) (*UserAccount, error) {
	if s.getEntered != nil {
		s.getEntered <- struct{}{}
		<-s.getRelease
	}
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if account, ok := s.accounts[userID]; ok {
		return &account, nil
	}
	return nil, nil
}

func (s *fakeBalanceStore) CreateAccount(_ context.Context, account UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.UserID]; !ok {
		s.accounts[account.UserID] = account
	}
	return nil
}

func (s *fakeBalanceStore) UpdateTotal(_ context.Context, userID string, total int64) error {
	if s.updateEntered != nil {
		s.updateEntered <- struct{}{}
		<-s.updateRelease
	}
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	account := s.accounts[userID]
	account.UserID = userID
	account.CurrentTotal = total
	s.accounts[userID] = account
	return nil
}

type fakeHistoryStore struct {
	mu        sync.Mutex
	records   []HistoryRecord
	appendErr error
}

func (s *fakeHistoryStore) AppendRecord(_ context.Context, record HistoryRecord) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *fakeHistoryStore) ListRecords(_ context.Context, userID string, _ *Cursor, limit int) ([]HistoryRecord, *Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].UserID == userID {
			out = append(out, s.records[i])
		}
	}
	return out, nil, nil
}

func (s *fakeHistoryStore) ListSince(_ context.Context, userID string, cutoff time.Time) ([]HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		record := s.records[i]
		if record.UserID == userID && !record.RecordedAt.Before(cutoff) {
			out = append(out, record)
		}
	}
	return out, nil
}

type fakeCache struct {
	mu     sync.Mutex
	values map[string]int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]int64)}
}

func (c *fakeCache) Get(_ context.Context, userID string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[userID]
	return value, ok, nil
}

func (c *fakeCache) Put(_ context.Context, userID string, total int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[userID] = total
	return nil
}

func (c *fakeCache) Purge(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, userID)
	return nil
}

type fakeCatalog struct {
	activities   map[string]ActivityPreset
	rewards      map[string]RewardPreset
	activityUses map[string]int
	rewardUses   map[string]int
}

func (c *fakeCatalog) GetActivity(_ context.Context, presetID string) (*ActivityPreset, error) {
	if preset, ok := c.activities[presetID]; ok {
		return &preset, nil
	}
	return nil, nil
}

func (c *fakeCatalog) GetReward(_ context.Context, presetID string) (*RewardPreset, error) {
	if preset, ok := c.rewards[presetID]; ok {
		return &preset, nil
	}
	return nil, nil
}

func (c *fakeCatalog) ListActivities(context.Context) ([]ActivityPreset, error) {
	out := make([]ActivityPreset, 0, len(c.activities))
	for _, preset := range c.activities {
		out = append(out, preset)
	}
	return out, nil
}

func (c *fakeCatalog) ListRewards(context.Context) ([]RewardPreset, error) {
	out := make([]RewardPreset, 0, len(c.rewards))
	for _, preset := range c.rewards {
		out = append(out, preset)
	}
	return out, nil
}

func (c *fakeCatalog) RecordActivityUse(_ context.Context, presetID string, _ time.Time) error {
	if c.activityUses == nil {
		c.activityUses = make(map[string]int)
	}
	c.activityUses[presetID]++
	return nil
}

func (c *fakeCatalog) RecordRewardUse(_ context.Context, presetID string, _ time.Time) error {
	if c.rewardUses == nil {
		c.rewardUses = make(map[string]int)
	}
	c.rewardUses[presetID]++
	return nil
}

type captureNotifier struct {
	mu        sync.Mutex
	published []HistoryRecord
}

func (n *captureNotifier) Publish(record HistoryRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, record)
}

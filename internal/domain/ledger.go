package domain

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BalanceStore captures durable persistence of user balances.
type BalanceStore interface {
	GetAccount(ctx context.Context, userID string) (*UserAccount, error)
	CreateAccount(ctx context.Context, account UserAccount) error
	UpdateTotal(ctx context.Context, userID string, total int64) error
}

// HistoryStore captures the append-only audit log.
type HistoryStore interface {
	AppendRecord(ctx context.Context, record HistoryRecord) error
	ListRecords(ctx context.Context, userID string, cursor *Cursor, limit int) ([]HistoryRecord, *Cursor, error)
	ListSince(ctx context.Context, userID string, cutoff time.Time) ([]HistoryRecord, error)
}

// BalanceCache is the on-device fallback surface. It is never the source of
// truth for writes; reads serve balance display when the durable store is
// unreachable.
type BalanceCache interface {
	Get(ctx context.Context, userID string) (int64, bool, error)
	Put(ctx context.Context, userID string, total int64) error
	Purge(ctx context.Context, userID string) error
}

// CatalogStore provides read access to earn/redeem presets plus the
// best-effort usage counters bumped after a successful claim.
type CatalogStore interface {
	GetActivity(ctx context.Context, presetID string) (*ActivityPreset, error)
	GetReward(ctx context.Context, presetID string) (*RewardPreset, error)
	ListActivities(ctx context.Context) ([]ActivityPreset, error)
	ListRewards(ctx context.Context) ([]RewardPreset, error)
	RecordActivityUse(ctx context.Context, presetID string, usedAt time.Time) error
	RecordRewardUse(ctx context.Context, presetID string, usedAt time.Time) error
}

// FeedNotifier receives every successfully audited balance change.
type FeedNotifier interface {
	Publish(record HistoryRecord)
}

// ApplyResult reports the outcome of a single ledger mutation. PersistenceErr
// and AuditErr are degradations, not failures: the new total is authoritative
// for the session either way.
type ApplyResult struct {
	Record         HistoryRecord
	NewTotal       int64
	PersistenceErr error // durable balance write failed; total kept in memory and cache
	AuditErr       error // history append failed; balance change is not rolled back
}

// Degraded reports whether any best-effort write failed.
func (r *ApplyResult) Degraded() bool {
	return r.PersistenceErr != nil || r.AuditErr != nil
}

// Ledger owns the authoritative balance per user. All mutations funnel
// through ApplyDelta under the session guard; every change appends an
// immutable history record.
type Ledger struct {
	store    BalanceStore
	history  HistoryStore
	cache    BalanceCache
	catalog  CatalogStore
	guard    *SessionGuard
	notifier FeedNotifier
	logger   *log.Logger
	now      func() time.Time

	mu     sync.Mutex
	totals map[string]int64
}

// LedgerOption configures optional Ledger behaviour.
type LedgerOption func(*Ledger)

// WithFeedNotifier attaches a live-history listener.
func WithFeedNotifier(notifier FeedNotifier) LedgerOption {
	return func(l *Ledger) { l.notifier = notifier }
}

// WithLedgerLogger overrides the logger used for degraded writes.
func WithLedgerLogger(logger *log.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger constructs a Ledger with explicit store handles.
func NewLedger(store BalanceStore, history HistoryStore, cache BalanceCache, catalog CatalogStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:   store,
		history: history,
		cache:   cache,
		catalog: catalog,
		guard:   NewSessionGuard(),
		logger:  log.New(log.Writer(), "[ledger] ", log.LstdFlags),
		now:     time.Now,
		totals:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ApplyDelta applies a signed point delta to the user's balance. The
// in-memory total always advances; the durable write and the audit append are
// best-effort and reported through the result rather than rolled back.
func (l *Ledger) ApplyDelta(ctx context.Context, userID string, delta int64, memo string) (*ApplyResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNoActiveSession
	}

	release, err := l.guard.Acquire(userID)
	if err != nil {
		return nil, err
	}
	defer release()

	current := l.currentTotal(ctx, userID)
	return l.apply(ctx, userID, current, delta, memo), nil
}

// ResetToTarget expresses a reset as the delta needed to reach an absolute
// target, preserving the invariant that every balance change is a ledger
// delta with an audit record. The guard is held across the current-total read
// and the apply, so an interleaved mutation cannot skew the final total off
// the target. A net-zero reset is permitted and still logged.
func (l *Ledger) ResetToTarget(ctx context.Context, userID string, target int64, memo string) (*ApplyResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNoActiveSession
	}

	release, err := l.guard.Acquire(userID)
	if err != nil {
		return nil, err
	}
	defer release()

	current := l.currentTotal(ctx, userID)
	return l.apply(ctx, userID, current, target-current, memo), nil
}

// apply performs the mutation. Callers must hold the session guard and pass
// the total they read under it.
func (l *Ledger) apply(ctx context.Context, userID string, current, delta int64, memo string) *ApplyResult {
	newTotal := current + delta

	l.mu.Lock()
	l.totals[userID] = newTotal
	l.mu.Unlock()

	result := &ApplyResult{NewTotal: newTotal}

	if err := l.store.UpdateTotal(ctx, userID, newTotal); err != nil {
		result.PersistenceErr = fmt.Errorf("persist balance: %w", err)
		l.logger.Printf("durable write failed (user=%s): %v", userID, err)
	}

	if err := l.cache.Put(ctx, userID, newTotal); err != nil {
		l.logger.Printf("cache mirror failed (user=%s): %v", userID, err)
	}

	record := HistoryRecord{
		RecordID:    uuid.NewString(),
		UserID:      userID,
		PointsAdded: delta,
		HeaderTotal: newTotal,
		Memo:        memo,
		RecordedAt:  l.now().UTC(),
	}
	result.Record = record
	if err := l.history.AppendRecord(ctx, record); err != nil {
		result.AuditErr = fmt.Errorf("append history: %w", err)
		// The applied delta stays reported; only the durable record ID is
		// withheld, since no audit row exists for it.
		result.Record.RecordID = ""
		l.logger.Printf("history append failed (user=%s): %v", userID, err)
		return result
	}

	if l.notifier != nil {
		l.notifier.Publish(record)
	}
	return result
}

// LoadBalance returns the user's running total. A missing account is
// initialized to zero and persisted before being returned; an unreachable
// store falls back to the local cache, then to zero.
func (l *Ledger) LoadBalance(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrNoActiveSession
	}

	l.mu.Lock()
	if total, ok := l.totals[userID]; ok {
		l.mu.Unlock()
		return total, nil
	}
	l.mu.Unlock()

	total := l.loadFromStores(ctx, userID)

	l.mu.Lock()
	// A mutation may have landed while we were reading; the in-memory total
	// stays authoritative for the session.
	if existing, ok := l.totals[userID]; ok {
		total = existing
	} else {
		l.totals[userID] = total
	}
	l.mu.Unlock()

	return total, nil
}

func (l *Ledger) loadFromStores(ctx context.Context, userID string) int64 {
	account, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		l.logger.Printf("balance load failed, falling back to cache (user=%s): %v", userID, err)
		if cached, ok, cacheErr := l.cache.Get(ctx, userID); cacheErr == nil && ok {
			return cached
		}
		return 0
	}
	if account == nil {
		created := UserAccount{UserID: userID, CurrentTotal: 0, CreatedAt: l.now().UTC()}
		if err := l.store.CreateAccount(ctx, created); err != nil {
			l.logger.Printf("account init failed (user=%s): %v", userID, err)
		}
		return 0
	}
	return account.CurrentTotal
}

// History returns an ordered page of the user's audit log, newest first.
func (l *Ledger) History(ctx context.Context, userID string, cursor *Cursor, limit int) ([]HistoryRecord, *Cursor, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil, ErrNoActiveSession
	}
	return l.history.ListRecords(ctx, userID, cursor, limit)
}

// ReleaseSession drops the user's in-memory total and purges their cache
// entry so a later sign-in on this device cannot observe a stale balance.
func (l *Ledger) ReleaseSession(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrNoActiveSession
	}

	l.mu.Lock()
	delete(l.totals, userID)
	l.mu.Unlock()

	if err := l.cache.Purge(ctx, userID); err != nil {
		return fmt.Errorf("purge cache: %w", err)
	}
	return nil
}

func (l *Ledger) currentTotal(ctx context.Context, userID string) int64 {
	l.mu.Lock()
	if total, ok := l.totals[userID]; ok {
		l.mu.Unlock()
		return total
	}
	l.mu.Unlock()
	return l.loadFromStores(ctx, userID)
}

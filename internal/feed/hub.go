// Package feed delivers a live, time-windowed view of ledger history to
// session subscribers.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"example.com/rewardledger/internal/domain"
	"example.com/rewardledger/internal/observability"
)

// ErrFeedUnavailable wraps backfill failures surfaced through events.
var ErrFeedUnavailable = errors.New("history feed unavailable")

// Backfiller reads the windowed history snapshot at subscribe time.
type Backfiller interface {
	ListSince(ctx context.Context, userID string, cutoff time.Time) ([]domain.HistoryRecord, error)
}

// Event is a single delivery on a subscription channel. Reset events replace
// the subscriber's view (an errored feed resets to empty rather than keeping
// stale data); non-reset events append.
type Event struct {
	Records []domain.HistoryRecord
	Reset   bool
	Err     error
}

// Subscription is a scoped handle on the live feed. Close releases it; the
// channel is closed when the subscription is torn down, including when a
// newer subscription for the same user replaces it.
type Subscription struct {
	C chan Event

	hub    *Hub
	userID string
	once   sync.Once
}

// Close tears the subscription down and closes its channel. The close happens
// under the hub mutex so it cannot race a concurrent delivery.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub owns at most one live subscription per user session. Establishing a
// new subscription tears down the prior one, so repeated sign-in/sign-out
// cycles cannot leak listeners.
type Hub struct {
	history Backfiller
	buffer  int
	logger  *log.Logger
	now     func() time.Time

	mu   sync.Mutex
	subs map[string]*Subscription
}

// HubOption configures optional Hub behaviour.
type HubOption func(*Hub)

// WithHubLogger overrides the hub's logger.
func WithHubLogger(logger *log.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// WithHubClock overrides the time source used for window cutoffs.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub constructs a Hub. Buffer sets the per-subscription channel depth.
func NewHub(history Backfiller, buffer int, opts ...HubOption) *Hub {
	if buffer < 1 {
		buffer = 16
	}
	h := &Hub{
		history: history,
		buffer:  buffer,
		logger:  log.New(log.Writer(), "[feed] ", log.LstdFlags),
		now:     time.Now,
		subs:    make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe opens a live history subscription for userID over a trailing
// window of windowDays, evaluated once at subscription time. The first event
// on the channel is the backfill snapshot, newest first; subsequent events
// carry single live records. If the backfill read fails, the first event is
// a reset carrying the error and an empty view.
func (h *Hub) Subscribe(ctx context.Context, userID string, windowDays int) *Subscription {
	sub := &Subscription{
		C:      make(chan Event, h.buffer),
		hub:    h,
		userID: userID,
	}

	// Swap the map entry atomically so racing subscribes cannot both observe
	// the same prior; whichever one gets displaced is closed afterwards.
	h.mu.Lock()
	prior := h.subs[userID]
	h.subs[userID] = sub
	observability.SetFeedSubscribers(len(h.subs))
	h.mu.Unlock()

	if prior != nil {
		prior.Close()
	}

	cutoff := h.now().UTC().AddDate(0, 0, -windowDays)
	records, err := h.history.ListSince(ctx, userID, cutoff)

	event := Event{Records: records, Reset: true}
	if err != nil {
		h.logger.Printf("backfill failed (user=%s): %v", userID, err)
		event = Event{Reset: true, Err: fmt.Errorf("%w: %v", ErrFeedUnavailable, err)}
	}
	h.deliver(sub, event)
	return sub
}

// deliver sends to the subscription while holding the hub mutex. A sub still
// present in the map is guaranteed open (remove closes and deletes in one
// critical section), so the send cannot hit a closed channel.
func (h *Hub) deliver(sub *Subscription, event Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sub.userID] != sub {
		return false
	}
	select {
	case sub.C <- event:
		return true
	default:
		return false
	}
}

// Publish pushes a freshly audited record to the user's live subscription,
// if one exists. A subscriber that has stopped draining its channel loses
// live updates rather than blocking the ledger.
func (h *Hub) Publish(record domain.HistoryRecord) {
	h.mu.Lock()
	sub, ok := h.subs[record.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}

	delivered := false
	select {
	case sub.C <- Event{Records: []domain.HistoryRecord{record}}:
		delivered = true
	default:
	}
	h.mu.Unlock()

	if !delivered {
		h.logger.Printf("subscriber lagging, dropped live record (user=%s)", record.UserID)
	}
}

// Release tears down the user's subscription on session teardown.
func (h *Hub) Release(userID string) {
	h.mu.Lock()
	sub, ok := h.subs[userID]
	h.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	close(sub.C)
	if current, ok := h.subs[sub.userID]; ok && current == sub {
		delete(h.subs, sub.userID)
		observability.SetFeedSubscribers(len(h.subs))
	}
}

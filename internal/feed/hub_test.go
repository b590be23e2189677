package feed

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/rewardledger/internal/domain"
)

type stubBackfiller struct {
	mu      sync.Mutex
	records []domain.HistoryRecord
	err     error
	cutoffs []time.Time
}

func (s *stubBackfiller) ListSince(_ context.Context, _ string, cutoff time.Time) ([]domain.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	if s.err != nil {
		return nil, s.err
	}
	return s.records, nil
}

func newTestHub(history Backfiller, buffer int) *Hub {
	return NewHub(history, buffer, WithHubLogger(log.New(io.Discard, "", 0)))
}

func TestSubscribeDeliversBackfill(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	history := &stubBackfiller{
		records: []domain.HistoryRecord{
			{RecordID: "rec-2", UserID: "user-1", PointsAdded: -80, HeaderTotal: 220, RecordedAt: now.Add(-time.Hour)},
			{RecordID: "rec-1", UserID: "user-1", PointsAdded: 300, HeaderTotal: 300, RecordedAt: now.Add(-2 * time.Hour)},
		},
	}
	hub := NewHub(history, 8,
		WithHubLogger(log.New(io.Discard, "", 0)),
		WithHubClock(func() time.Time { return now }))

	sub := hub.Subscribe(context.Background(), "user-1", 30)
	defer sub.Close()

	event := <-sub.C
	require.True(t, event.Reset)
	require.NoError(t, event.Err)
	require.Len(t, event.Records, 2)
	require.Equal(t, "rec-2", event.Records[0].RecordID, "backfill is newest first")

	require.Len(t, history.cutoffs, 1)
	require.Equal(t, now.AddDate(0, 0, -30), history.cutoffs[0], "window is fixed at subscribe time")
}

func TestSubscribeBackfillErrorResetsEmpty(t *testing.T) {
	history := &stubBackfiller{err: errors.New("transport down")}
	hub := newTestHub(history, 8)

	sub := hub.Subscribe(context.Background(), "user-1", 30)
	defer sub.Close()

	event := <-sub.C
	require.True(t, event.Reset)
	require.ErrorIs(t, event.Err, ErrFeedUnavailable)
	require.Empty(t, event.Records)
}

func TestPublishReachesSubscriber(t *testing.T) {
	hub := newTestHub(&stubBackfiller{}, 8)

	sub := hub.Subscribe(context.Background(), "user-1", 30)
	defer sub.Close()
	<-sub.C // drain backfill

	record := domain.HistoryRecord{RecordID: "rec-9", UserID: "user-1", PointsAdded: 50, HeaderTotal: 50}
	hub.Publish(record)

	event := <-sub.C
	require.False(t, event.Reset)
	require.Len(t, event.Records, 1)
	require.Equal(t, "rec-9", event.Records[0].RecordID)
}

func TestPublishIgnoresOtherUsers(t *testing.T) {
	hub := newTestHub(&stubBackfiller{}, 8)

	sub := hub.Subscribe(context.Background(), "user-1", 30)
	defer sub.Close()
	<-sub.C

	hub.Publish(domain.HistoryRecord{RecordID: "rec-x", UserID: "user-2"})

	select {
	case event := <-sub.C:
		t.Fatalf("unexpected delivery: %+v", event)
	default:
	}
}

func TestResubscribeTearsDownPrior(t *testing.T) {
	hub := newTestHub(&stubBackfiller{}, 8)

	first := hub.Subscribe(context.Background(), "user-1", 30)
	<-first.C

	second := hub.Subscribe(context.Background(), "user-1", 30)
	defer second.Close()
	<-second.C

	// The first channel must be closed, with no duplicate delivery.
	_, open := <-first.C
	require.False(t, open)

	hub.Publish(domain.HistoryRecord{RecordID: "rec-1", UserID: "user-1"})
	event := <-second.C
	require.Len(t, event.Records, 1)
}

func TestCloseRemovesSubscription(t *testing.T) {
	hub := newTestHub(&stubBackfiller{}, 8)

	sub := hub.Subscribe(context.Background(), "user-1", 30)
	<-sub.C
	sub.Close()
	sub.Close() // idempotent

	// Publishing after close must not panic or deliver.
	hub.Publish(domain.HistoryRecord{RecordID: "rec-1", UserID: "user-1"})
}

func TestReleaseClosesSubscription(t *testing.T) {
	hub := newTestHub(&stubBackfiller{}, 8)

	sub := hub.Subscribe(context.Background(), "user-1", 30)
	<-sub.C

	hub.Release("user-1")

	_, open := <-sub.C
	require.False(t, open)
}

func TestPublishDuringTeardownDoesNotPanic(t *testing.T) {
	hub := newTestHub(&stubBackfiller{}, 1)

	for i := 0; i < 2000; i++ {
		sub := hub.Subscribe(context.Background(), "user-1", 30)

		done := make(chan struct{})
		go func() {
			defer close(done)
			hub.Publish(domain.HistoryRecord{RecordID: "rec-1", UserID: "user-1"})
		}()
		sub.Close()
		<-done

		_, open := <-sub.C
		for open {
			_, open = <-sub.C
		}
	}
}

func TestConcurrentSubscribesCloseDisplaced(t *testing.T) {
	hub := newTestHub(&stubBackfiller{}, 8)

	for i := 0; i < 500; i++ {
		var wg sync.WaitGroup
		subs := make([]*Subscription, 2)
		for j := range subs {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				subs[j] = hub.Subscribe(context.Background(), "user-1", 30)
			}(j)
		}
		wg.Wait()

		hub.Release("user-1")

		// Whoever lost the race was displaced and closed; the winner is
		// closed by the release. No channel may be left open.
		for _, sub := range subs {
			for range sub.C {
			}
		}
	}
}

func TestLaggingSubscriberDropsLiveRecords(t *testing.T) {
	hub := newTestHub(&stubBackfiller{}, 1)

	sub := hub.Subscribe(context.Background(), "user-1", 30)
	defer sub.Close()
	// Do not drain: the backfill event occupies the single buffer slot.

	hub.Publish(domain.HistoryRecord{RecordID: "rec-1", UserID: "user-1"})
	hub.Publish(domain.HistoryRecord{RecordID: "rec-2", UserID: "user-1"})

	event := <-sub.C
	require.True(t, event.Reset, "first event is still the backfill")

	select {
	case unexpected := <-sub.C:
		t.Fatalf("expected dropped records, got %+v", unexpected)
	default:
	}
}

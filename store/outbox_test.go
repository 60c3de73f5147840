package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(rowID int64) OutboxEvent {
	return OutboxEvent{
		EventID:     fmt.Sprintf("contact.created:acme:%d", rowID),
		EventType:   "contact.created",
		Tenant:      "acme",
		SourceRowID: rowID,
		Payload:     `{"event_id":"x"}`,
	}
}

func TestInsertOutboxEventIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.InsertOutboxEvent(ctx, testEvent(1))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Second insert with the same event_id: already present, not an error.
	inserted, err = s.InsertOutboxEvent(ctx, testEvent(1))
	require.NoError(t, err)
	assert.False(t, inserted)

	pending, err := s.ListPendingEvents(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, StatusNew, pending[0].Status)
}

func TestInsertOutboxEventConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const attempts = 8
	results := make([]bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			inserted, err := s.InsertOutboxEvent(ctx, testEvent(7))
			require.NoError(t, err)
			results[n] = inserted
		}(i)
	}
	wg.Wait()

	insertedCount := 0
	for _, r := range results {
		if r {
			insertedCount++
		}
	}
	assert.Equal(t, 1, insertedCount, "exactly one racer inserts")

	pending, err := s.ListPendingEvents(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, pending, 1, "exactly one stored row")
}

func TestMarkDispatched(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertOutboxEvent(ctx, testEvent(1))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.MarkDispatched(ctx, testEvent(1).EventID, now))

	ev, err := s.GetOutboxEvent(ctx, testEvent(1).EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, ev.Status)
	require.NotNil(t, ev.DispatchedAt)
	assert.Nil(t, ev.LastError)

	// Dispatched events are no longer pending
	pending, err := s.ListPendingEvents(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkErrorAndRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertOutboxEvent(ctx, testEvent(1))
	require.NoError(t, err)

	require.NoError(t, s.MarkError(ctx, testEvent(1).EventID, "post http://x: status=500"))

	ev, err := s.GetOutboxEvent(ctx, testEvent(1).EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, ev.Status)
	require.NotNil(t, ev.LastError)
	assert.Contains(t, *ev.LastError, "status=500")

	// ERROR events stay pending for the next run
	pending, err := s.ListPendingEvents(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// ERROR -> DISPATCHED clears the error
	require.NoError(t, s.MarkDispatched(ctx, testEvent(1).EventID, time.Now()))
	ev, err = s.GetOutboxEvent(ctx, testEvent(1).EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, ev.Status)
	assert.Nil(t, ev.LastError)
}

func TestDispatchedNeverReverts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertOutboxEvent(ctx, testEvent(1))
	require.NoError(t, err)
	require.NoError(t, s.MarkDispatched(ctx, testEvent(1).EventID, time.Now()))

	// A late failure report must not demote a dispatched event.
	require.NoError(t, s.MarkError(ctx, testEvent(1).EventID, "late failure"))

	ev, err := s.GetOutboxEvent(ctx, testEvent(1).EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, ev.Status)
}

func TestListPendingEventsOrderAndTenantScope(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, rowID := range []int64{3, 1, 2} {
		_, err := s.InsertOutboxEvent(ctx, testEvent(rowID))
		require.NoError(t, err)
	}
	_, err := s.InsertOutboxEvent(ctx, OutboxEvent{
		EventID: "contact.created:globex:1", EventType: "contact.created",
		Tenant: "globex", SourceRowID: 1, Payload: "{}",
	})
	require.NoError(t, err)

	pending, err := s.ListPendingEvents(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, ev := range pending {
		assert.Equal(t, "acme", ev.Tenant)
	}
}

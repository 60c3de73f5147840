package watcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoamxTrav/hoamx-watcher-agent/dispatch"
	"github.com/hoamxTrav/hoamx-watcher-agent/store"
)

const testTenant = "acme"

func newTestAgent(t *testing.T, sink *dispatch.MockSink) (*Agent, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	d := &dispatch.Dispatcher{}
	if sink != nil {
		d.AddSink("mock", sink, nil, time.Second)
	}

	agent := NewAgent(st, d, Options{
		AgentName:        "watcher",
		DefaultTenant:    testTenant,
		DefaultBatchSize: 50,
		ClaimLease:       time.Minute,
	})
	return agent, st
}

func seedContactRows(t *testing.T, st *store.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := st.InsertSourceRow(ctx, testTenant,
			fmt.Sprintf("name-%d", i), fmt.Sprintf("u%d@example.com", i), "hi")
		require.NoError(t, err)
	}
}

// Scenario: watermark 0, five eligible rows, batch of three. The run claims
// rows 1-3, persists three events, advances to 3, and dispatch succeeds.
func TestRunHappyPath(t *testing.T) {
	sink := &dispatch.MockSink{}
	agent, st := newTestAgent(t, sink)
	ctx := context.Background()
	seedContactRows(t, st, 5)

	summary, err := agent.Run(ctx, Request{Tenant: testTenant, BatchSize: 3, RequestID: "run-a"})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.ObservedCount)
	assert.Equal(t, 3, summary.NewEventsCount)
	assert.Equal(t, 3, summary.DispatchedCount)
	assert.Equal(t, 0, summary.ErroredCount)
	assert.Equal(t, int64(0), summary.LastSeenIDBefore)
	assert.Equal(t, int64(3), summary.LastSeenIDAfter)

	lastSeen, err := st.GetCursor(ctx, "watcher", testTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(3), lastSeen)

	delivered := sink.Events()
	require.Len(t, delivered, 3)
	assert.Equal(t, "contact.created:acme:1", delivered[0].EventID)
	assert.Equal(t, "contact.created:acme:3", delivered[2].EventID)

	// All three events reached DISPATCHED; nothing pending.
	pending, err := st.ListPendingEvents(ctx, testTenant)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// Scenario: the downstream endpoint rejects everything. The watermark still
// advances (rows were observed and persisted); the events end in ERROR and
// stay pending for the next run.
func TestRunDispatchFailureStillAdvancesCursor(t *testing.T) {
	sink := &dispatch.MockSink{DeliverErr: errors.New("connection refused")}
	agent, st := newTestAgent(t, sink)
	ctx := context.Background()
	seedContactRows(t, st, 5)

	summary, err := agent.Run(ctx, Request{Tenant: testTenant, BatchSize: 3, RequestID: "run-b"})
	require.NoError(t, err, "dispatch failures are summary data, not run errors")

	assert.Equal(t, 3, summary.ObservedCount)
	assert.Equal(t, 0, summary.DispatchedCount)
	assert.Equal(t, 3, summary.ErroredCount)
	assert.NotEmpty(t, summary.DispatchErrors)
	assert.Equal(t, int64(3), summary.LastSeenIDAfter)

	lastSeen, err := st.GetCursor(ctx, "watcher", testTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(3), lastSeen)

	pending, err := st.ListPendingEvents(ctx, testTenant)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, ev := range pending {
		assert.Equal(t, store.StatusError, ev.Status)
		require.NotNil(t, ev.LastError)
		assert.Contains(t, *ev.LastError, "connection refused")
	}
}

// Scenario: after a failed-dispatch run, the next run claims the remaining
// rows 4-5 (fewer than the batch, not an error) and also retries the three
// ERROR events without re-claiming their source rows.
func TestRunRetriesErroredEventsNextRun(t *testing.T) {
	sink := &dispatch.MockSink{DeliverErr: errors.New("boom")}
	agent, st := newTestAgent(t, sink)
	ctx := context.Background()
	seedContactRows(t, st, 5)

	_, err := agent.Run(ctx, Request{Tenant: testTenant, BatchSize: 3, RequestID: "run-b"})
	require.NoError(t, err)

	// Downstream recovers.
	sink.DeliverErr = nil
	sink.Reset()

	summary, err := agent.Run(ctx, Request{Tenant: testTenant, BatchSize: 3, RequestID: "run-c"})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.ObservedCount, "only rows 4 and 5 remain")
	assert.Equal(t, 2, summary.NewEventsCount)
	assert.Equal(t, 5, summary.DispatchedCount, "3 retried + 2 new")
	assert.Equal(t, int64(5), summary.LastSeenIDAfter)

	pending, err := st.ListPendingEvents(ctx, testTenant)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Delivered payloads are the stored originals: five distinct event ids.
	seen := map[string]bool{}
	for _, ev := range sink.Events() {
		seen[ev.EventID] = true
	}
	assert.Len(t, seen, 5)
}

// Scenario: two simultaneous runs over the same watermark claim each row
// exactly once between them, and the final watermark is 5.
func TestRunConcurrentRunsClaimDisjointly(t *testing.T) {
	sink := &dispatch.MockSink{}
	agent, st := newTestAgent(t, sink)
	ctx := context.Background()
	seedContactRows(t, st, 5)

	var wg sync.WaitGroup
	summaries := make([]Summary, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			summary, err := agent.Run(ctx, Request{
				Tenant: testTenant, BatchSize: 5, RequestID: fmt.Sprintf("run-%d", n),
			})
			require.NoError(t, err)
			summaries[n] = summary
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, summaries[0].ObservedCount+summaries[1].ObservedCount,
		"together the runs observe each row exactly once")

	lastSeen, err := st.GetCursor(ctx, "watcher", testTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(5), lastSeen)

	// Five events exist, no duplicates.
	seen := map[string]bool{}
	for _, ev := range sink.Events() {
		seen[ev.EventID] = true
	}
	assert.Len(t, seen, 5)
}

func TestRunZeroRowsStillLogsStartAndEnd(t *testing.T) {
	agent, st := newTestAgent(t, &dispatch.MockSink{})
	ctx := context.Background()

	summary, err := agent.Run(ctx, Request{Tenant: testTenant, RequestID: "run-idle"})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ObservedCount)
	assert.Equal(t, int64(0), summary.LastSeenIDAfter)

	entries, err := st.ListLogByRequest(ctx, "run-idle")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, ActionRunStart, entries[0].Action)
	assert.Equal(t, ActionRunEnd, entries[len(entries)-1].Action)
}

func TestRunAuditCompleteness(t *testing.T) {
	sink := &dispatch.MockSink{}
	agent, st := newTestAgent(t, sink)
	ctx := context.Background()
	seedContactRows(t, st, 2)

	_, err := agent.Run(ctx, Request{Tenant: testTenant, RequestID: "run-audit"})
	require.NoError(t, err)

	entries, err := st.ListLogByRequest(ctx, "run-audit")
	require.NoError(t, err)

	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, ActionRunStart, actions[0])
	assert.Equal(t, ActionRunEnd, actions[len(actions)-1])
	assert.Contains(t, actions, ActionRowObserved)
	assert.Contains(t, actions, ActionDispatch)
	assert.Contains(t, actions, ActionCursorAdvance)

	// End entry counts match what the run transitioned.
	end := entries[len(entries)-1]
	assert.Equal(t, float64(2), end.Detail["observed"])
	assert.Equal(t, float64(2), end.Detail["dispatched"])
}

func TestRunDuplicateInsertIsNotAnError(t *testing.T) {
	sink := &dispatch.MockSink{}
	agent, st := newTestAgent(t, sink)
	ctx := context.Background()
	seedContactRows(t, st, 2)

	// Pre-insert the event for row 1, as a racing run would have.
	pre, err := Synthesize(store.SourceRow{ID: 1, Tenant: testTenant}, testTenant,
		EventTypeContactCreated, false, time.Now())
	require.NoError(t, err)
	inserted, err := st.InsertOutboxEvent(ctx, pre)
	require.NoError(t, err)
	require.True(t, inserted)

	summary, err := agent.Run(ctx, Request{Tenant: testTenant, RequestID: "run-dup"})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.ObservedCount)
	assert.Equal(t, 1, summary.NewEventsCount)
	assert.Equal(t, 1, summary.SkippedExisting)
	// The pre-existing entry was still NEW, so it dispatched too.
	assert.Equal(t, 2, summary.DispatchedCount)
	assert.Equal(t, int64(2), summary.LastSeenIDAfter)

	entries, err := st.ListLogByRequest(ctx, "run-dup")
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, ActionEventDuplicate)
}

func TestRunRequiresTenant(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	agent := NewAgent(st, &dispatch.Dispatcher{}, Options{AgentName: "watcher"})
	_, err = agent.Run(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant is required")
}

func TestRunStoreUnreachableAbortsBeforeMutation(t *testing.T) {
	sink := &dispatch.MockSink{}
	agent, st := newTestAgent(t, sink)
	seedContactRows(t, st, 3)
	require.NoError(t, st.Close())

	_, err := agent.Run(context.Background(), Request{Tenant: testTenant, RequestID: "run-dead"})
	require.Error(t, err)
	assert.Empty(t, sink.Events(), "no dispatch after a failed start")
}

func TestRunNoSinksLeavesEventsNew(t *testing.T) {
	agent, st := newTestAgent(t, nil)
	ctx := context.Background()
	seedContactRows(t, st, 2)

	summary, err := agent.Run(ctx, Request{Tenant: testTenant, RequestID: "run-nosink"})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.NewEventsCount)
	assert.Equal(t, 0, summary.DispatchedCount)
	assert.Equal(t, int64(2), summary.LastSeenIDAfter)

	pending, err := st.ListPendingEvents(ctx, testTenant)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, ev := range pending {
		assert.Equal(t, store.StatusNew, ev.Status)
	}
}

// An audit write failure must not be swallowed: business state still lands
// (outbox, dispatch, cursor) but the run itself reports the broken trail.
func TestRunAuditFailureFailsRun(t *testing.T) {
	sink := &dispatch.MockSink{}
	agent, st := newTestAgent(t, sink)
	ctx := context.Background()
	seedContactRows(t, st, 1)

	// Break only the audit trail; every business table stays intact.
	raw, err := sql.Open("sqlite3", st.Path())
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec("DROP TABLE agent_log")
	require.NoError(t, err)

	summary, err := agent.Run(ctx, Request{Tenant: testTenant, RequestID: "run-audit"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit trail incomplete")

	assert.Equal(t, 1, summary.ObservedCount)
	assert.Equal(t, 1, summary.NewEventsCount)
	assert.Equal(t, 1, summary.DispatchedCount)
	assert.Equal(t, int64(1), summary.LastSeenIDAfter)
	assert.Len(t, sink.Events(), 1)

	ev, err := st.GetOutboxEvent(ctx, EventID(EventTypeContactCreated, testTenant, 1))
	require.NoError(t, err)
	assert.Equal(t, store.StatusDispatched, ev.Status)

	lastSeen, err := st.GetCursor(ctx, "watcher", testTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lastSeen)
}

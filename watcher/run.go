package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hoamxTrav/hoamx-watcher-agent/dispatch"
	"github.com/hoamxTrav/hoamx-watcher-agent/store"
	"github.com/hoamxTrav/hoamx-watcher-agent/telemetry"
)

// Run states, in order. A run short-circuits to StateEnd with a failure
// log on any unrecoverable error.
type runState string

const (
	StateStart       runState = "START"
	StateClaimed     runState = "CLAIMED"
	StateSynthesized runState = "SYNTHESIZED"
	StatePersisted   runState = "PERSISTED"
	StateDispatched  runState = "DISPATCHED"
	StateAdvanced    runState = "ADVANCED"
	StateEnd         runState = "END"
)

// Audit actions
const (
	ActionRunStart       = "RUN_START"
	ActionRowObserved    = "ROW_OBSERVED"
	ActionEventDuplicate = "EVENT_DUPLICATE"
	ActionDispatch       = "DISPATCH"
	ActionCursorAdvance  = "CURSOR_ADVANCE"
	ActionRunEnd         = "RUN_END"
)

// Options configures an Agent
type Options struct {
	AgentName        string // audit identity, also the watcher_state key
	DefaultTenant    string
	DefaultBatchSize int
	EmitFullRow      bool // default for runs that do not override it
	ClaimLease       time.Duration
}

// Request triggers one run. Zero values fall back to the agent's defaults.
type Request struct {
	Tenant      string
	BatchSize   int
	EmitFullRow *bool
	RequestID   string
}

// Summary is what the triggering caller gets back
type Summary struct {
	Tenant           string   `json:"tenant"`
	RequestID        string   `json:"request_id"`
	ObservedCount    int      `json:"observed_count"`
	NewEventsCount   int      `json:"new_events_count"`
	SkippedExisting  int      `json:"skipped_existing_events_count"`
	DispatchedCount  int      `json:"dispatched_count"`
	ErroredCount     int      `json:"errored_count"`
	LastSeenIDBefore int64    `json:"last_seen_id_before"`
	LastSeenIDAfter  int64    `json:"last_seen_id_after"`
	DurationMS       int64    `json:"duration_ms"`
	DispatchErrors   []string `json:"dispatch_errors,omitempty"`
}

// Agent runs the observe, claim, synthesize, record, emit cycle. One Agent
// serves any number of concurrent runs; all cross-run coordination lives in
// the store (claim uniqueness, outbox uniqueness, monotonic cursor), never
// in process-local locks.
type Agent struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	opts       Options
}

// NewAgent wires the orchestrator to its store and dispatcher
func NewAgent(st *store.Store, d *dispatch.Dispatcher, opts Options) *Agent {
	if opts.AgentName == "" {
		opts.AgentName = "watcher"
	}
	if opts.DefaultBatchSize <= 0 {
		opts.DefaultBatchSize = 50
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 5 * time.Minute
	}
	return &Agent{store: st, dispatcher: d, opts: opts}
}

// Run executes one watcher invocation as a single logical unit of work.
// The cursor advances only after every claimed row's outbox entry is
// durable, and independently of dispatch outcome: dispatch failures are
// tracked on the events and retried by the next run.
func (a *Agent) Run(ctx context.Context, req Request) (Summary, error) {
	started := time.Now()
	tenant := req.Tenant
	if tenant == "" {
		tenant = a.opts.DefaultTenant
	}
	if tenant == "" {
		return Summary{}, fmt.Errorf("tenant is required")
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = a.opts.DefaultBatchSize
	}
	emitFullRow := a.opts.EmitFullRow
	if req.EmitFullRow != nil {
		emitFullRow = *req.EmitFullRow
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	run := &runContext{
		agent:     a,
		tenant:    tenant,
		requestID: requestID,
		state:     StateStart,
	}
	summary := Summary{Tenant: tenant, RequestID: requestID}

	logger := log.With().
		Str("tenant", tenant).
		Str("request_id", requestID).
		Logger()

	// Watermark read is the connectivity probe: failure here aborts before
	// any mutation, leaving only a failed start/end pair in the log.
	lastSeen, err := a.store.GetCursor(ctx, a.opts.AgentName, tenant)
	if err != nil {
		logger.Error().Err(err).Msg("Run aborted before start")
		run.audit(ctx, store.LogEntry{Action: ActionRunStart, Status: store.AuditError, Error: err.Error()})
		run.audit(ctx, store.LogEntry{Action: ActionRunEnd, Status: store.AuditError, Error: err.Error(),
			Detail: map[string]any{"state": string(run.state)}})
		telemetry.RunsTotal.With("failed").Inc()
		return summary, run.fail(err)
	}
	summary.LastSeenIDBefore = lastSeen
	summary.LastSeenIDAfter = lastSeen

	run.audit(ctx, store.LogEntry{
		Action: ActionRunStart,
		Status: store.AuditOK,
		Detail: map[string]any{
			"last_seen_id":  lastSeen,
			"batch_size":    batchSize,
			"emit_full_row": emitFullRow,
		},
	})

	// Claim. Rows locked away by a concurrent run simply do not appear.
	rows, err := a.store.ClaimRows(ctx, tenant, requestID, lastSeen, batchSize, a.opts.ClaimLease)
	if err != nil {
		return run.abort(ctx, summary, started, fmt.Errorf("claim failed: %w", err))
	}
	run.state = StateClaimed
	summary.ObservedCount = len(rows)
	telemetry.RowsObserved.Observe(float64(len(rows)))

	// Synthesize all events before persisting any, so a schema problem
	// surfaces before the first mutation.
	observedAt := time.Now()
	events := make([]store.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := Synthesize(row, tenant, EventTypeContactCreated, emitFullRow, observedAt)
		if err != nil {
			a.releaseClaims(ctx, tenant, requestID)
			return run.abort(ctx, summary, started, fmt.Errorf("synthesis failed for row %d: %w", row.ID, err))
		}
		events = append(events, ev)
	}
	run.state = StateSynthesized

	// Persist. Any insert failure aborts the run with claims released so
	// the rows are reclaimable; the watermark must never pass a row whose
	// event was not durably recorded.
	var maxClaimedID int64
	for _, ev := range events {
		inserted, err := a.store.InsertOutboxEvent(ctx, ev)
		if err != nil {
			a.releaseClaims(ctx, tenant, requestID)
			return run.abort(ctx, summary, started, fmt.Errorf("outbox insert failed for %s: %w", ev.EventID, err))
		}
		if ev.SourceRowID > maxClaimedID {
			maxClaimedID = ev.SourceRowID
		}
		if inserted {
			summary.NewEventsCount++
			telemetry.EventsCreatedTotal.With("inserted").Inc()
			run.audit(ctx, store.LogEntry{
				Action:      ActionRowObserved,
				Status:      store.AuditOK,
				EventType:   ev.EventType,
				EventID:     ev.EventID,
				SourceRowID: ev.SourceRowID,
			})
		} else {
			// Already handled by an earlier or concurrent run.
			summary.SkippedExisting++
			telemetry.EventsCreatedTotal.With("duplicate").Inc()
			run.audit(ctx, store.LogEntry{
				Action:      ActionEventDuplicate,
				Status:      store.AuditOK,
				EventType:   ev.EventType,
				EventID:     ev.EventID,
				SourceRowID: ev.SourceRowID,
			})
		}
	}
	run.state = StatePersisted

	// Deliver everything pending for the tenant, including ERROR entries
	// left by earlier runs. Failures isolate per event.
	dispatched, errored, dispatchErrors := a.dispatchPending(ctx, run)
	summary.DispatchedCount = dispatched
	summary.ErroredCount = errored
	summary.DispatchErrors = dispatchErrors
	run.state = StateDispatched

	// Advance the watermark, or just stamp the run if nothing was claimed.
	summary.DurationMS = time.Since(started).Milliseconds()
	if len(rows) > 0 {
		summary.LastSeenIDAfter = maxClaimedID
		resultJSON := mustJSON(summary)
		advanced, err := a.store.AdvanceCursor(ctx, a.opts.AgentName, tenant, maxClaimedID, resultJSON)
		if err != nil {
			return run.abort(ctx, summary, started, fmt.Errorf("cursor advance failed: %w", err))
		}
		if advanced {
			run.audit(ctx, store.LogEntry{
				Action: ActionCursorAdvance,
				Status: store.AuditOK,
				Detail: map[string]any{"last_seen_id": maxClaimedID},
			})
		} else {
			// A concurrent run moved further. Not fatal.
			telemetry.CursorConflictsTotal.Inc()
			run.audit(ctx, store.LogEntry{
				Action: ActionCursorAdvance,
				Status: store.AuditOK,
				Detail: map[string]any{"last_seen_id": maxClaimedID, "conflict": true},
			})
			logger.Info().Int64("target", maxClaimedID).Msg("Cursor already past target")
		}
	} else {
		if err := a.store.TouchCursor(ctx, a.opts.AgentName, tenant, mustJSON(summary)); err != nil {
			return run.abort(ctx, summary, started, fmt.Errorf("cursor touch failed: %w", err))
		}
	}
	run.state = StateAdvanced

	endStatus := store.AuditOK
	var endError string
	if errored > 0 {
		endStatus = store.AuditError
		endError = joinErrors(dispatchErrors)
	}
	run.state = StateEnd
	run.audit(ctx, store.LogEntry{
		Action: ActionRunEnd,
		Status: endStatus,
		Error:  endError,
		Detail: map[string]any{
			"state":        string(run.state),
			"observed":     summary.ObservedCount,
			"new_events":   summary.NewEventsCount,
			"skipped":      summary.SkippedExisting,
			"dispatched":   summary.DispatchedCount,
			"errored":      summary.ErroredCount,
			"last_seen_id": summary.LastSeenIDAfter,
			"duration_ms":  summary.DurationMS,
		},
	})

	telemetry.RunDurationSeconds.Observe(time.Since(started).Seconds())
	telemetry.RunsTotal.With("success").Inc()

	logger.Info().
		Int("observed", summary.ObservedCount).
		Int("new_events", summary.NewEventsCount).
		Int("dispatched", summary.DispatchedCount).
		Int("errored", summary.ErroredCount).
		Int64("last_seen_id", summary.LastSeenIDAfter).
		Msg("Run complete")

	// Partial dispatch failures live in the summary, not in the run error:
	// the outbox retry path already owns them. An audit write failure is
	// different: the trail is a core guarantee, so it fails the run.
	return summary, run.fail(nil)
}

// dispatchPending delivers every NEW/ERROR event for the tenant
func (a *Agent) dispatchPending(ctx context.Context, run *runContext) (dispatched, errored int, errs []string) {
	if a.dispatcher == nil || !a.dispatcher.HasSinks() {
		return 0, 0, nil
	}

	pending, err := a.store.ListPendingEvents(ctx, run.tenant)
	if err != nil {
		// Listing failure leaves events NEW/ERROR for the next run.
		run.audit(ctx, store.LogEntry{Action: ActionDispatch, Status: store.AuditError, Error: err.Error()})
		return 0, 0, []string{err.Error()}
	}
	telemetry.PendingEvents.Set(float64(len(pending)))

	for _, ev := range pending {
		callStart := time.Now()
		result := a.dispatcher.Dispatch(ctx, dispatch.Event{
			EventID:     ev.EventID,
			EventType:   ev.EventType,
			Tenant:      ev.Tenant,
			SourceRowID: ev.SourceRowID,
			Payload:     []byte(ev.Payload),
		})

		for _, o := range result.Outcomes {
			if o.Skipped {
				continue
			}
			outcome := "delivered"
			if !o.Delivered {
				outcome = "failed"
			}
			telemetry.DispatchTotal.With(o.Sink, outcome).Inc()
			telemetry.DispatchDurationSeconds.With(o.Sink).Observe(time.Since(callStart).Seconds())
		}

		if !result.Attempted() {
			// Every sink filtered this event out; leave it pending.
			continue
		}

		if result.Delivered() {
			if err := a.store.MarkDispatched(ctx, ev.EventID, time.Now()); err != nil {
				errored++
				errs = append(errs, err.Error())
				run.audit(ctx, store.LogEntry{
					Action: ActionDispatch, Status: store.AuditError,
					EventType: ev.EventType, EventID: ev.EventID, SourceRowID: ev.SourceRowID,
					Error: err.Error(),
				})
				continue
			}
			dispatched++
			run.audit(ctx, store.LogEntry{
				Action: ActionDispatch, Status: store.AuditOK,
				EventType: ev.EventType, EventID: ev.EventID, SourceRowID: ev.SourceRowID,
			})
			continue
		}

		errText := joinErrors(result.Errors())
		errored++
		errs = append(errs, result.Errors()...)
		if err := a.store.MarkError(ctx, ev.EventID, errText); err != nil {
			errs = append(errs, err.Error())
		}
		run.audit(ctx, store.LogEntry{
			Action: ActionDispatch, Status: store.AuditError,
			EventType: ev.EventType, EventID: ev.EventID, SourceRowID: ev.SourceRowID,
			Error: errText,
		})
	}
	return dispatched, errored, errs
}

func (a *Agent) releaseClaims(ctx context.Context, tenant, runID string) {
	if err := a.store.ReleaseClaims(ctx, tenant, runID); err != nil {
		log.Warn().Err(err).Str("request_id", runID).Msg("Failed to release claims")
	}
}

// runContext carries per-run audit state. Audit failures never interrupt
// business logic mid-run, but they are never swallowed either: the first
// one surfaces as the run's terminal error.
type runContext struct {
	agent     *Agent
	tenant    string
	requestID string
	state     runState
	auditErr  error
}

func (r *runContext) audit(ctx context.Context, e store.LogEntry) {
	e.AgentName = r.agent.opts.AgentName
	e.RequestID = r.requestID
	if e.Tenant == "" {
		e.Tenant = r.tenant
	}
	if err := r.agent.store.AppendLog(ctx, e); err != nil {
		log.Error().Err(err).Str("action", e.Action).Msg("Audit log write failed")
		if r.auditErr == nil {
			r.auditErr = err
		}
	}
}

// fail folds an audit failure into the run's returned error
func (r *runContext) fail(err error) error {
	if err == nil && r.auditErr == nil {
		return nil
	}
	if err == nil {
		return fmt.Errorf("audit trail incomplete: %w", r.auditErr)
	}
	if r.auditErr != nil {
		return fmt.Errorf("%w (audit trail also incomplete: %v)", err, r.auditErr)
	}
	return err
}

// abort logs the failed end of a run and returns its error
func (r *runContext) abort(ctx context.Context, summary Summary, started time.Time, err error) (Summary, error) {
	summary.DurationMS = time.Since(started).Milliseconds()
	log.Error().
		Err(err).
		Str("tenant", r.tenant).
		Str("request_id", r.requestID).
		Str("state", string(r.state)).
		Msg("Run failed")
	r.audit(ctx, store.LogEntry{
		Action: ActionRunEnd,
		Status: store.AuditError,
		Error:  err.Error(),
		Detail: map[string]any{"state": string(r.state)},
	})
	telemetry.RunsTotal.With("failed").Inc()
	return summary, r.fail(err)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func joinErrors(errs []string) string {
	joined := ""
	for i, e := range errs {
		if i > 0 {
			joined += "; "
		}
		joined += e
	}
	if len(joined) > 2000 {
		joined = joined[:2000]
	}
	return joined
}

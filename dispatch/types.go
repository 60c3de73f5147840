package dispatch

import "context"

// Event is the unit of downstream delivery: an already-persisted outbox
// entry reduced to what sinks need. Payload is the exact wire document
// stored in the outbox, so retries always resend identical bytes.
type Event struct {
	EventID     string
	EventType   string
	Tenant      string
	SourceRowID int64
	Payload     []byte
}

// Sink delivers events to one downstream destination. Implementations must
// honor ctx cancellation; a stalled endpoint is bounded by the per-sink
// timeout the dispatcher applies.
type Sink interface {
	// Deliver sends one event. A nil return means the endpoint accepted it.
	Deliver(ctx context.Context, ev Event) error
	// Close releases any resources held by the sink
	Close() error
}

// Outcome is the per-sink result of one delivery attempt
type Outcome struct {
	Sink      string
	Delivered bool
	Skipped   bool // filtered out for this sink, counts as neither success nor failure
	Err       error
}

// Result aggregates one event's delivery across all configured sinks.
// Delivered is true only when every non-skipped sink accepted the event.
type Result struct {
	Outcomes []Outcome
}

// Delivered reports whether all attempted sinks succeeded
func (r Result) Delivered() bool {
	for _, o := range r.Outcomes {
		if o.Skipped {
			continue
		}
		if !o.Delivered {
			return false
		}
	}
	return true
}

// Attempted reports whether any sink actually received a delivery attempt
func (r Result) Attempted() bool {
	for _, o := range r.Outcomes {
		if !o.Skipped {
			return true
		}
	}
	return false
}

// Errors returns the failure descriptions, one per failed sink
func (r Result) Errors() []string {
	var errs []string
	for _, o := range r.Outcomes {
		if o.Skipped || o.Delivered {
			continue
		}
		errs = append(errs, o.Sink+": "+o.Err.Error())
	}
	return errs
}

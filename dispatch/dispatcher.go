package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hoamxTrav/hoamx-watcher-agent/cfg"
)

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[cfg.SinkType]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType cfg.SinkType, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

type endpoint struct {
	name    string
	sink    Sink
	filter  *GlobFilter
	timeout time.Duration
}

// Dispatcher fans one event out to every configured sink. Sinks are
// independent: a failure at one never prevents attempts at the others, and
// every attempt is bounded by the sink's timeout.
type Dispatcher struct {
	endpoints []endpoint
}

// NewDispatcher builds a dispatcher from sink configurations
func NewDispatcher(configs []cfg.SinkConfiguration) (*Dispatcher, error) {
	d := &Dispatcher{endpoints: make([]endpoint, 0, len(configs))}

	for _, sinkCfg := range configs {
		snk, err := createSink(sinkCfg)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to create sink %q: %w", sinkCfg.Name, err)
		}
		filter, err := NewGlobFilter(sinkCfg.FilterTenants, sinkCfg.FilterEventTypes)
		if err != nil {
			snk.Close()
			d.Close()
			return nil, fmt.Errorf("failed to create filter for sink %q: %w", sinkCfg.Name, err)
		}
		d.endpoints = append(d.endpoints, endpoint{
			name:    sinkCfg.Name,
			sink:    snk,
			filter:  filter,
			timeout: time.Duration(sinkCfg.TimeoutMSOrDefault()) * time.Millisecond,
		})

		log.Info().
			Str("sink", sinkCfg.Name).
			Str("type", string(sinkCfg.Type)).
			Msg("Added downstream sink")
	}

	return d, nil
}

// AddSink wires a pre-built sink. Used by tests and embedders.
func (d *Dispatcher) AddSink(name string, snk Sink, filter *GlobFilter, timeout time.Duration) {
	if filter == nil {
		filter, _ = NewGlobFilter(nil, nil)
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	d.endpoints = append(d.endpoints, endpoint{name: name, sink: snk, filter: filter, timeout: timeout})
}

// HasSinks reports whether any downstream endpoint is configured
func (d *Dispatcher) HasSinks() bool {
	return len(d.endpoints) > 0
}

// Dispatch attempts delivery of one event to all matching sinks. A timed
// out call counts as failed, never as delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) Result {
	result := Result{Outcomes: make([]Outcome, 0, len(d.endpoints))}

	for _, ep := range d.endpoints {
		if !ep.filter.Match(ev.Tenant, ev.EventType) {
			result.Outcomes = append(result.Outcomes, Outcome{Sink: ep.name, Skipped: true})
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, ep.timeout)
		err := ep.sink.Deliver(callCtx, ev)
		cancel()

		if err != nil {
			log.Warn().
				Err(err).
				Str("sink", ep.name).
				Str("event_id", ev.EventID).
				Msg("Delivery failed")
			result.Outcomes = append(result.Outcomes, Outcome{Sink: ep.name, Err: err})
			continue
		}
		result.Outcomes = append(result.Outcomes, Outcome{Sink: ep.name, Delivered: true})
	}

	return result
}

// Close closes all sinks
func (d *Dispatcher) Close() {
	for _, ep := range d.endpoints {
		if ep.sink == nil {
			continue
		}
		if err := ep.sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", ep.name).Msg("Failed to close sink")
		}
	}
	d.endpoints = nil
}

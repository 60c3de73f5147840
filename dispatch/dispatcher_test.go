package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoamxTrav/hoamx-watcher-agent/cfg"
)

func testDispatchEvent() Event {
	return Event{
		EventID:     "contact.created:acme:1",
		EventType:   "contact.created",
		Tenant:      "acme",
		SourceRowID: 1,
		Payload:     []byte(`{"event_id":"contact.created:acme:1"}`),
	}
}

func TestDispatchAllSinksSucceed(t *testing.T) {
	a, b := &MockSink{}, &MockSink{}
	d := &Dispatcher{}
	d.AddSink("a", a, nil, time.Second)
	d.AddSink("b", b, nil, time.Second)

	result := d.Dispatch(context.Background(), testDispatchEvent())
	assert.True(t, result.Delivered())
	assert.True(t, result.Attempted())
	assert.Empty(t, result.Errors())
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestDispatchSinkFailureIsIndependent(t *testing.T) {
	ok := &MockSink{}
	bad := &MockSink{DeliverErr: errors.New("broker down")}
	d := &Dispatcher{}
	d.AddSink("bad", bad, nil, time.Second)
	d.AddSink("ok", ok, nil, time.Second)

	result := d.Dispatch(context.Background(), testDispatchEvent())

	// One sink failing never blocks the other.
	assert.Len(t, ok.Events(), 1)
	assert.False(t, result.Delivered())
	require.Len(t, result.Errors(), 1)
	assert.Contains(t, result.Errors()[0], "broker down")
}

func TestDispatchFilterSkips(t *testing.T) {
	snk := &MockSink{}
	filter, err := NewGlobFilter([]string{"globex"}, nil)
	require.NoError(t, err)

	d := &Dispatcher{}
	d.AddSink("filtered", snk, filter, time.Second)

	result := d.Dispatch(context.Background(), testDispatchEvent())
	assert.False(t, result.Attempted())
	assert.True(t, result.Delivered(), "nothing attempted, nothing failed")
	assert.Empty(t, snk.Events())
}

type slowSink struct{}

func (s slowSink) Deliver(ctx context.Context, _ Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return nil
	}
}

func (s slowSink) Close() error { return nil }

func TestDispatchTimeoutIsFailure(t *testing.T) {
	d := &Dispatcher{}
	d.AddSink("slow", slowSink{}, nil, 20*time.Millisecond)

	start := time.Now()
	result := d.Dispatch(context.Background(), testDispatchEvent())
	assert.Less(t, time.Since(start), time.Second, "call is bounded by the sink timeout")

	assert.False(t, result.Delivered())
	require.Len(t, result.Errors(), 1)
	assert.Contains(t, result.Errors()[0], "deadline exceeded")
}

func TestNewDispatcherUnknownSinkType(t *testing.T) {
	_, err := NewDispatcher([]cfg.SinkConfiguration{
		{Name: "x", Type: "carrier-pigeon"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sink type")
}

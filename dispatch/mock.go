package dispatch

import (
	"context"
	"sync"
)

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	Delivered  []Event
	DeliverErr error
	mu         sync.Mutex
}

// Deliver records the event for later inspection in tests
func (m *MockSink) Deliver(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeliverErr != nil {
		return m.DeliverErr
	}

	m.Delivered = append(m.Delivered, ev)
	return nil
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Events returns a copy of the delivered events
func (m *MockSink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.Delivered))
	copy(out, m.Delivered)
	return out
}

// Reset clears all recorded events
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Delivered = nil
}

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hoamxTrav/hoamx-watcher-agent/cfg"
)

func init() {
	RegisterSink(cfg.SinkNats, func(config cfg.SinkConfiguration) (Sink, error) {
		if config.URL == "" {
			return nil, fmt.Errorf("nats sink requires url")
		}
		subject := config.Topic
		if subject == "" {
			subject = "watcher.events"
		}
		return NewNatsSink(config.URL, subject)
	})
}

// NatsSink publishes events to NATS JetStream. The event_id travels as a
// message header so consumers can deduplicate at-least-once deliveries.
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
}

// NewNatsSink connects to NATS and prepares a JetStream context
func NewNatsSink(url, subject string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, subject: subject}, nil
}

// Deliver publishes one event to the configured subject
func (n *NatsSink) Deliver(ctx context.Context, ev Event) error {
	streamName := sanitizeStreamName(n.subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{n.subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	msg := &nats.Msg{
		Subject: n.subject,
		Data:    ev.Payload,
		Header: nats.Header{
			"event-id":   []string{ev.EventID},
			"event-type": []string{ev.EventType},
			"tenant":     []string{ev.Tenant},
		},
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.subject, err)
	}
	return nil
}

// Close releases the NATS connection
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name.
// Stream names can't contain "." so we replace with "_".
func sanitizeStreamName(subject string) string {
	result := make([]byte, len(subject))
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			result[i] = '_'
		} else {
			result[i] = subject[i]
		}
	}
	return string(result)
}

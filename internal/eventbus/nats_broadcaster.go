package eventbus

import (
	"fmt"

	nats "github.com/nats-io/nats.go"
)

// NATSBroadcaster is the durable fan-out path for events that must reach
// observers outside this process (a dashboard, another orchestrator
// replica): a publish-only client over one connection shared by every
// session.
type NATSBroadcaster struct {
	nc      *nats.Conn
	subject string
}

// DialNATS connects to url (e.g. "127.0.0.1:4222") and returns a
// NATSBroadcaster publishing under subject. Callers should treat a
// non-nil error as "durable fan-out unavailable" and fall back to the
// in-process Bus alone.
func DialNATS(url, subject string) (*NATSBroadcaster, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBroadcaster{nc: nc, subject: subject}, nil
}

// Publish implements Broadcaster.
func (b *NATSBroadcaster) Publish(subject string, payload []byte) error {
	if subject == "" {
		subject = b.subject
	}
	return b.nc.Publish(subject, payload)
}

// Close closes the underlying connection without draining it first.
func (b *NATSBroadcaster) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

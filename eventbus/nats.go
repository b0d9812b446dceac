package eventbus

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// NATSBridge mirrors Bus events onto a NATS subject so multiple
// plugin-runtime processes can share plg:* and db:* events. It is purely
// additive: the in-process Bus remains authoritative within one process,
// and a bridge failure never blocks Publish.
type NATSBridge struct {
	conn    *nats.Conn
	subject string
	bus     *Bus
	sub     *nats.Subscription

	// injecting is set while a remote event is being re-published onto the
	// local bus, so a Forward subscriber on that bus does not echo the
	// event straight back to NATS.
	injecting atomic.Bool
}

type wireEvent struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// NewNATSBridge connects to url and mirrors bus events under subject,
// re-publishing remote events onto bus as they arrive.
func NewNATSBridge(url, subject string, bus *Bus) (*NATSBridge, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect nats: %w", err)
	}

	b := &NATSBridge{conn: conn, subject: subject, bus: bus}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var we wireEvent
		if err := json.Unmarshal(msg.Data, &we); err != nil {
			return
		}
		var data interface{}
		_ = json.Unmarshal(we.Data, &data)
		b.injecting.Store(true)
		defer b.injecting.Store(false)
		bus.Publish(Event{Name: we.Name, Data: data})
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventbus: subscribe nats: %w", err)
	}
	b.sub = sub
	return b, nil
}

// Forward publishes ev to the NATS subject. Marshal failures are returned;
// connectivity failures are the caller's to decide whether to log and
// continue, matching the "bridge failure never blocks local Publish"
// contract above.
func (b *NATSBridge) Forward(ev Event) error {
	if b.injecting.Load() {
		return nil
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event data: %w", err)
	}
	payload, err := json.Marshal(wireEvent{Name: ev.Name, Data: data})
	if err != nil {
		return fmt.Errorf("eventbus: marshal wire event: %w", err)
	}
	return b.conn.Publish(b.subject, payload)
}

// Close unsubscribes and closes the NATS connection.
func (b *NATSBridge) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.conn.Close()
	return nil
}

// Package messagebus mirrors in-process bus events onto NATS subjects so
// external observers can follow task and worker activity. The mirror is
// publish-only; scheduler state never distributes.
package messagebus

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/pkg/config"
)

// Mirror forwards bus events to NATS.
type Mirror struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials NATS and returns a mirror. The subject prefix defaults to
// "ringmaster.events".
func Connect(cfg config.NatsConfig) (*Mirror, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "ringmaster.events"
	}

	conn, err := nats.Connect(url,
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[MessageBus] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[MessageBus] reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Printf("[MessageBus] mirroring events to %s under %s.*", url, prefix)
	return &Mirror{conn: conn, prefix: prefix}, nil
}

// Attach registers the mirror on the bus. Publish failures are logged and
// never reach the publisher.
func (m *Mirror) Attach(bus *eventbus.Bus) {
	bus.OnEvent(func(evt *eventbus.Event) {
		data, err := json.Marshal(evt)
		if err != nil {
			log.Printf("[MessageBus] cannot marshal event %s: %v", evt.Type, err)
			return
		}
		if err := m.conn.Publish(m.subject(evt.Type), data); err != nil {
			log.Printf("[MessageBus] publish %s: %v", evt.Type, err)
		}
	})
}

// subject maps an event type to its NATS subject, e.g.
// ringmaster.events.task_started.
func (m *Mirror) subject(t eventbus.EventType) string {
	return m.prefix + "." + strings.ToLower(string(t))
}

// Close flushes and closes the connection.
func (m *Mirror) Close() {
	if m.conn != nil {
		m.conn.Flush()
		m.conn.Close()
	}
}

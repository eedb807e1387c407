// Package observability publishes bus lifecycle events to NATS for
// out-of-process monitoring, adapted from go-server/pkg/nats.Client.
// This is a one-way, disabled-by-default fan-out: nothing in the routing
// core ever subscribes back to it, so it cannot reintroduce federated
// routing (a declared Non-goal).
package observability

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is one lifecycle notification published to Subject.
type Event struct {
	Kind      string `json:"kind"` // connect or disconnect; the daemon publishes no other kinds
	Name      string `json:"name,omitempty"`
	Unique    string `json:"unique,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher wraps a NATS connection the same way go-server/pkg/nats.Client
// wraps reconnection/error handling, scoped down to the single publish
// path busd needs.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     *zap.SugaredLogger
}

// Connect dials url with the reconnect/backoff options go-server's
// client configures, returning nil, nil if url is empty (observability
// disabled).
func Connect(url, subject string, log *zap.SugaredLogger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("observability: nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Infow("observability: nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, subject: subject, log: log}, nil
}

// Publish marshals ev and fires it at Subject. Failures are logged, not
// returned: a telemetry hiccup must never affect routing.
func (p *Publisher) Publish(ev Event) {
	if p == nil || p.conn == nil {
		return
	}
	ev.Timestamp = time.Now().UnixNano()
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warnw("observability: marshal event", "err", err)
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.log.Warnw("observability: publish", "err", err)
	}
}

func (p *Publisher) Close() {
	if p != nil && p.conn != nil {
		p.conn.Close()
	}
}

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"callagent/internal/config"

	"github.com/nats-io/nats.go"
)

// PushSink is where decoded push payloads go. The call controller
// implements it.
type PushSink interface {
	HandlePush(ctx context.Context, data map[string]any, source string)
}

// Subscriber feeds push payloads from a NATS subject into the call state
// machine. It is the server-push twin of the HTTP /push endpoint: same
// payloads, different transport.
type Subscriber struct {
	conn *nats.Conn
	sub  *nats.Subscription
	log  *slog.Logger
}

// Connect dials NATS and subscribes. Messages that are not JSON objects
// are logged and dropped; the subject carries push payloads only.
func Connect(ctx context.Context, cfg config.IngestConfig, sink PushSink, log *slog.Logger) (*Subscriber, error) {
	if log == nil {
		log = slog.Default()
	}

	opts := []nats.Option{
		nats.Name("call-agent"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := conn.Subscribe(cfg.Subject, func(msg *nats.Msg) {
		var data map[string]any
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			log.Warn("ingest message is not a json object", "subject", msg.Subject, "err", err)
			return
		}
		sink.HandlePush(context.WithoutCancel(ctx), data, "nats")
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %q: %w", cfg.Subject, err)
	}

	log.Info("nats ingest subscribed", "subject", cfg.Subject)
	return &Subscriber{conn: conn, sub: sub, log: log}, nil
}

// Close drains the subscription and closes the connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Warn("nats unsubscribe failed", "err", err)
		}
	}
	s.conn.Close()
}

// IsConnected reports whether the NATS connection is currently up.
func (s *Subscriber) IsConnected() bool {
	return s.conn.IsConnected()
}

// Package nats publishes change events on a NATS subject.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/notify"
)

// Config describes the NATS connection.
type Config struct {
	URL      string `mapstructure:"url"`
	Subject  string `mapstructure:"subject"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type conn interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// Publisher sends change events as JSON with a Nats-Msg-Id header so
// JetStream-backed subjects can deduplicate redeliveries.
type Publisher struct {
	conn    conn
	subject string
	seq     atomic.Uint64
}

// Connect dials NATS.
func Connect(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("catalogsync"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from nats", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", zap.String("server", nc.ConnectedUrl()))
		}),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	p, err := New(nc, cfg.Subject)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

// New wraps an existing connection.
func New(c conn, subject string) (*Publisher, error) {
	if c == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	return &Publisher{conn: c, subject: subject}, nil
}

// Publish sends the event and flushes so a failure surfaces to the caller.
func (p *Publisher) Publish(ctx context.Context, event notify.ChangeEvent) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	id := fmt.Sprintf("%s-%d", event.RunID, p.seq.Add(1))
	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, id)
	msg.Header.Set("Catalog-Category", event.Category)
	if err := p.conn.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return "", fmt.Errorf("flush nats: %w", err)
	}
	return id, nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

// Package nats publishes batch notifications to NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/ingest-crawler/internal/hash/sha256"
)

const defaultFlushTimeout = 5 * time.Second

// Publisher sends JSON messages on a NATS connection.
type Publisher struct {
	conn  *nats.Conn
	owned bool
	// flushTimeout bounds the server round trip when ctx has no deadline.
	flushTimeout time.Duration
}

// Connect dials url and owns the resulting connection.
func Connect(url string, opts ...nats.Option) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Publisher{conn: nc, owned: true, flushTimeout: defaultFlushTimeout}, nil
}

// New wraps a connection the caller keeps ownership of.
func New(nc *nats.Conn) *Publisher {
	return &Publisher{conn: nc, flushTimeout: defaultFlushTimeout}
}

// WithFlushTimeout overrides how long Publish waits for the server to
// acknowledge a message when the caller's context carries no deadline.
func (p *Publisher) WithFlushTimeout(d time.Duration) *Publisher {
	p.flushTimeout = d
	return p
}

// Publish marshals payload and publishes it on the subject. The message ID
// is the Nats-Msg-Id header, a hash of the payload.
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) (string, error) {
	if p.conn == nil {
		return "", errors.New("nats publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	id := msgID(data)
	msg.Header.Set(nats.MsgIdHdr, id)
	if err := p.conn.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("publish to %s: %w", subject, err)
	}
	flushCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		timeout := p.flushTimeout
		if timeout <= 0 {
			timeout = defaultFlushTimeout
		}
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.conn.FlushWithContext(flushCtx); err != nil {
		return "", fmt.Errorf("flush %s: %w", subject, err)
	}
	return id, nil
}

// Close drains the connection when the publisher owns it.
func (p *Publisher) Close() error {
	if p.conn == nil || !p.owned {
		return nil
	}
	return p.conn.Drain()
}

func msgID(data []byte) string {
	return sha256.Short(12, string(data))
}

// headerCarrier adapts nats.Msg headers for OTel propagation.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Package listener owns a long-lived Postgres session subscribed to the two
// mirror-lifecycle notification channels, decoding payloads into Events and
// reconnecting on transport failure.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

const (
	ChannelCreate = "peerdb_create_mirror"
	ChannelDrop   = "peerdb_drop_mirror"
)

// Event is one decoded notification, enriched with the origin PID carried by
// the transport-level notification record.
type Event struct {
	Channel    string
	Schema     string
	Table      string
	OriginPID  int
	PayloadRaw []byte
}

type payload struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// Config controls reconnect behavior.
type Config struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 10 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	return c
}

// notifConn is the slice of *pgx.Conn this package depends on, narrowed so
// tests can substitute a fake Postgres session.
type notifConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Dialer opens a new Postgres connection. In production this wraps
// pgx.Connect against the source database DSN; tests substitute a fake.
type Dialer func(ctx context.Context) (notifConn, error)

// WrapConnect adapts pgx.Connect to a Dialer.
func WrapConnect(dsn string) Dialer {
	return func(ctx context.Context) (notifConn, error) {
		return pgx.Connect(ctx, dsn)
	}
}

// ErrReconnectExhausted is returned by Run when MaxReconnectAttempts
// consecutive reconnect attempts all fail.
var ErrReconnectExhausted = errors.New("listener: reconnect attempts exhausted")

// Listener consumes notifications and publishes decoded Events on a channel.
type Listener struct {
	dial   Dialer
	cfg    Config
	logger zerolog.Logger
}

// New creates a Listener. dial is called once at startup and again after
// every reconnect.
func New(dial Dialer, cfg Config, logger zerolog.Logger) *Listener {
	return &Listener{
		dial:   dial,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "listener").Logger(),
	}
}

// Run subscribes to both channels and sends decoded Events on events until
// ctx is cancelled or reconnect attempts are exhausted. It owns every
// connection it opens and closes it before returning or reconnecting.
func (l *Listener) Run(ctx context.Context, events chan<- Event) error {
	conn, err := l.connectAndSubscribe(ctx)
	if err != nil {
		return fmt.Errorf("listener: initial connect: %w", err)
	}

	for {
		consumeErr := l.consume(ctx, conn, events)
		conn.Close(context.Background())

		if consumeErr == nil {
			return nil // ctx cancelled, clean shutdown
		}

		l.logger.Warn().Err(consumeErr).Msg("listener session broken, reconnecting")
		conn, err = l.reconnect(ctx)
		if err != nil {
			return err
		}
		if conn == nil {
			return nil // ctx cancelled during reconnect
		}
	}
}

func (l *Listener) connectAndSubscribe(ctx context.Context) (notifConn, error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.subscribe(ctx, conn); err != nil {
		conn.Close(context.Background())
		return nil, err
	}
	return conn, nil
}

func (l *Listener) subscribe(ctx context.Context, conn notifConn) error {
	if _, err := conn.Exec(ctx, "LISTEN "+ChannelCreate); err != nil {
		return fmt.Errorf("listen %s: %w", ChannelCreate, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+ChannelDrop); err != nil {
		return fmt.Errorf("listen %s: %w", ChannelDrop, err)
	}
	return nil
}

// consume blocks decoding notifications until the connection breaks or ctx
// is cancelled. A nil error return always means ctx was cancelled; any other
// return is a transport failure that should trigger reconnect.
func (l *Listener) consume(ctx context.Context, conn notifConn, events chan<- Event) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		ev, ok := decode(n)
		if !ok {
			l.logger.Warn().Str("channel", n.Channel).Str("payload", n.Payload).Msg("malformed notification payload, dropping")
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

func decode(n *pgconn.Notification) (Event, bool) {
	raw := []byte(n.Payload)
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || p.Schema == "" || p.Table == "" {
		return Event{}, false
	}

	channel := "create"
	if n.Channel == ChannelDrop {
		channel = "drop"
	}

	return Event{
		Channel:    channel,
		Schema:     p.Schema,
		Table:      p.Table,
		OriginPID:  int(n.PID),
		PayloadRaw: raw,
	}, true
}

// reconnect retries connectAndSubscribe up to MaxReconnectAttempts, spaced by
// ReconnectDelay. It returns (nil, nil) if ctx is cancelled mid-retry, a
// connected session on success, or ErrReconnectExhausted after the last
// attempt fails.
func (l *Listener) reconnect(ctx context.Context) (notifConn, error) {
	for attempt := 1; attempt <= l.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-time.After(l.cfg.ReconnectDelay):
		case <-ctx.Done():
			return nil, nil
		}

		conn, err := l.connectAndSubscribe(ctx)
		if err == nil {
			return conn, nil
		}
		l.logger.Warn().Int("attempt", attempt).Err(err).Msg("reconnect attempt failed")
	}
	return nil, ErrReconnectExhausted
}

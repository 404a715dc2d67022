// Package relay extends the in-process hub across processes through Redis
// pub/sub. Membership stays local to each process; every Notify is delivered
// locally and published on the session's channel, and each process delivers
// messages published by its peers to its own members.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"chatrelay/domain"
	"chatrelay/hub"
	"chatrelay/metrics"
)

var ErrClosed = errors.New("relay: closed")

const DefaultPrefix = "chatrelay:"

const closeTimeout = 5 * time.Second

type Options struct {
	Addr     string
	Password string
	Prefix   string
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type envelope struct {
	Node      string          `json:"node"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

type Relay struct {
	local   *hub.Hub
	pub     *redis.Client
	sub     *redis.Client
	pubsub  *redis.PubSub
	node    string
	prefix  string
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New connects the publish and subscribe clients and returns once both are
// ready: the publisher answered a ping and the pattern subscription is
// confirmed.
func New(ctx context.Context, local *hub.Hub, opts Options) (*Relay, error) {
	if local == nil {
		return nil, errors.New("relay: local hub is required")
	}
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("relay: redis address is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	redisOpts := &redis.Options{Addr: opts.Addr, Password: opts.Password}
	r := &Relay{
		local:   local,
		pub:     redis.NewClient(redisOpts),
		sub:     redis.NewClient(redisOpts),
		node:    uuid.NewString(),
		prefix:  prefix,
		metrics: opts.Metrics,
		logger:  logger,
		done:    make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.pub.Ping(gctx).Err(); err != nil {
			return fmt.Errorf("relay: publish client: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ps := r.sub.PSubscribe(gctx, r.pattern())
		if _, err := ps.Receive(gctx); err != nil {
			_ = ps.Close()
			return fmt.Errorf("relay: subscribe client: %w", err)
		}
		r.pubsub = ps
		return nil
	})
	if err := g.Wait(); err != nil {
		if r.pubsub != nil {
			_ = r.pubsub.Close()
		}
		_ = r.pub.Close()
		_ = r.sub.Close()
		return nil, err
	}

	go r.receive(r.pubsub.Channel())

	logger.Info("relay connected", "addr", opts.Addr, "node", r.node, "pattern", r.pattern())
	return r, nil
}

func (r *Relay) channel(sessionID string) string {
	return r.prefix + "session:" + sessionID
}

func (r *Relay) pattern() string {
	return r.prefix + "session:*"
}

func (r *Relay) Node() string {
	return r.node
}

func (r *Relay) Join(ctx context.Context, conn domain.Connection, sessionID string) error {
	if r.isClosed() {
		return ErrClosed
	}
	return r.local.Join(ctx, conn, sessionID)
}

func (r *Relay) Leave(ctx context.Context, conn domain.Connection, sessionID string) error {
	return r.local.Leave(ctx, conn, sessionID)
}

// Notify delivers data to local members other than origin and publishes it
// for every other process. Only the publish can fail.
func (r *Relay) Notify(ctx context.Context, sessionID string, data []byte, origin domain.Connection) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.local.Notify(ctx, sessionID, data, origin); err != nil {
		return err
	}

	payload, err := json.Marshal(envelope{Node: r.node, SessionID: sessionID, Data: data})
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	if err := r.pub.Publish(ctx, r.channel(sessionID), payload).Err(); err != nil {
		return fmt.Errorf("relay: publish to %s: %w", sessionID, err)
	}
	r.metrics.Relay(metrics.RelayPublished)
	return nil
}

func (r *Relay) receive(ch <-chan *redis.Message) {
	defer close(r.done)

	for msg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.metrics.Relay(metrics.RelayDropped)
			r.logger.Warn("relay envelope dropped", "channel", msg.Channel, "error", err)
			continue
		}
		if env.Node == r.node {
			continue
		}
		if env.SessionID == "" || msg.Channel != r.channel(env.SessionID) {
			r.metrics.Relay(metrics.RelayDropped)
			r.logger.Warn("relay envelope dropped", "channel", msg.Channel, "sessionId", env.SessionID)
			continue
		}

		r.metrics.Relay(metrics.RelayReceived)
		_ = r.local.Notify(context.Background(), env.SessionID, env.Data, nil)
	}
}

func (r *Relay) Stats() (sessions, connections int) {
	return r.local.Stats()
}

func (r *Relay) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close ends the subscription and both clients. It is safe to call twice.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := errors.Join(r.pubsub.Close(), r.pub.Close(), r.sub.Close())
	select {
	case <-r.done:
	case <-time.After(closeTimeout):
		r.logger.Warn("relay receive loop did not stop", "node", r.node)
	}
	r.logger.Info("relay closed", "node", r.node)
	return err
}

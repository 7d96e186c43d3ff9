// Package redisbroadcast is a broadcast.Hub that spans several server nodes.
//
// Membership is local to each node. Broadcasts are published on a Redis
// channel per group, and every node delivers what it receives to its own
// members.
package redisbroadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/sockjs-server-go/broadcast"
	"github.com/ggoodman/sockjs-server-go/broadcast/memorybroadcast"
	"github.com/ggoodman/sockjs-server-go/sessions"
)

var _ broadcast.Hub = (*Hub)(nil)

// Config for the Redis hub. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// ChannelPrefix namespaces the pub/sub channels. ENV: BROADCAST_CHANNEL_PREFIX
	ChannelPrefix string `env:"BROADCAST_CHANNEL_PREFIX,default=sockjs:broadcast:"`
}

// ConfigFromEnv loads a Config with envdecode.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode redis broadcast config: %w", err)
	}
	return cfg, nil
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger for subscription errors.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// Hub publishes broadcasts through Redis.
type Hub struct {
	client *redis.Client
	ps     *redis.PubSub
	prefix string
	local  *memorybroadcast.Hub
	log    *slog.Logger

	closed atomic.Bool
	done   chan struct{}
}

// New connects to Redis and subscribes to every group channel.
func New(ctx context.Context, cfg Config, opts ...Option) (*Hub, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "sockjs:broadcast:"
	}

	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ps := cl.PSubscribe(ctx, prefix+"*")
	// Wait for the subscription so that broadcasts issued right after New
	// are not missed by this node.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = cl.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	h := &Hub{
		client: cl,
		ps:     ps,
		prefix: prefix,
		local:  memorybroadcast.New(),
		log:    slog.New(slog.DiscardHandler),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h, nil
}

// NewFromEnv builds a Hub from the environment.
func NewFromEnv(ctx context.Context, opts ...Option) (*Hub, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

func (h *Hub) run() {
	defer close(h.done)
	for msg := range h.ps.Channel() {
		group := strings.TrimPrefix(msg.Channel, h.prefix)
		if _, err := h.local.Broadcast(context.Background(), group, msg.Payload); err != nil {
			h.log.Debug("redisbroadcast.deliver.fail", slog.String("group", group), slog.String("err", err.Error()))
		}
	}
}

func (h *Hub) channel(group string) string { return h.prefix + group }

func (h *Hub) Join(ctx context.Context, group string, c sessions.Conn) error {
	if h.closed.Load() {
		return broadcast.ErrClosed
	}
	return h.local.Join(ctx, group, c)
}

func (h *Hub) Leave(ctx context.Context, group string, c sessions.Conn) error {
	return h.local.Leave(ctx, group, c)
}

// Broadcast publishes msg for group. Delivery to members, including local
// ones, happens asynchronously once Redis echoes the message back.
func (h *Hub) Broadcast(ctx context.Context, group, msg string) (int, error) {
	if h.closed.Load() {
		return 0, broadcast.ErrClosed
	}
	n, err := h.client.Publish(ctx, h.channel(group), msg).Result()
	if err != nil {
		return 0, fmt.Errorf("redis publish: %w", err)
	}
	return int(n), nil
}

// Close unsubscribes and closes the Redis client.
func (h *Hub) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := h.ps.Close()
	<-h.done
	_ = h.local.Close()
	if cerr := h.client.Close(); err == nil {
		err = cerr
	}
	return err
}

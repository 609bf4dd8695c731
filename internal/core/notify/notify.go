// Package notify keeps the rule indexes of several redirector instances in
// step over Redis pub/sub.
//
// After a local mutation rebuilds the index, the engine publishes
// {instance, version} on the configured channel. Every other instance that
// receives it reloads from the shared store. Messages carrying the
// receiver's own instance id are ignored.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/solatis/redirector/internal/metrics"
)

const rebuildTimeout = 30 * time.Second

// Rebuilder reloads the local index. Implemented by *rules.Engine.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Message is the payload published after each local rebuild.
type Message struct {
	Instance string `json:"instance"`
	Version  uint64 `json:"version"`
}

// Notifier publishes and consumes index invalidations.
type Notifier struct {
	client   redis.UniversalClient
	channel  string
	instance string
	log      *zap.SugaredLogger
	ready    chan struct{}
}

// New creates a notifier on channel with a fresh instance id.
func New(client redis.UniversalClient, channel string, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		log:      logger,
		ready:    make(chan struct{}),
	}
}

// NewClient creates the Redis client used by New.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Instance returns the id stamped on published messages.
func (n *Notifier) Instance() string { return n.instance }

// Ready is closed once Run holds an active subscription.
func (n *Notifier) Ready() <-chan struct{} { return n.ready }

// Invalidated publishes a rebuild of the given index version.
func (n *Notifier) Invalidated(ctx context.Context, version uint64) error {
	payload, err := json.Marshal(Message{Instance: n.instance, Version: version})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	metrics.Invalidations.WithLabelValues("published").Inc()
	return nil
}

// Run subscribes to the channel and rebuilds target for every message
// published by another instance. It returns when ctx ends.
func (n *Notifier) Run(ctx context.Context, target Rebuilder) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", n.channel, err)
	}
	close(n.ready)
	n.log.Infow("listening for index invalidations", "channel", n.channel, "instance", n.instance)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			n.handle(ctx, msg.Payload, target)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, payload string, target Rebuilder) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		n.log.Warnw("ignoring malformed invalidation", "payload", payload, "error", err)
		return
	}
	if m.Instance == n.instance {
		return
	}
	metrics.Invalidations.WithLabelValues("received").Inc()

	rctx, cancel := context.WithTimeout(ctx, rebuildTimeout)
	defer cancel()
	if err := target.Rebuild(rctx); err != nil {
		n.log.Errorw("index rebuild after remote invalidation failed",
			"from", m.Instance, "version", m.Version, "error", err)
		return
	}
	n.log.Debugw("index rebuilt after remote invalidation", "from", m.Instance, "version", m.Version)
}

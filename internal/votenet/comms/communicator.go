package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/votenet/votenet/internal/votenet/logger"
	"github.com/votenet/votenet/internal/votenet/metrics"
	"github.com/votenet/votenet/internal/votenet/store"
	"github.com/votenet/votenet/internal/votenet/types"
)

func commsLogger() *zap.SugaredLogger {
	return logger.Named("comms")
}

// Handler processes one inbound envelope from a channel.
type Handler func(env *types.Envelope)

// Stats are the communicator's lifetime counters, surfaced in /health.
type Stats struct {
	MessagesProcessed uint64 `json:"messages_processed"`
	ErrorsEncountered uint64 `json:"errors_encountered"`
	Active            bool   `json:"active"`
}

// Emitter is the narrow sending capability handed to subsystems. They never
// hold the full communicator.
type Emitter interface {
	Broadcast(ctx context.Context, channel, msgType string, payload any) error
	Send(ctx context.Context, targetNode, msgType string, payload any) error
}

// Communicator publishes typed messages on named channels and dispatches
// inbound messages to registered channel handlers. Self-originated messages
// are dropped. Delivery is at-most-once and unordered across channels.
type Communicator struct {
	store  store.Store
	nodeID string

	mu       sync.RWMutex
	handlers map[string]Handler

	sub    store.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	processed atomic.Uint64
	errors    atomic.Uint64
	active    atomic.Bool
}

// New creates a communicator for the given node.
func New(s store.Store, nodeID string) *Communicator {
	return &Communicator{
		store:    s,
		nodeID:   nodeID,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
}

// RegisterHandler installs the handler for one channel. Must be called
// before Start.
func (c *Communicator) RegisterHandler(channel string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[channel] = h
}

// Start subscribes to the closed channel set plus this node's direct channel
// and runs the listener until the context is cancelled.
func (c *Communicator) Start(ctx context.Context) error {
	channels := []string{
		types.ChannelVoteProposal,
		types.ChannelVoteResponse,
		types.ChannelVoteFinalization,
		types.ChannelTimeSync,
		types.ChannelLeaderElection,
		types.ChannelElectionAdmin,
		types.DirectChannel(c.nodeID),
	}

	sub, err := c.store.Subscribe(ctx, channels...)
	if err != nil {
		return fmt.Errorf("communicator subscribe: %w", err)
	}
	c.sub = sub
	c.active.Store(true)

	ctx, c.cancel = context.WithCancel(ctx)
	go c.listen(ctx)

	commsLogger().Infow("Communicator started", "node", c.nodeID, "channels", len(channels))
	return nil
}

// listen is the single consumer for all channels, so effects apply in the
// order messages arrive on each channel.
func (c *Communicator) listen(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.sub.Messages():
			if !ok {
				c.active.Store(false)
				commsLogger().Warnw("Subscription closed", "node", c.nodeID)
				return
			}
			c.dispatch(msg)
		}
	}
}

func (c *Communicator) dispatch(msg store.Message) {
	var env types.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		c.errors.Add(1)
		metrics.MessagesDropped.Inc()
		commsLogger().Errorw("Invalid envelope, dropping", "channel", msg.Channel, "error", err)
		return
	}

	if env.Sender == c.nodeID {
		metrics.MessagesDropped.Inc()
		return
	}

	c.mu.RLock()
	handler := c.handlers[msg.Channel]
	c.mu.RUnlock()

	if handler == nil {
		metrics.MessagesDropped.Inc()
		commsLogger().Warnw("No handler registered for channel", "channel", msg.Channel, "type", env.Type)
		return
	}

	handler(&env)
	c.processed.Add(1)
	metrics.MessagesProcessed.Inc()
}

// Broadcast publishes a typed message on a named channel.
func (c *Communicator) Broadcast(ctx context.Context, channel, msgType string, payload any) error {
	return c.publish(ctx, channel, msgType, payload)
}

// Send publishes a typed message on the target node's direct channel.
func (c *Communicator) Send(ctx context.Context, targetNode, msgType string, payload any) error {
	return c.publish(ctx, types.DirectChannel(targetNode), msgType, payload)
}

func (c *Communicator) publish(ctx context.Context, channel, msgType string, payload any) error {
	env, err := types.NewEnvelope(c.nodeID, msgType, payload)
	if err != nil {
		c.errors.Add(1)
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := c.store.Publish(ctx, channel, data); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("publish %s on %s: %w", msgType, channel, err)
	}
	commsLogger().Debugw("Published message", "channel", channel, "type", msgType)
	return nil
}

// Stats returns lifetime counters.
func (c *Communicator) Stats() Stats {
	return Stats{
		MessagesProcessed: c.processed.Load(),
		ErrorsEncountered: c.errors.Load(),
		Active:            c.active.Load(),
	}
}

// Close stops the listener and closes the subscription.
func (c *Communicator) Close() error {
	c.active.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.sub != nil {
		err := c.sub.Close()
		<-c.done
		return err
	}
	return nil
}

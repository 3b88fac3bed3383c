// Package push multiplexes per-transaction subscriptions over one shared
// chain.Stream connection.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pvzzle/txmonitor/internal/chain"
	"github.com/pvzzle/txmonitor/internal/workqueue"
)

// Channel owns the stream connection. Connect, subscribe, unsubscribe and
// close are serialized, so the connection is never closed under a
// subscription that is being added.
type Channel struct {
	stream chain.Stream
	reg    *Registry
	exec   workqueue.Executor
	log    zerolog.Logger

	mu    sync.Mutex
	open  bool
	epoch uint64
}

// New returns a Channel delivering sink callbacks on exec. exec must run
// tasks in submission order to keep per-transaction ordering.
func New(stream chain.Stream, exec workqueue.Executor, log zerolog.Logger) *Channel {
	return &Channel{
		stream: stream,
		reg:    NewRegistry(),
		exec:   exec,
		log:    log.With().Str("component", "push").Logger(),
	}
}

// EnsureConnected opens the stream unless it is already open. A failure is
// returned as is; the caller falls back instead of retrying.
func (c *Channel) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Channel) connectLocked(ctx context.Context) error {
	if c.open {
		return nil
	}
	c.epoch++
	epoch := c.epoch
	if err := c.stream.Open(ctx, func(ev chain.Event) { c.onEvent(epoch, ev) }); err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	c.open = true
	return nil
}

// Subscribe starts push delivery for txID. A second call for a subscribed
// id returns the existing handle. When the stream turns out to be dead,
// every other subscription on it fails over as on a lost connection.
func (c *Channel) Subscribe(ctx context.Context, txID string, sink Sink) (string, error) {
	c.mu.Lock()
	handle, stranded, err := c.subscribeLocked(ctx, txID, sink)
	c.mu.Unlock()

	if len(stranded) > 0 {
		c.failAll(stranded, err)
	}
	return handle, err
}

func (c *Channel) subscribeLocked(ctx context.Context, txID string, sink Sink) (string, map[string]Sink, error) {
	if err := c.connectLocked(ctx); err != nil {
		return "", nil, err
	}

	if h, added := c.reg.Add(txID, sink); !added {
		c.log.Debug().Str("tx_id", txID).Str("handle", h).Msg("already subscribed")
		return h, nil, nil
	}

	handle, err := c.stream.Subscribe(ctx, txID)
	if err != nil {
		c.reg.Remove(txID)
		if errors.Is(err, chain.ErrStreamClosed) {
			return "", c.dropConnectionLocked(), err
		}
		c.closeIfIdleLocked()
		return "", nil, err
	}
	c.reg.Bind(txID, handle)

	c.log.Debug().Str("tx_id", txID).Str("handle", handle).Msg("subscribed")
	return handle, nil, nil
}

// Unsubscribe drops txID. Server-side failures are logged only. The
// connection is closed once nothing is subscribed.
func (c *Channel) Unsubscribe(ctx context.Context, txID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	handle, ok := c.reg.Remove(txID)
	if !ok {
		return
	}
	if handle != "" && c.open {
		if err := c.stream.Unsubscribe(ctx, handle); err != nil {
			c.log.Warn().Err(err).Str("tx_id", txID).Str("handle", handle).Msg("unsubscribe failed")
		}
	}
	c.closeIfIdleLocked()
}

func (c *Channel) Subscribed(txID string) bool {
	_, ok := c.reg.Handle(txID)
	return ok
}

func (c *Channel) Len() int { return c.reg.Len() }

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Close drops every subscription without notifying sinks.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reg.Drain()
	c.closeLocked()
}

func (c *Channel) closeIfIdleLocked() {
	if c.reg.Len() == 0 {
		c.closeLocked()
	}
}

func (c *Channel) closeLocked() {
	if !c.open {
		return
	}
	c.open = false
	c.epoch++
	if err := c.stream.Close(); err != nil {
		c.log.Warn().Err(err).Msg("close stream")
	}
}

func (c *Channel) onEvent(epoch uint64, ev chain.Event) {
	if ev.ConnectionLost() {
		c.connectionLost(epoch, ev.Err)
		return
	}

	sink, ok := c.reg.Lookup(ev.TxID, ev.Handle)
	if !ok {
		c.log.Debug().Str("tx_id", ev.TxID).Str("handle", ev.Handle).Msg("event for unknown subscription")
		return
	}

	if ev.Err != nil {
		c.log.Warn().Err(ev.Err).Str("tx_id", ev.TxID).Msg("subscription failed")
		txID, err := ev.TxID, ev.Err
		c.exec.Submit(func() {
			c.Unsubscribe(context.Background(), txID)
			sink.OnFailure(err)
		})
		return
	}

	obs := ev.Observation
	c.exec.Submit(func() { sink.OnUpdate(obs) })
}

func (c *Channel) connectionLost(epoch uint64, cause error) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	sinks := c.dropConnectionLocked()
	c.mu.Unlock()

	c.failAll(sinks, cause)
}

// dropConnectionLocked forgets a dead connection and returns the sinks that
// were subscribed on it. The epoch bump makes any later loss report for
// that connection stale.
func (c *Channel) dropConnectionLocked() map[string]Sink {
	c.open = false
	c.epoch++
	return c.reg.Drain()
}

func (c *Channel) failAll(sinks map[string]Sink, cause error) {
	c.log.Warn().Err(cause).Int("subscriptions", len(sinks)).Msg("stream lost, failing subscriptions")
	for _, sink := range sinks {
		sink := sink
		c.exec.Submit(func() { sink.OnFailure(cause) })
	}
}

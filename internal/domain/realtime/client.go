// Package realtime maintains the push channel from the authority: a
// long-lived event stream whose row frames feed the applier the moment
// another device syncs.
package realtime

import (
	"context"
	"errors"
	"io"
	gosync "sync"
	"sync/atomic"
	"time"

	"driftsync/internal/core/colval"
	"driftsync/internal/domain"
	"driftsync/internal/domain/sync"
	"driftsync/pkg/logger"
)

// State is the connection lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	}
	return "unknown"
}

// DefaultReconnectDelay is the fixed pause between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// Config holds realtime client configuration.
type Config struct {
	// ReconnectDelay is the fixed delay before every reconnection attempt.
	ReconnectDelay time.Duration
}

// StreamOpener opens event streams. Satisfied by the sync transport.
type StreamOpener interface {
	OpenEventStream(ctx context.Context) (sync.EventStream, error)
}

// RowApplier routes inbound rows into local storage. Satisfied by
// sync.Applier.
type RowApplier interface {
	Apply(ctx context.Context, table, pk string, row colval.RowSnapshot, origin sync.Origin) (sync.Outcome, error)
}

// SchemaSource resolves watched table schemas. Satisfied by the row store.
type SchemaSource interface {
	Schema(table string) (domain.TableSchema, bool)
}

// Client keeps one event stream open against the authority, reconnecting
// with a fixed delay whenever the stream drops. Insert and update frames
// are decoded and handed to the applier; everything else is ignored.
type Client struct {
	opener  StreamOpener
	applier RowApplier
	schemas SchemaSource
	logger  *logger.Logger

	reconnectDelay time.Duration

	state   int32 // atomic State
	onState func(State)

	mu     gosync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates the realtime client.
func NewClient(opener StreamOpener, applier RowApplier, schemas SchemaSource, cfg Config, lg *logger.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if lg == nil {
		lg = logger.Default()
	}
	return &Client{
		opener:         opener,
		applier:        applier,
		schemas:        schemas,
		logger:         lg.WithComponent("realtime"),
		reconnectDelay: cfg.ReconnectDelay,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// OnStateChange registers a listener for state transitions. Register
// before Connect; the listener runs on the streaming goroutine.
func (c *Client) OnStateChange(fn func(State)) {
	c.onState = fn
}

// Connect starts the background streaming loop. Calling Connect while the
// loop is already running is a no-op. The loop stops when ctx is cancelled
// or Disconnect is called.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go c.run(runCtx, done)
}

// Disconnect stops the streaming loop and waits for it to exit. Safe to
// call any number of times, connected or not.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(StateDisconnected)

	for {
		c.setState(StateConnecting)

		stream, err := c.opener.OpenEventStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warnw("stream connection failed",
				"error", err,
				"retry_in", c.reconnectDelay,
			)
			if !c.pause(ctx) {
				return
			}
			continue
		}

		c.setState(StateStreaming)
		c.logger.Infow("event stream connected")

		// Next blocks inside the stream; closing it is the only way to
		// unblock the loop when the context ends.
		stopWatch := context.AfterFunc(ctx, func() { _ = stream.Close() })
		err = c.consume(ctx, stream)
		stopWatch()
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			c.logger.Warnw("event stream interrupted", "error", err, "retry_in", c.reconnectDelay)
		} else {
			c.logger.Infow("event stream closed by server", "retry_in", c.reconnectDelay)
		}
		if !c.pause(ctx) {
			return
		}
	}
}

func (c *Client) consume(ctx context.Context, stream sync.EventStream) error {
	for {
		ev, err := stream.Next()
		if err != nil {
			return err
		}
		c.handle(ctx, ev)
	}
}

// handle routes one frame. A frame that cannot be applied is logged and
// dropped; the stream itself stays healthy.
func (c *Client) handle(ctx context.Context, ev sync.Event) {
	switch ev.Action {
	case "insert", "update":
	default:
		return
	}

	schema, ok := c.schemas.Schema(ev.Table)
	if !ok {
		c.logger.Warnw("event for unknown table dropped", "table", ev.Table)
		return
	}

	row, err := colval.DecodeSnapshot(ev.Row, schema.Columns)
	if err != nil {
		c.logger.Warnw("undecodable event dropped", "table", ev.Table, "error", err)
		return
	}

	pk := ev.PKValue
	if pk == "" {
		pk, err = sync.PKString(row, schema.Config.PrimaryKey)
		if err != nil {
			c.logger.Warnw("event without primary key dropped", "table", ev.Table, "error", err)
			return
		}
	}

	outcome, err := c.applier.Apply(ctx, ev.Table, pk, row, sync.OriginRealtime)
	if err != nil {
		c.logger.Warnw("event application failed", "table", ev.Table, "pk", pk, "error", err)
		return
	}
	c.logger.Debugw("event handled",
		"table", ev.Table,
		"pk", pk,
		"action", ev.Action,
		"outcome", outcome.String(),
	)
}

// pause waits out the reconnect delay; false means the context ended.
func (c *Client) pause(ctx context.Context) bool {
	timer := time.NewTimer(c.reconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) setState(next State) {
	prev := State(atomic.SwapInt32(&c.state, int32(next)))
	if prev != next && c.onState != nil {
		c.onState(next)
	}
}

// Package netsync keeps one document in sync with a collaboration room over a reconnecting websocket.
//
// A connection walks Disconnected -> Connecting -> ConnectedUnsynced -> ConnectedSynced. Any socket failure drops
// it back to Disconnected and schedules a retry with capped exponential backoff. Every connection attempt, manual
// disconnect and Destroy increments an epoch; goroutines and timers remember the epoch they were started under and
// do nothing once it has moved on, so work belonging to a dead connection can never touch a newer one.
package netsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-sessions/pkg/event"
	"github.com/astromechza/automerge-sessions/pkg/replica"
	"github.com/astromechza/automerge-sessions/pkg/wire"
)

const OriginNetwork replica.Origin = "network"

const (
	DefaultReconnectTimeout  = time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
	DefaultDrainTimeout      = time.Second
)

type Options struct {
	// ServerURL is the collaboration server; the room is appended as the last path element.
	ServerURL string
	Room      string
	// ReconnectTimeout is the first retry delay. Later delays grow exponentially up to MaxReconnectDelay.
	ReconnectTimeout  time.Duration
	MaxReconnectDelay time.Duration
	// MaxReconnectAttempts bounds consecutive failed retries. Zero retries forever.
	MaxReconnectAttempts int
	// DrainTimeout bounds how long Destroy waits for queued frames to be written before closing the socket.
	DrainTimeout time.Duration
	Dialer       Dialer
	Logger               *slog.Logger
}

func (o *Options) withDefaults() {
	if o.ReconnectTimeout <= 0 {
		o.ReconnectTimeout = DefaultReconnectTimeout
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if o.MaxReconnectDelay < o.ReconnectTimeout {
		o.MaxReconnectDelay = o.ReconnectTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type stopper interface {
	Stop() bool
}

type Channel struct {
	doc    *replica.Document
	url    string
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	epoch     uint64
	destroyed bool
	conn      Conn
	peer      *replica.SyncPeer
	out       *outbox
	timer     stopper
	attempts  int
	policy    backoff.BackOff
	unsubDoc  func()
	pumpMu    sync.Mutex
	afterFunc func(d time.Duration, f func()) stopper

	status    event.Emitter[State]
	synced    event.Emitter[bool]
	opened    event.Emitter[struct{}]
	presence  event.Emitter[[]byte]
	connErr   event.Emitter[error]
	connClose event.Emitter[error]
}

// New validates the options and builds a disconnected channel for doc. The channel never destroys doc.
func New(doc *replica.Document, opts Options) (*Channel, error) {
	if doc == nil {
		return nil, fmt.Errorf("document is nil")
	}
	if opts.Room == "" {
		return nil, fmt.Errorf("room is empty")
	}
	if opts.MaxReconnectAttempts < 0 {
		return nil, fmt.Errorf("max reconnect attempts must not be negative")
	}
	u, err := RoomURL(opts.ServerURL, opts.Room)
	if err != nil {
		return nil, err
	}
	opts.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = opts.ReconnectTimeout
	exp.MaxInterval = opts.MaxReconnectDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	var policy backoff.BackOff = exp
	if opts.MaxReconnectAttempts > 0 {
		policy = backoff.WithMaxRetries(exp, uint64(opts.MaxReconnectAttempts))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		doc:    doc,
		url:    u,
		opts:   opts,
		logger: opts.Logger.With("component", "netsync", "room", opts.Room),
		ctx:    ctx,
		cancel: cancel,
		policy: policy,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
	c.unsubDoc = doc.OnUpdate(func(u replica.Update) {
		c.mu.Lock()
		epoch := c.epoch
		c.mu.Unlock()
		c.pumpSync(epoch)
	})
	return c, nil
}

func (c *Channel) URL() string {
	return c.url
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of retries since the last successful sync.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) OnStatus(fn func(State)) func() {
	return c.status.Subscribe(fn)
}

func (c *Channel) OnSynced(fn func(bool)) func() {
	return c.synced.Subscribe(fn)
}

// OnOpen fires after a socket opens, before anything is read from it. Presence sent from here is the first thing
// peers see from the new connection.
func (c *Channel) OnOpen(fn func()) func() {
	return c.opened.Subscribe(func(struct{}) { fn() })
}

// OnPresence receives presence payloads from peers unmodified.
func (c *Channel) OnPresence(fn func([]byte)) func() {
	return c.presence.Subscribe(fn)
}

func (c *Channel) OnConnectionError(fn func(error)) func() {
	return c.connErr.Subscribe(fn)
}

func (c *Channel) OnConnectionClose(fn func(error)) func() {
	return c.connClose.Subscribe(fn)
}

// Connect starts connecting if the channel is disconnected. It never blocks and never fails: dial errors are
// retried in the background and reported through the status and connection error subscriptions.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.destroyed || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	} else {
		// a fresh start, or a restart after giving up
		c.attempts = 0
		c.policy.Reset()
	}
	epoch := c.startLocked()
	c.mu.Unlock()
	c.status.Emit(Connecting)
	go c.run(epoch)
}

func (c *Channel) startLocked() uint64 {
	c.epoch++
	c.state = Connecting
	return c.epoch
}

func (c *Channel) run(epoch uint64) {
	c.logger.Debug("dialing", "url", c.url, "epoch", epoch)
	conn, err := c.opts.Dialer.Dial(c.ctx, c.url)

	c.mu.Lock()
	if c.destroyed || epoch != c.epoch {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.fail(epoch, fmt.Errorf("failed to connect to %s: %w", c.url, err))
		return
	}
	c.conn = conn
	c.peer = c.doc.NewSyncPeer(OriginNetwork)
	c.out = newOutbox()
	c.state = ConnectedUnsynced
	out := c.out
	peer := c.peer
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.url)
	c.status.Emit(ConnectedUnsynced)
	c.opened.Emit(struct{}{})
	go c.writeLoop(epoch, conn, out)
	c.pumpSync(epoch)
	c.readLoop(epoch, conn, peer)
}

func (c *Channel) readLoop(epoch uint64, conn Conn, peer *replica.SyncPeer) {
	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			c.fail(epoch, fmt.Errorf("failed to read message: %w", err))
			return
		}
		if !c.current(epoch) {
			return
		}
		if mt != websocket.BinaryMessage {
			c.logger.Warn("dropping non-binary message", "type", mt)
			continue
		}
		kind, payload, err := wire.Decode(p)
		if err != nil {
			c.logger.Warn("dropping message", "err", err)
			continue
		}
		switch kind {
		case wire.KindSync:
			inSync, err := peer.Receive(payload)
			if err != nil {
				if errors.Is(err, replica.ErrDestroyed) {
					return
				}
				c.logger.Warn("dropping sync message", "err", err)
				continue
			}
			c.pumpSync(epoch)
			if inSync {
				c.markSynced(epoch)
			}
		case wire.KindPresence:
			c.presence.Emit(payload)
		}
	}
}

func (c *Channel) writeLoop(epoch uint64, conn Conn, out *outbox) {
	defer close(out.drained)
	for {
		finishing := false
		select {
		case <-out.signal:
		case <-out.flush:
			finishing = true
		case <-out.done:
			return
		}
		for _, msg := range out.drain() {
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.fail(epoch, fmt.Errorf("failed to write message: %w", err))
				return
			}
		}
		if finishing {
			return
		}
	}
}

func (c *Channel) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.destroyed && epoch == c.epoch
}

// pumpSync queues every sync message the protocol currently wants to send.
func (c *Channel) pumpSync(epoch uint64) {
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()
	c.mu.Lock()
	if c.destroyed || epoch != c.epoch || c.peer == nil {
		c.mu.Unlock()
		return
	}
	peer, out := c.peer, c.out
	c.mu.Unlock()
	for {
		msg, ok := peer.Generate()
		if !ok {
			return
		}
		out.push(wire.Encode(wire.KindSync, msg))
	}
}

func (c *Channel) markSynced(epoch uint64) {
	c.mu.Lock()
	if c.destroyed || epoch != c.epoch || c.state != ConnectedUnsynced {
		c.mu.Unlock()
		return
	}
	c.state = ConnectedSynced
	c.attempts = 0
	c.policy.Reset()
	c.mu.Unlock()
	c.logger.Info("synced")
	c.status.Emit(ConnectedSynced)
	c.synced.Emit(true)
}

// SendPresence forwards a presence payload to the room. It reports false when there is no open connection; the
// caller resends its full presence from OnOpen.
func (c *Channel) SendPresence(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.out == nil || !c.state.Connected() {
		return false
	}
	c.out.push(wire.Encode(wire.KindPresence, payload))
	return true
}

// fail tears down the connection belonging to epoch and schedules a retry.
func (c *Channel) fail(epoch uint64, err error) {
	c.mu.Lock()
	if c.destroyed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	wasSynced := c.state == ConnectedSynced
	hadConn := c.conn != nil
	c.teardownLocked()
	c.state = Disconnected

	c.attempts++
	delay := c.policy.NextBackOff()
	giveUp := delay == backoff.Stop
	if giveUp {
		c.attempts--
	} else {
		retryEpoch := c.epoch
		c.timer = c.afterFunc(delay, func() { c.retry(retryEpoch) })
	}
	attempts := c.attempts
	c.mu.Unlock()

	if hadConn {
		c.logger.Warn("connection closed", "err", err)
		c.connClose.Emit(err)
	} else {
		c.logger.Error("connection failed", "err", err)
	}
	c.connErr.Emit(err)
	if giveUp {
		c.logger.Error("giving up reconnecting", "attempts", attempts)
	} else {
		c.logger.Info("reconnecting", "attempt", attempts, "delay", delay)
	}
	if wasSynced {
		c.synced.Emit(false)
	}
	c.status.Emit(Disconnected)
}

// teardownLocked closes the current connection, if any, and moves the epoch on so its goroutines stand down.
func (c *Channel) teardownLocked() {
	c.epoch++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.out != nil {
		c.out.close()
		c.out = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.peer = nil
}

func (c *Channel) retry(epoch uint64) {
	c.mu.Lock()
	if c.destroyed || epoch != c.epoch || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	next := c.startLocked()
	c.mu.Unlock()
	c.status.Emit(Connecting)
	go c.run(next)
}

// Disconnect closes the connection and cancels any pending retry. The channel can be connected again.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.teardownLocked()
	c.state = Disconnected
	c.attempts = 0
	c.policy.Reset()
	c.mu.Unlock()
	if prev == ConnectedSynced {
		c.synced.Emit(false)
	}
	if prev != Disconnected {
		c.status.Emit(Disconnected)
	}
}

// Destroy writes whatever is already queued, such as a final presence update, then closes the connection, cancels
// retries and in-flight dials, and drops every subscriber. Nothing happens on the channel afterwards. Repeated calls
// do nothing.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	out := c.out
	c.mu.Unlock()

	if out != nil {
		out.finish()
		select {
		case <-out.drained:
		case <-time.After(c.opts.DrainTimeout):
			c.logger.Warn("gave up writing queued messages", "timeout", c.opts.DrainTimeout)
		}
	}

	c.mu.Lock()
	prev := c.state
	c.teardownLocked()
	c.state = Disconnected
	unsub := c.unsubDoc
	c.mu.Unlock()

	c.cancel()
	unsub()
	if prev != Disconnected {
		c.status.Emit(Disconnected)
	}
	c.status.Clear()
	c.synced.Clear()
	c.opened.Clear()
	c.presence.Clear()
	c.connErr.Clear()
	c.connClose.Clear()
	c.logger.Debug("destroyed")
}

// outbox is an unbounded queue drained by the connection's writer, so senders never block on the socket. close
// stops the writer at once; finish lets it write what is queued first and then closes drained.
type outbox struct {
	mu        sync.Mutex
	items     [][]byte
	closed    bool
	finishing bool
	signal    chan struct{}
	flush     chan struct{}
	done      chan struct{}
	drained   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		signal:  make(chan struct{}, 1),
		flush:   make(chan struct{}),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

func (o *outbox) push(msg []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.finishing {
		return
	}
	o.items = append(o.items, msg)
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items
}

func (o *outbox) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.finishing {
		return
	}
	o.finishing = true
	close(o.flush)
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/automerge-sessions/pkg/event"
	"github.com/astromechza/automerge-sessions/pkg/replica"
)

const OriginStorage replica.Origin = "storage"

const DefaultKeyPrefix = "doc-"

// Key is the store key for a document.
func Key(prefix string, documentID string) string {
	return prefix + documentID
}

type Options struct {
	Store Store
	// Key names the snapshot, usually Key(DefaultKeyPrefix, documentID).
	Key string
	// Debounce delays each write so bursts of edits become one write.
	Debounce     time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

type Channel struct {
	doc    *replica.Document
	store  Store
	key    string
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	dirty     bool
	loaded    bool
	available bool
	destroyed bool
	writes    int

	writeMu  sync.Mutex
	wake     chan struct{}
	done     chan struct{}
	finished chan struct{}
	unsub    func()

	loadedEv event.Emitter[struct{}]
}

// Open hydrates doc from the store and starts mirroring its updates back. It returns once the stored state has been
// applied, so a session never shows empty content that is then swapped out. A store that cannot be read, or holds
// state that cannot be decoded, is logged and the returned channel does nothing; only a missing store or key is a
// configuration error.
func Open(ctx context.Context, doc *replica.Document, opts Options) (*Channel, error) {
	if doc == nil {
		return nil, fmt.Errorf("document is nil")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if opts.Key == "" {
		return nil, fmt.Errorf("key is empty")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	c := &Channel{
		doc:      doc,
		store:    opts.Store,
		key:      opts.Key,
		opts:     opts,
		logger:   opts.Logger.With("component", "persist", "key", opts.Key),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	raw, err := c.store.Get(ctx, c.key)
	switch {
	case errors.Is(err, ErrNotFound):
		c.logger.Debug("no stored state")
	case err != nil:
		c.logger.Warn("persistence unavailable, continuing without it", "err", err)
		c.loaded = true
		close(c.finished)
		return c, nil
	default:
		if err := doc.ApplyUpdate(raw, OriginStorage); err != nil {
			// leave the stored bytes alone so they can still be recovered
			c.logger.Warn("stored state is unreadable, continuing without persistence", "err", err)
			c.loaded = true
			close(c.finished)
			return c, nil
		}
		c.logger.Info("loaded stored state", "bytes", len(raw))
	}

	c.available = true
	// whatever the document holds now, including content merged from the store, is written back once
	c.dirty = true
	c.unsub = doc.OnUpdate(func(u replica.Update) {
		if u.Origin == OriginStorage {
			return
		}
		c.markDirty()
	})
	go c.writeLoop()
	c.signal()

	c.mu.Lock()
	c.loaded = true
	c.mu.Unlock()
	c.loadedEv.Emit(struct{}{})
	return c, nil
}

// Available reports whether the store could be read at open.
func (c *Channel) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

func (c *Channel) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// OnLoaded calls fn once the stored state has been applied; immediately if that already happened.
func (c *Channel) OnLoaded(fn func()) func() {
	if c.Loaded() {
		fn()
		return func() {}
	}
	return c.loadedEv.Subscribe(func(struct{}) { fn() })
}

// Writes counts completed store writes.
func (c *Channel) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *Channel) markDirty() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.dirty = true
	c.mu.Unlock()
	c.signal()
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) writeLoop() {
	defer close(c.finished)
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		if c.opts.Debounce > 0 {
			select {
			case <-time.After(c.opts.Debounce):
			case <-c.done:
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
		if err := c.Flush(ctx); err != nil {
			c.logger.Warn("failed to write snapshot", "err", err)
		}
		cancel()
	}
}

// Flush writes the current document if anything changed since the last write.
func (c *Channel) Flush(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	if !c.available || !c.dirty {
		c.mu.Unlock()
		return nil
	}
	c.dirty = false
	c.mu.Unlock()

	data := c.doc.EncodeFullState()
	if err := c.store.Put(ctx, c.key, data); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	c.logger.Debug("wrote snapshot", "bytes", len(data))
	return nil
}

// Destroy stops mirroring and writes any pending state. Repeated calls do nothing. The store is left open.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	unsub := c.unsub
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	<-c.finished

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		c.logger.Warn("failed to flush on destroy", "err", err)
	}
	c.loadedEv.Clear()
}

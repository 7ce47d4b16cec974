// Package replica wraps an automerge document holding a single collaborative text under the "content" key.
//
// The automerge document is not safe for concurrent use, while a session touches it from the caller, the network
// reader and the persistence writer. Every access goes through Document, which serializes them and reports each
// change to subscribers as the incremental bytes a peer or store needs to catch up.
package replica

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/astromechza/automerge-sessions/pkg/event"
)

const ContentKey = "content"

// The genesis change is identical on every replica: same actor, same timestamp, same single operation. Replicas
// created independently for one room therefore share the content text object rather than each creating their own
// and having one of them win the root key.
const genesisActor = "00000000000000000000000000000000"

var genesisTime = time.Unix(0, 0).UTC()

var ErrDestroyed = errors.New("document destroyed")

type Origin string

const OriginLocal Origin = "local"

// Update is a change to the document. Data holds the changes not yet reported by a previous update and can be fed
// to ApplyUpdate on another replica.
type Update struct {
	Origin Origin
	Data   []byte
}

type Document struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	destroyed bool
	updates   event.Emitter[Update]
}

// New creates an empty document with a fresh actor id.
func New() (*Document, error) {
	doc := automerge.New()
	if err := doc.SetActorID(genesisActor); err != nil {
		return nil, fmt.Errorf("failed to set genesis actor: %w", err)
	}
	if err := doc.Path(ContentKey).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("failed to create content: %w", err)
	}
	if _, err := doc.Commit("genesis", automerge.CommitOptions{Time: &genesisTime}); err != nil {
		return nil, fmt.Errorf("failed to commit genesis: %w", err)
	}
	if err := doc.SetActorID(NewActorID()); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	// mark everything so far as reported
	_ = doc.SaveIncremental()
	return &Document{doc: doc}, nil
}

// Load opens a document from a full state encoding as returned by EncodeFullState.
func Load(raw []byte) (*Document, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	if err := doc.SetActorID(NewActorID()); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	return &Document{doc: doc}, nil
}

func NewActorID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// OnUpdate subscribes to every change, local or applied.
func (d *Document) OnUpdate(fn func(Update)) func() {
	return d.updates.Subscribe(fn)
}

func (d *Document) ActorID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ActorID()
}

func (d *Document) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Heads()
}

func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.doc.Path(ContentKey).Text().Get()
	if err != nil {
		return ""
	}
	return s
}

func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Path(ContentKey).Text().Len()
}

func (d *Document) Insert(pos int, s string) error {
	return d.mutate("insert", func(t *automerge.Text) error {
		return t.Insert(pos, s)
	})
}

func (d *Document) Delete(pos int, n int) error {
	return d.mutate("delete", func(t *automerge.Text) error {
		return t.Delete(pos, n)
	})
}

func (d *Document) Append(s string) error {
	return d.mutate("append", func(t *automerge.Text) error {
		return t.Append(s)
	})
}

func (d *Document) mutate(msg string, fn func(t *automerge.Text) error) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	if err := fn(d.doc.Path(ContentKey).Text()); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to %s: %w", msg, err)
	}
	if _, err := d.doc.Commit(msg); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to commit %s: %w", msg, err)
	}
	data := d.doc.SaveIncremental()
	d.mu.Unlock()
	d.updates.Emit(Update{Origin: OriginLocal, Data: data})
	return nil
}

// ApplyUpdate merges a full state or incremental encoding from another replica. Applying the same bytes twice, or
// applying updates in any order, converges on the same content.
func (d *Document) ApplyUpdate(raw []byte, origin Origin) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	before := d.doc.Heads()
	if err := d.doc.LoadIncremental(raw); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to apply update: %w", err)
	}
	changed := !SameHeads(before, d.doc.Heads())
	var data []byte
	if changed {
		data = d.doc.SaveIncremental()
	}
	d.mu.Unlock()
	if changed {
		d.updates.Emit(Update{Origin: origin, Data: data})
		return nil
	}
	// incremental loading skips chunks it cannot parse, so an update that changed nothing is either a duplicate or
	// not an update at all
	if err := validate(raw); err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}
	return nil
}

func validate(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	if _, err := automerge.Load(raw); err != nil {
		return err
	}
	return nil
}

// EncodeFullState returns the compacted document.
func (d *Document) EncodeFullState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Fork returns an independent copy, optionally at the given heads.
func (d *Document) Fork(heads ...automerge.ChangeHash) (*automerge.Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Fork(heads...)
}

// Destroy drops all subscribers and rejects further changes. The document stays readable.
func (d *Document) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	d.mu.Unlock()
	d.updates.Clear()
}

func (d *Document) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// SameHeads compares two head sets ignoring order.
func SameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, h := range a {
		seen[h.String()] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h.String()]; !ok {
			return false
		}
	}
	return true
}

package replica

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// SyncPeer runs the automerge sync protocol against one remote peer. Each connection gets a fresh SyncPeer; the
// protocol works out which changes the peer is missing, so a reconnect delivers everything written while offline.
type SyncPeer struct {
	d      *Document
	ss     *automerge.SyncState
	origin Origin
}

func (d *Document) NewSyncPeer(origin Origin) *SyncPeer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &SyncPeer{d: d, ss: automerge.NewSyncState(d.doc), origin: origin}
}

// Generate returns the next message for the peer, or false when there is nothing to send right now.
func (p *SyncPeer) Generate() ([]byte, bool) {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	if p.d.destroyed {
		return nil, false
	}
	msg, valid := p.ss.GenerateMessage()
	if !valid || msg == nil {
		return nil, false
	}
	return msg.Bytes(), true
}

// Receive applies a message from the peer. inSync reports whether the heads the peer advertised match the local
// heads once the message has been applied.
func (p *SyncPeer) Receive(raw []byte) (inSync bool, err error) {
	p.d.mu.Lock()
	if p.d.destroyed {
		p.d.mu.Unlock()
		return false, ErrDestroyed
	}
	before := p.d.doc.Heads()
	msg, err := p.ss.ReceiveMessage(raw)
	if err != nil {
		p.d.mu.Unlock()
		return false, fmt.Errorf("failed to receive message: %w", err)
	}
	after := p.d.doc.Heads()
	changed := !SameHeads(before, after)
	var data []byte
	if changed {
		data = p.d.doc.SaveIncremental()
	}
	inSync = msg != nil && SameHeads(msg.Heads(), after)
	p.d.mu.Unlock()
	if changed {
		p.d.updates.Emit(Update{Origin: p.origin, Data: data})
	}
	return inSync, nil
}

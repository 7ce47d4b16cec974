package relay

import (
	"log/slog"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/automerge-sessions/pkg/awareness"
	"github.com/astromechza/automerge-sessions/pkg/replica"
	"github.com/astromechza/automerge-sessions/pkg/wire"
)

const originPeer replica.Origin = "peer"

const (
	originConnectionClose = "connection-closed"
	sendBuffer            = 256
)

// room is one document and the peers editing it. The awareness map mirrors what peers have announced so that
// newcomers can be told who is already there.
type room struct {
	name   string
	doc    *replica.Document
	aw     *awareness.Awareness
	logger *slog.Logger

	mu          sync.Mutex
	peers       map[*peer]struct{}
	backedUp    []automerge.ChangeHash
	snapshot    ulid.ULID
	hasSnapshot bool
}

func newRoom(name string, doc *replica.Document, logger *slog.Logger) *room {
	aw := awareness.New(awareness.RelayClientID)
	// the relay itself has no presence
	aw.SetLocalState(nil)
	return &room{
		name:   name,
		doc:    doc,
		aw:     aw,
		logger: logger.With("room", name),
		peers:  make(map[*peer]struct{}),
	}
}

func (r *room) join(p *peer) {
	r.mu.Lock()
	r.peers[p] = struct{}{}
	n := len(r.peers)
	r.mu.Unlock()
	r.logger.Info("peer joined", "peers", n)

	if len(r.aw.States()) == 0 {
		return
	}
	payload, err := r.aw.EncodeAll()
	if err != nil {
		r.logger.Warn("failed to encode presence", "err", err)
		return
	}
	p.enqueue(wire.Encode(wire.KindPresence, payload))
}

// leave drops p and tells the remaining peers that every client it announced is gone.
func (r *room) leave(p *peer) {
	r.mu.Lock()
	delete(r.peers, p)
	ids := make([]awareness.ClientID, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	others := r.othersLocked(p)
	r.mu.Unlock()
	r.logger.Info("peer left", "peers", len(others), "clients", len(ids))

	if len(ids) == 0 {
		return
	}
	r.aw.RemoveStates(ids, originConnectionClose)
	payload, err := r.aw.EncodeUpdate(ids)
	if err != nil {
		r.logger.Warn("failed to encode presence removal", "err", err)
		return
	}
	r.broadcast(others, wire.Encode(wire.KindPresence, payload))
}

// presence records which clients p speaks for and forwards the update to everyone else unchanged.
func (r *room) presence(p *peer, payload []byte) {
	entries, err := awareness.DecodeUpdate(payload)
	if err != nil {
		r.logger.Warn("dropping presence update", "err", err)
		return
	}
	if err := r.aw.ApplyUpdate(payload, string(originPeer)); err != nil {
		r.logger.Warn("dropping presence update", "err", err)
		return
	}
	r.mu.Lock()
	for _, e := range entries {
		if e.State == nil {
			delete(p.clients, e.ClientID)
		} else {
			p.clients[e.ClientID] = struct{}{}
		}
	}
	others := r.othersLocked(p)
	r.mu.Unlock()
	r.broadcast(others, wire.Encode(wire.KindPresence, payload))
}

func (r *room) othersLocked(p *peer) []*peer {
	out := make([]*peer, 0, len(r.peers))
	for o := range r.peers {
		if o != p {
			out = append(out, o)
		}
	}
	return out
}

func (r *room) broadcast(peers []*peer, msg []byte) {
	for _, p := range peers {
		p.enqueue(msg)
	}
}

func (r *room) peerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// peer is one websocket connection to a room.
type peer struct {
	conn   *websocket.Conn
	sync   *replica.SyncPeer
	logger *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	pumpMu    sync.Mutex

	// guarded by the room's mutex
	clients map[awareness.ClientID]struct{}
}

func newPeer(conn *websocket.Conn, doc *replica.Document, logger *slog.Logger) *peer {
	return &peer{
		conn:    conn,
		sync:    doc.NewSyncPeer(originPeer),
		logger:  logger.With("remote", conn.RemoteAddr().String()),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		clients: make(map[awareness.ClientID]struct{}),
	}
}

// enqueue hands msg to the writer. A peer that cannot keep up is disconnected rather than allowed to stall the room.
func (p *peer) enqueue(msg []byte) {
	select {
	case <-p.done:
	case p.send <- msg:
	default:
		p.logger.Warn("peer too slow, disconnecting")
		p.close()
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// pumpSync queues every sync message the protocol wants to send right now.
func (p *peer) pumpSync() {
	p.pumpMu.Lock()
	defer p.pumpMu.Unlock()
	for {
		msg, ok := p.sync.Generate()
		if !ok {
			return
		}
		p.enqueue(wire.Encode(wire.KindSync, msg))
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case msg := <-p.send:
			if err := p.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				p.logger.Debug("failed to write message", "err", err)
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *peer) readLoop(r *room) {
	for {
		mt, raw, err := p.conn.ReadMessage()
		if err != nil {
			p.logger.Debug("connection closed", "err", err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		kind, payload, err := wire.Decode(raw)
		if err != nil {
			p.logger.Warn("dropping message", "err", err)
			continue
		}
		switch kind {
		case wire.KindSync:
			if _, err := p.sync.Receive(payload); err != nil {
				p.logger.Warn("dropping sync message", "err", err)
				continue
			}
			p.pumpSync()
		case wire.KindPresence:
			r.presence(p, payload)
		}
	}
}

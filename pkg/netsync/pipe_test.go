package netsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sessions/pkg/replica"
	"github.com/astromechza/automerge-sessions/pkg/wire"
)

var errPipeClosed = errors.New("pipe closed")

type message struct {
	mt   int
	data []byte
}

type pipeEnd struct {
	in     <-chan message
	out    chan<- message
	closed chan struct{}
	once   *sync.Once
}

// newPipe returns two connected in-memory connections. Closing either end closes both.
func newPipe() (*pipeEnd, *pipeEnd) {
	ab := make(chan message, 256)
	ba := make(chan message, 256)
	closed := make(chan struct{})
	once := new(sync.Once)
	return &pipeEnd{in: ba, out: ab, closed: closed, once: once},
		&pipeEnd{in: ab, out: ba, closed: closed, once: once}
}

func (p *pipeEnd) ReadMessage() (int, []byte, error) {
	select {
	case m := <-p.in:
		return m.mt, m.data, nil
	case <-p.closed:
		return 0, nil, errPipeClosed
	}
}

func (p *pipeEnd) WriteMessage(mt int, data []byte) error {
	select {
	case <-p.closed:
		return errPipeClosed
	default:
	}
	select {
	case p.out <- message{mt: mt, data: data}:
		return nil
	case <-p.closed:
		return errPipeClosed
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// fakeRoom plays the relay: it owns a document and runs the sync protocol with each dialed connection.
type fakeRoom struct {
	t        *testing.T
	doc      *replica.Document
	dials    atomic.Int32
	fail     atomic.Bool
	mu       sync.Mutex
	conns    []*pipeEnd
	presence chan []byte
	// before lets a test write raw frames as soon as the connection exists.
	before func(conn *pipeEnd)
}

func newFakeRoom(t *testing.T) *fakeRoom {
	doc, err := replica.New()
	require.NoError(t, err)
	return &fakeRoom{t: t, doc: doc, presence: make(chan []byte, 16)}
}

func (r *fakeRoom) Dial(ctx context.Context, url string) (Conn, error) {
	r.dials.Add(1)
	if r.fail.Load() {
		return nil, errors.New("connection refused")
	}
	client, server := newPipe()
	r.mu.Lock()
	r.conns = append(r.conns, server)
	r.mu.Unlock()
	if r.before != nil {
		r.before(server)
	}
	go r.serve(server)
	return client, nil
}

func (r *fakeRoom) serve(conn *pipeEnd) {
	peer := r.doc.NewSyncPeer("client")
	flush := func() bool {
		for {
			msg, ok := peer.Generate()
			if !ok {
				return true
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.KindSync, msg)); err != nil {
				return false
			}
		}
	}
	unsub := r.doc.OnUpdate(func(replica.Update) { flush() })
	defer unsub()
	if !flush() {
		return
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		kind, payload, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		switch kind {
		case wire.KindSync:
			if _, err := peer.Receive(payload); err != nil {
				continue
			}
			if !flush() {
				return
			}
		case wire.KindPresence:
			r.presence <- payload
		}
	}
}

func (r *fakeRoom) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		_ = c.Close()
	}
	r.conns = nil
}

func (r *fakeRoom) last() *pipeEnd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[len(r.conns)-1]
}

// Package relay is the room server sessions connect to. Every room keeps its own copy of the document, runs the sync
// protocol with each connected peer, fans presence out between peers and is periodically backed up to a store.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/automerge-sessions/pkg/persist"
	"github.com/astromechza/automerge-sessions/pkg/replica"
)

const DefaultBackupInterval = 5 * time.Second

// BackupKeyPrefix keeps room snapshots apart from session snapshots when both share a store.
const BackupKeyPrefix = "room-"

type Options struct {
	// Backup stores room snapshots. Rooms are created empty and never backed up without it.
	Backup persist.Store
	Logger *slog.Logger
}

type Server struct {
	backup   persist.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]*room
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		backup: opts.Backup,
		logger: opts.Logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*room),
	}
}

// Handler routes room requests and logs each one.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/rooms/{room}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path("/rooms/{room}").HandlerFunc(s.syncRoom)
	return r
}

// Rooms lists the rooms currently held in memory.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Document returns the relay's copy of a room, if the room is loaded.
func (s *Server) Document(name string) (*replica.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[name]
	if !ok {
		return nil, false
	}
	return rm.doc, true
}

// openRoom returns the named room, loading it from the backup store the first time it is used.
func (s *Server) openRoom(ctx context.Context, name string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[name]; ok {
		return rm, nil
	}
	doc, err := s.loadDoc(ctx, name)
	if err != nil {
		return nil, err
	}
	rm := newRoom(name, doc, s.logger)
	rm.backedUp = doc.Heads()
	s.rooms[name] = rm
	go rm.aw.RunExpiry(s.ctx)
	return rm, nil
}

func (s *Server) loadDoc(ctx context.Context, name string) (*replica.Document, error) {
	if s.backup != nil {
		raw, err := s.backup.Get(ctx, BackupKeyPrefix+name)
		switch {
		case err == nil:
			doc, err := replica.Load(raw)
			if err != nil {
				return nil, fmt.Errorf("failed to load backup of %s: %w", name, err)
			}
			s.logger.Info("restored room", "room", name, "bytes", len(raw))
			return doc, nil
		case !errors.Is(err, persist.ErrNotFound):
			return nil, fmt.Errorf("failed to read backup of %s: %w", name, err)
		}
	}
	return replica.New()
}

func (s *Server) getLatest(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["room"]
	s.mu.Lock()
	rm, ok := s.rooms[name]
	s.mu.Unlock()
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	rm.mu.Lock()
	if rm.hasSnapshot {
		writer.Header().Set("X-Snapshot-Id", rm.snapshot.String())
	}
	rm.mu.Unlock()
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(rm.doc.EncodeFullState()); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) syncRoom(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["room"]
	rm, err := s.openRoom(request.Context(), name)
	if err != nil {
		s.logger.Error("failed to open room", "room", name, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}

	p := newPeer(conn, rm.doc, rm.logger)
	defer p.close()
	unsub := rm.doc.OnUpdate(func(replica.Update) { p.pumpSync() })
	defer unsub()

	go p.writeLoop()
	rm.join(p)
	defer rm.leave(p)
	p.pumpSync()

	go func() {
		select {
		case <-s.ctx.Done():
			p.close()
		case <-p.done:
		}
	}()
	p.readLoop(rm)
}

// Backup writes every room that changed since its last backup.
func (s *Server) Backup(ctx context.Context) error {
	if s.backup == nil {
		return nil
	}
	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.mu.Unlock()

	var errs []error
	for _, rm := range rooms {
		heads := rm.doc.Heads()
		rm.mu.Lock()
		unchanged := replica.SameHeads(heads, rm.backedUp)
		rm.mu.Unlock()
		if unchanged {
			continue
		}
		if err := s.backup.Put(ctx, BackupKeyPrefix+rm.name, rm.doc.EncodeFullState()); err != nil {
			errs = append(errs, fmt.Errorf("failed to back up %s: %w", rm.name, err))
			continue
		}
		id := ulid.Make()
		rm.mu.Lock()
		rm.backedUp = heads
		rm.snapshot = id
		rm.hasSnapshot = true
		rm.mu.Unlock()
		s.logger.Info("backed up", "room", rm.name, "snapshot", id, "heads", len(heads))
	}
	return errors.Join(errs...)
}

// RunBackups calls Backup every interval until ctx is done, then once more.
func (s *Server) RunBackups(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultBackupInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.Backup(ctx); err != nil {
				s.logger.Error("failed to backup rooms", "err", err)
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Backup(final); err != nil {
				s.logger.Error("failed to backup rooms", "err", err)
			}
			cancel()
			return
		}
	}
}

// Close disconnects every peer. Rooms stay readable.
func (s *Server) Close() {
	s.cancel()
}

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/automerge-sessions/pkg/persist"
	"github.com/astromechza/automerge-sessions/pkg/relay"
	"github.com/astromechza/automerge-sessions/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:1234", "the address to listen on")
	dbVar := flag.String("db", "relay.sqlite3", "sqlite file to back rooms up to, empty to disable backups")
	intervalVar := flag.Duration("backup-interval", relay.DefaultBackupInterval, "how often changed rooms are backed up")
	renderVar := flag.Bool("render-on-exit", false, "render the change graph of every room to a temp svg on shutdown")
	levelVar := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*levelVar)); err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var backup persist.Store
	if *dbVar != "" {
		slog.Info("Opening database", "path", *dbVar)
		s, err := persist.OpenSQLiteStore(*dbVar)
		if err != nil {
			return err
		}
		defer s.Close()
		backup = s
	}

	s := relay.New(relay.Options{Backup: backup})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.RunBackups(ctx, *intervalVar)
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	s.Close()
	_ = httpServer.Close()

	wg.Wait()

	if *renderVar {
		for _, name := range s.Rooms() {
			doc, ok := s.Document(name)
			if !ok {
				continue
			}
			if svgPath, err := viz.RenderToTemp(doc); err != nil {
				slog.Error("failed to render", "room", name, "err", err)
			} else {
				slog.Info("rendered", "room", name, "path", "file://"+svgPath)
			}
		}
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/astromechza/automerge-sessions/pkg/config"
	"github.com/astromechza/automerge-sessions/pkg/presence"
	"github.com/astromechza/automerge-sessions/pkg/replica"
	"github.com/astromechza/automerge-sessions/pkg/session"
	"github.com/astromechza/automerge-sessions/pkg/viz"
)

const CollabCtlVersion = "0.0.1"

const usage = `Collaborative session control.

Settings come from the optional config file and the COLLAB_* environment variables.

Usage:
    collabctl new-id
    collabctl cat <document> [--config=<path>] [--wait=<wait>]
    collabctl edit <document> <text> [--at=<pos>] [--config=<path>] [--wait=<wait>] [--settle=<settle>]
    collabctl users <document> [--config=<path>] [--wait=<wait>] [--settle=<settle>]
    collabctl render <document> <output> [--config=<path>] [--wait=<wait>]
    collabctl inspect <file> [--render=<output>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<path>      YAML config file.
    --wait=<wait>        How long to wait for the room to sync [default: 5s].
    --settle=<settle>    How long to stay connected after acting [default: 500ms].
    --at=<pos>           Insert at this position instead of appending.
    --render=<output>    Also render the change graph to this svg file.`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		return err
	}

	if v, _ := opts.Bool("new-id"); v {
		fmt.Println(session.NewDocumentID())
		return nil
	} else if v, _ := opts.Bool("inspect"); v {
		return inspect(opts)
	}

	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	if v, _ := opts.Bool("cat"); v {
		fmt.Println(s.Text())
	} else if v, _ := opts.Bool("edit"); v {
		return edit(s, opts)
	} else if v, _ := opts.Bool("users"); v {
		settle(opts)
		for _, c := range s.Collaborators() {
			marker := ""
			if c.Local {
				marker = " (you)"
			}
			fmt.Printf("%d\t%s\t%s%s\n", c.ClientID, c.User.Name, c.User.Color, marker)
		}
	} else if v, _ := opts.Bool("render"); v {
		output, _ := opts.String("<output>")
		return viz.RenderToFile(s.Document(), output)
	}
	return nil
}

func openSession(opts docopt.Opts) (*session.Session, error) {
	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	sessionOpts := cfg.SessionOptions(logger)
	if sessionOpts.User == nil {
		host, _ := os.Hostname()
		id := fmt.Sprintf("%s-%d", host, os.Getpid())
		sessionOpts.User = &presence.UserInfo{ID: id, Name: "collabctl@" + host}
	}

	document, _ := opts.String("<document>")
	s, err := session.Open(context.Background(), document, sessionOpts)
	if err != nil {
		return nil, err
	}
	if sessionOpts.Network != nil {
		wait := durationOpt(opts, "--wait", 5*time.Second)
		if !waitConnected(s, wait) {
			slog.Warn("room not synced, continuing with local state", "waited", wait)
		}
	}
	return s, nil
}

// waitConnected blocks until the session reports Connected or the timeout passes.
func waitConnected(s *session.Session, timeout time.Duration) bool {
	connected := make(chan struct{}, 1)
	unsub := s.OnStatusChange(func(st session.Status) {
		if st == session.Connected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()
	if s.Status() == session.Connected {
		return true
	}
	select {
	case <-connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

func edit(s *session.Session, opts docopt.Opts) error {
	text, _ := opts.String("<text>")
	if at, err := opts.String("--at"); err == nil && at != "" {
		pos, err := strconv.Atoi(at)
		if err != nil {
			return fmt.Errorf("--at must be a number: %w", err)
		}
		if err := s.Insert(pos, text); err != nil {
			return err
		}
	} else if err := s.Append(text); err != nil {
		return err
	}
	if err := s.Flush(context.Background()); err != nil {
		slog.Warn("failed to flush", "err", err)
	}
	settle(opts)
	fmt.Println(s.Text())
	return nil
}

// settle keeps the session open briefly so queued messages reach the room before Close.
func settle(opts docopt.Opts) {
	time.Sleep(durationOpt(opts, "--settle", 500*time.Millisecond))
}

func durationOpt(opts docopt.Opts, key string, fallback time.Duration) time.Duration {
	raw, err := opts.String(key)
	if err != nil || raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("ignoring bad duration", "option", key, "value", raw)
		return fallback
	}
	return d
}

// inspect prints a saved snapshot, such as the body of a relay's latest endpoint.
func inspect(opts docopt.Opts) error {
	path, _ := opts.String("<file>")
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := replica.Load(raw)
	if err != nil {
		return err
	}
	fmt.Printf("heads: %v\n", doc.Heads())
	fmt.Printf("length: %d\n", doc.Len())
	fmt.Println(doc.Text())
	if out, err := opts.String("--render"); err == nil && out != "" {
		if err := viz.RenderToFile(doc, out); err != nil {
			return err
		}
		slog.Info("rendered", "path", out)
	}
	return nil
}

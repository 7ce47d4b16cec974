package netsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Conn is the part of *websocket.Conn the channel uses. One goroutine reads while another writes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// WebsocketDialer dials rooms with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, u string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return conn, nil
}

// RoomURL joins the server url and room name, switching http schemes to their websocket equivalents.
func RoomURL(server string, room string) (string, error) {
	u, err := ParseServerURL(server)
	if err != nil {
		return "", err
	}
	return u.JoinPath(room).String(), nil
}

// ParseServerURL validates a collaboration server url.
func ParseServerURL(server string) (*url.URL, error) {
	if strings.TrimSpace(server) == "" {
		return nil, fmt.Errorf("server url is empty")
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", server)
	}
	return u, nil
}

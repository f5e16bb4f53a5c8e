package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Stream reads push snapshots from the backend websocket.
type Stream struct {
	url     string
	dialer  *websocket.Dialer
	header  http.Header
	logger  *zap.Logger
	timeout time.Duration
}

// NewStream creates a stream for the websocket endpoint derived from baseURL.
func NewStream(baseURL string, logger *zap.Logger) (*Stream, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid upstream url %q: unsupported scheme", baseURL)
	}
	u = u.JoinPath("/api/v1/ws/server")

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Stream{
		url:     u.String(),
		dialer:  websocket.DefaultDialer,
		header:  http.Header{},
		logger:  logger,
		timeout: 60 * time.Second,
	}, nil
}

// URL returns the websocket endpoint.
func (s *Stream) URL() string { return s.url }

// Run connects and hands every text message to handle, in arrival order, until
// ctx is done, the connection fails, or handle returns an error.
func (s *Stream) Run(ctx context.Context, handle func(raw []byte) error) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to %s (%s): %w", s.url, resp.Status, err)
		}
		return fmt.Errorf("failed to connect to %s: %w", s.url, err)
	}
	defer conn.Close() //nolint:errcheck

	s.logger.Info("push stream connected", zap.String("url", s.url))

	stop := context.AfterFunc(ctx, func() {
		conn.Close() //nolint:errcheck
	})
	defer stop()

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(s.timeout)) //nolint:errcheck
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(s.timeout)) //nolint:errcheck

		kind, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("push stream read: %w", err)
		}

		if kind != websocket.TextMessage {
			continue
		}

		if err := handle(raw); err != nil {
			return err
		}
	}
}

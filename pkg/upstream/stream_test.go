package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewStreamURL(t *testing.T) {
	s, err := NewStream("https://dash.example.com/", nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://dash.example.com/api/v1/ws/server", s.URL())

	_, err = NewStream("gopher://x", nil)
	assert.Error(t, err)
}

func TestStreamRun(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/ws/server", r.URL.Path)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck

		for _, msg := range []string{`{"now":1}`, `{"now":2}`, `{"now":3}`} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}

		// hold the connection until the client leaves
		conn.ReadMessage() //nolint:errcheck
	}))
	t.Cleanup(srv.Close)

	s, err := NewStream(srv.URL, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.URL(), "ws://"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errDone := errors.New("done")

	var got []string
	err = s.Run(ctx, func(raw []byte) error {
		got = append(got, string(raw))
		if len(got) == 3 {
			return errDone
		}
		return nil
	})

	assert.ErrorIs(t, err, errDone)
	assert.Equal(t, []string{`{"now":1}`, `{"now":2}`, `{"now":3}`}, got)
}

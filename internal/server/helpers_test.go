package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
)

const (
	testSecret = "test-secret"
	testOrigin = "http://localhost:8080"
)

type testEnv struct {
	server *httptest.Server
	coord  *chat.Coordinator
	hub    *Hub
	jwt    *auth.JWT
	cfg    config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.JWTSecret = testSecret
	cfg.GracePeriod = 0
	cfg.RateLimit.Burst = 100
	if mutate != nil {
		mutate(&cfg)
	}

	logger := zerolog.Nop()
	coord := chat.NewCoordinator(chat.NewMemoryRegistry(nil), chat.NewMemoryLog(), chat.NewPresence(), logger, chat.Options{
		GracePeriod: cfg.GracePeriod,
		OpTimeout:   cfg.OpTimeout,
	})
	hub := NewHub(coord, logger)
	jwt := auth.New(cfg.JWTSecret)
	ws := NewWebSocketHandler(hub, jwt, NewOriginPolicy(cfg.Origins(), logger), cfg, logger)
	api := NewRoomAPI(coord, logger)

	srv := httptest.NewServer(SetupRoutes(ws, api, cfg.Origins(), logger))
	t.Cleanup(func() {
		coord.Shutdown()
		_ = hub.Shutdown(time.Second)
		srv.Close()
	})
	return &testEnv{server: srv, coord: coord, hub: hub, jwt: jwt, cfg: cfg}
}

func (e *testEnv) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (e *testEnv) token(t *testing.T, who string) string {
	t.Helper()
	tok, err := e.jwt.Sign(who, time.Hour)
	require.NoError(t, err)
	return tok
}

// createRoom calls POST /rooms and returns the new id.
func (e *testEnv) createRoom(t *testing.T, topic string, capacity int) chat.RoomID {
	t.Helper()
	body, err := json.Marshal(CreateRoomRequest{Topic: topic, Capacity: capacity})
	require.NoError(t, err)

	resp, err := http.Post(e.server.URL+"/rooms", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out CreateRoomResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.ID
}

// wsClient reads newline-batched frames one event at a time.
type wsClient struct {
	conn    *websocket.Conn
	pending []chat.Event
}

func (e *testEnv) dial(t *testing.T, who string) *wsClient {
	t.Helper()
	token := ""
	if who != "" {
		token = e.token(t, who)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", testOrigin)

	conn, resp, err := dialer.Dial(e.wsURL(token), headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, frame any) {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(frame))
}

func (c *wsClient) join(t *testing.T, room chat.RoomID) chat.Event {
	t.Helper()
	c.send(t, map[string]any{"type": "join", "room": room})
	return c.next(t)
}

func (c *wsClient) next(t *testing.T) chat.Event {
	t.Helper()
	for len(c.pending) == 0 {
		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := c.conn.ReadMessage()
		require.NoError(t, err)
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var ev chat.Event
			require.NoError(t, json.Unmarshal(line, &ev))
			c.pending = append(c.pending, ev)
		}
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev
}

// nextOf skips events until one of typ arrives.
func (c *wsClient) nextOf(t *testing.T, typ chat.EventType) chat.Event {
	t.Helper()
	for {
		if ev := c.next(t); ev.Type == typ {
			return ev
		}
	}
}

// expectClosed waits for the server to close the socket.
func (c *wsClient) expectClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("socket was not closed by the server")
			}
			return
		}
	}
}

package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/config"
)

// WebSocketHandler upgrades requests on /ws and hands the connection to the
// hub. The caller identity is resolved before the upgrade; an unresolved
// caller may still connect but every join it sends is refused.
type WebSocketHandler struct {
	hub      *Hub
	resolver IdentityResolver
	upgrader websocket.Upgrader
	cfg      config.Config
	logger   zerolog.Logger
}

// NewWebSocketHandler builds the /ws handler.
func NewWebSocketHandler(hub *Hub, resolver IdentityResolver, origins *OriginPolicy, cfg config.Config, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		cfg:    cfg,
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, err := h.resolver.ResolveIdentity(r)
	if err != nil {
		h.logger.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("connection without identity")
		identity = ""
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	h.hub.Register(NewClient(conn, h.hub, identity, r.RemoteAddr, h.cfg))
}

// HealthHandler reports that the server is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "roomchat server is running!")
}

// PingHandler is the liveness probe.
func PingHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "pong")
}

// TestPageHandler serves a small page for poking at the websocket protocol
// from a browser.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>roomchat test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input[type="text"] { width: 220px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
    </style>
</head>
<body>
    <h1>roomchat</h1>
    <div>
        <input type="text" id="token" placeholder="identity token">
        <button onclick="connect()">Connect</button>
    </div>
    <div>
        <input type="text" id="room" placeholder="room id">
        <button onclick="send({type: 'join', room: val('room')})">Join</button>
        <button onclick="send({type: 'leave'})">Leave</button>
    </div>
    <div>
        <input type="text" id="body" placeholder="Type a message...">
        <button onclick="send({type: 'chat', body: val('body')})">Send</button>
    </div>
    <div id="log"></div>

    <script>
        let ws = null;
        const logDiv = document.getElementById('log');

        function val(id) { return document.getElementById(id).value.trim(); }

        function log(text) {
            const line = document.createElement('div');
            line.textContent = text;
            logDiv.appendChild(line);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?token=' + encodeURIComponent(val('token')));
            ws.onopen = () => log('connected');
            ws.onmessage = (event) => event.data.split('\n').forEach(log);
            ws.onclose = () => { log('connection closed'); ws = null; };
        }

        function send(frame) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify(frame));
            }
        }
    </script>
</body>
</html>`

package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// SessionHandler receives the lifecycle of every websocket connection.
type SessionHandler interface {
	OnConnect(conn chat.Conn)
	OnMessage(ctx context.Context, conn chat.Conn, raw []byte) error
	OnDisconnect(conn chat.Conn)
}

// RoomService backs the room administration API.
type RoomService interface {
	CreateRoom(ctx context.Context, topic string, capacity int) (chat.RoomID, error)
	ListRooms(ctx context.Context) ([]chat.Summary, error)
	RoomDetail(ctx context.Context, id chat.RoomID) (chat.Room, error)
	History(ctx context.Context, id chat.RoomID, after uint64, limit int) ([]chat.Message, error)
}

// IdentityResolver binds an upgrade request to a caller identity.
type IdentityResolver interface {
	ResolveIdentity(r *http.Request) (chat.Identity, error)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateRoomRequest is the body of POST /rooms.
type CreateRoomRequest struct {
	Topic    string `json:"topic" validate:"required,max=200"`
	Capacity int    `json:"capacity" validate:"required,gt=0,lte=10000"`
}

// CreateRoomResponse is returned with 201 Created.
type CreateRoomResponse struct {
	ID chat.RoomID `json:"id"`
}

// MessagesResponse is one page of a room's log.
type MessagesResponse struct {
	Room     chat.RoomID    `json:"room"`
	Messages []chat.Message `json:"messages"`
}

// RoomAPI serves the room administration endpoints.
type RoomAPI struct {
	rooms  RoomService
	logger zerolog.Logger
}

// NewRoomAPI creates the handlers backed by rooms.
func NewRoomAPI(rooms RoomService, logger zerolog.Logger) *RoomAPI {
	return &RoomAPI{rooms: rooms, logger: logger.With().Str("component", "api").Logger()}
}

// JSON sends a JSON response with the given status code.
func (a *RoomAPI) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Debug().Err(err).Msg("writing response")
	}
}

// Error maps err onto an HTTP status and writes it as a JSON error body.
func (a *RoomAPI) Error(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	a.JSON(w, status, map[string]string{"error": err.Error(), "code": chat.Code(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrRoomFull), errors.Is(err, chat.ErrAlreadyMember):
		return http.StatusConflict
	case errors.Is(err, chat.ErrUnauthenticated):
		return http.StatusUnauthorized
	case chat.Retryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CreateRoom handles POST /rooms.
func (a *RoomAPI) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.Error(w, fmt.Errorf("%w: invalid JSON body", chat.ErrInvalidArgument))
		return
	}
	if err := validate.Struct(req); err != nil {
		a.Error(w, fmt.Errorf("%w: %v", chat.ErrInvalidArgument, err))
		return
	}

	id, err := a.rooms.CreateRoom(r.Context(), req.Topic, req.Capacity)
	if err != nil {
		a.Error(w, err)
		return
	}
	a.JSON(w, http.StatusCreated, CreateRoomResponse{ID: id})
}

// ListRooms handles GET /rooms.
func (a *RoomAPI) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.rooms.ListRooms(r.Context())
	if err != nil {
		a.Error(w, err)
		return
	}
	if rooms == nil {
		rooms = []chat.Summary{}
	}
	a.JSON(w, http.StatusOK, rooms)
}

// RoomDetail handles GET /rooms/{id}.
func (a *RoomAPI) RoomDetail(w http.ResponseWriter, r *http.Request) {
	room, err := a.rooms.RoomDetail(r.Context(), chat.RoomID(chi.URLParam(r, "id")))
	if err != nil {
		a.Error(w, err)
		return
	}
	a.JSON(w, http.StatusOK, room)
}

// Messages handles GET /rooms/{id}/messages?after=&limit=.
func (a *RoomAPI) Messages(w http.ResponseWriter, r *http.Request) {
	id := chat.RoomID(chi.URLParam(r, "id"))

	var after uint64
	if s := r.URL.Query().Get("after"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			a.Error(w, fmt.Errorf("%w: after must be a sequence number", chat.ErrInvalidArgument))
			return
		}
		after = v
	}

	limit := defaultPageSize
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			a.Error(w, fmt.Errorf("%w: limit must be a positive integer", chat.ErrInvalidArgument))
			return
		}
		limit = min(v, maxPageSize)
	}

	msgs, err := a.rooms.History(r.Context(), id, after, limit)
	if err != nil {
		a.Error(w, err)
		return
	}
	a.JSON(w, http.StatusOK, MessagesResponse{Room: id, Messages: msgs})
}

// Package server is the websocket and HTTP surface of roomchat.
//
// Each websocket is a Client with its own read and write pumps, owned by the
// Hub. Frames are handed to a SessionHandler (the chat coordinator) which
// holds all room state; the transport only queues bytes and reports
// closure. The room administration API is served by RoomAPI under /rooms.
package server

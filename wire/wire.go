// Package wire defines the framing shared by the relay server and the
// session client: a tagged event envelope carried as JSON text frames over
// a single websocket, plus the room code format.
//
// The relay never looks inside an application envelope; `data` fields are
// carried as json.RawMessage end to end.
package wire

import "encoding/json"

// Client-to-server events.
const (
	EventCreateRoom = "create-room"
	EventJoinRoom   = "join-room"
	EventSendData   = "send-data"
)

// Server-to-client events.
const (
	EventRoomCreated  = "room-created"
	EventJoinedRoom   = "joined-room"
	EventClientJoined = "client-joined"
	EventClientLeft   = "client-left"
	EventHostLeft     = "host-left"
	EventReceiveData  = "receive-data"
	EventError        = "error"
)

// Error strings sent in `error` frames.
const (
	RoomNotFoundMessage  = "Room not found"
	AlreadyInRoomMessage = "Already in a room"
)

// Frame is the outermost wrapper for every message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MustFrame builds a Frame, marshalling data if non-nil. All payload types
// in this package marshal without error, so failure here means a programming
// mistake and panics.
func MustFrame(event string, data any) Frame {
	f := Frame{Event: event}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			panic("wire: marshal failure: " + err.Error())
		}
		f.Data = b
	}
	return f
}

type JoinRoomRequest struct {
	RoomCode string `json:"roomCode"`
}

type SendDataRequest struct {
	RoomCode string          `json:"roomCode"`
	Data     json.RawMessage `json:"data"`
}

type RoomCreated struct {
	RoomCode string `json:"roomCode"`
}

type JoinedRoom struct {
	RoomCode string `json:"roomCode"`
	HostID   string `json:"hostId"`
}

type ClientJoined struct {
	ClientID string `json:"clientId"`
}

type ClientLeft struct {
	ClientID string `json:"clientId"`
}

type ReceiveData struct {
	SenderID string          `json:"senderId"`
	Data     json.RawMessage `json:"data"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

// Envelope is the application-level message games exchange through the
// relay. The relay itself never decodes it.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	T       int64           `json:"t,omitempty"`
}

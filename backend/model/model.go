package model

import "encoding/json"

type Participant struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

type Room struct {
	ID      string        `json:"roomId"`
	Owner   string        `json:"owner,omitempty"`
	Members []Participant `json:"members"`
}

type RoomInfo struct {
	ID      string `json:"roomId"`
	Members int    `json:"members"`
}

type Stats struct {
	Rooms       int    `json:"rooms"`
	Members     int    `json:"members"`
	Connections int    `json:"connections"`
	Dropped     uint64 `json:"dropped"`
}

// Events sent by clients.
const (
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"
	EventDrawing   = "drawing"
	EventErase     = "erase"
	EventChat      = "chat"
	EventSignal    = "signal"
)

// Events originated by server.
const (
	EventRoomUsers  = "room-users"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventRoomClosed = "room-closed"
	EventError      = "error"
)

// Protocol error codes.
const (
	ErrCodeMalformed      = "malformed"
	ErrCodeInvalidPayload = "invalid-payload"
	ErrCodeAlreadyJoined  = "already-joined"
	ErrCodeNotAMember     = "not-a-member"
	ErrCodeRateLimited    = "rate-limited"
	ErrCodeInternal       = "internal"
)

// Envelope is a single inbound websocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame is a raw inbound message tagged with its origin.
type Frame struct {
	SRC     string // connection id assigned by server, never taken from the client
	Payload []byte
}

// Announcement is a single outbound websocket frame.
type Announcement struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type JoinRoomRequest struct {
	RoomID      string `json:"roomId" validate:"required,max=128"`
	DisplayName string `json:"displayName" validate:"required,max=64"`
	IsOwner     bool   `json:"isOwner"`
}

// StrokeRequest is shared by drawing and erase events.
type StrokeRequest struct {
	RoomID string          `json:"roomId" validate:"required,max=128"`
	Data   json.RawMessage `json:"data" validate:"required"`
}

type StrokePayload struct {
	Data json.RawMessage `json:"data"`
}

type ChatRequest struct {
	RoomID      string `json:"roomId" validate:"required,max=128"`
	DisplayName string `json:"displayName" validate:"required,max=64"`
	Message     string `json:"message" validate:"required,max=4096"`
}

type ChatPayload struct {
	DisplayName string `json:"displayName"`
	Message     string `json:"message"`
}

type SignalRequest struct {
	RoomID        string          `json:"roomId" validate:"required,max=128"`
	SignalPayload json.RawMessage `json:"signalPayload" validate:"required"`
}

type SignalPayload struct {
	SenderConnectionID string          `json:"senderConnectionId"`
	SignalPayload      json.RawMessage `json:"signalPayload"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

type JoinResult struct {
	Room              Room
	OwnerClaimIgnored bool
}

type RemovalOutcome int

const (
	RemovalNotFound RemovalOutcome = iota
	RemovalMemberLeft
	RemovalRoomEmptied
	RemovalRoomClosed
)

func (o RemovalOutcome) String() string {
	switch o {
	case RemovalMemberLeft:
		return "member-left"
	case RemovalRoomEmptied:
		return "room-emptied"
	case RemovalRoomClosed:
		return "room-closed"
	default:
		return "not-found"
	}
}

// Removal describes the effect of removing a member from registry.
// For RemovalRoomClosed Members holds full membership prior to removal,
// for RemovalMemberLeft it holds remaining members.
type Removal struct {
	Outcome RemovalOutcome
	RoomID  string
	Member  Participant
	Members []Participant
}

type Wire struct {
	RX chan Frame
	TX chan Announcement
}

func NewWire(sendBuffer int) Wire {
	return Wire{
		RX: make(chan Frame),
		TX: make(chan Announcement, sendBuffer),
	}
}

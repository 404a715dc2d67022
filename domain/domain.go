package domain

import (
	"context"
	"encoding/json"
)

// Message is the value fanned out to session members. Time is unix milliseconds.
type Message struct {
	Text string `json:"text"`
	Time int64  `json:"time"`
}

// Frame is the JSON envelope exchanged over a client connection.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server-to-client frame types.
const (
	FrameAck                 = "ack"
	FrameError               = "error"
	FrameConnected           = "connected"
	FrameNewMessagesReceived = "newMessagesReceived"
)

type Params map[string]any

type Response map[string]any

type Connection interface {
	ID() string
	State() *ConnectionState
	Send(data []byte) error
	Close() error
}

// Fabric delivers session traffic. Join and Leave mutate group membership for
// a single connection; Notify reaches every member of the group except origin.
type Fabric interface {
	Join(ctx context.Context, conn Connection, sessionID string) error
	Leave(ctx context.Context, conn Connection, sessionID string) error
	Notify(ctx context.Context, sessionID string, data []byte, origin Connection) error
	Stats() (sessions, connections int)
	Close() error
}

type MessageHandler interface {
	Connect(conn Connection)
	Handle(ctx context.Context, conn Connection, data []byte)
	Disconnect(ctx context.Context, conn Connection)
}

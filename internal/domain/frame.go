package domain

import (
	"encoding/json"
	"time"
)

// Inbound frame types.
const (
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FrameProbeResponse = "pong"
	FrameChat          = "chat"
	FrameTyping        = "typing"
	FrameReadReceipt   = "read_receipt"
)

// Outbound frame types.
const (
	FrameConnectionEstablished   = "connection_established"
	FrameSubscriptionConfirmed   = "subscription_confirmed"
	FrameUnsubscriptionConfirmed = "unsubscription_confirmed"
	FrameRealtimeUpdate          = "realtime_update"
	FrameError                   = "error"
	FrameServerShutdown          = "server_shutdown"
)

// InboundFrame is the envelope every client message arrives in.
type InboundFrame struct {
	Type         string          `json:"type"`
	Channel      string          `json:"channel,omitempty"`
	FetchHistory bool            `json:"fetchHistory,omitempty"`
	To           string          `json:"to,omitempty"`
	MessageID    string          `json:"messageId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// OutboundFrame is the envelope every server message leaves in.
type OutboundFrame struct {
	Type         string            `json:"type"`
	ConnectionID string            `json:"connectionId,omitempty"`
	Channel      string            `json:"channel,omitempty"`
	Identity     string            `json:"identity,omitempty"`
	MessageID    string            `json:"messageId,omitempty"`
	History      []json.RawMessage `json:"history,omitempty"`
	Data         json.RawMessage   `json:"data,omitempty"`
	Message      string            `json:"message,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// OutboundMessage addresses a payload either to a channel or to one identity.
// Setting both, or neither, is ErrInvalidTarget.
type OutboundMessage struct {
	TargetChannel  string
	TargetIdentity string
	Payload        any
	ProducedAt     time.Time
}

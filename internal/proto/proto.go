package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	PresenceTopic = "stagelink.rooms.v1"
	MdnsTag       = "stagelink-mdns"

	// libp2p stream protocol ID for the session sync channel. A client opens
	// one stream to the host and keeps it for the life of the connection;
	// messages are newline-delimited JSON envelopes in both directions.
	SessionProtoID = "/stagelink/session/1.0.0"
)

// Envelope type constants. Every message on the session stream carries an
// explicit type tag so decoding never depends on payload shape.
const (
	TypeJoin     = "join"     // client → host, first message on the stream
	TypeWelcome  = "welcome"  // host → client, carries the current snapshot
	TypeAction   = "action"   // client → host, a RemoteAction
	TypeSnapshot = "snapshot" // host → client, full session state
	TypeLeave    = "leave"    // client → host, clean disconnect
	TypeError    = "error"    // host → client, join rejected etc.
	TypePing     = "ping"     // client → host keepalive, host echoes it back
)

// Presence message types for the rooms gossip topic.
const (
	TypeHosting = "hosting"
	TypeClosed  = "closed"
)

// RemoteAction type constants. The set is closed: the host rejects anything
// else.
const (
	ActionAddRequest    = "ADD_REQUEST"
	ActionJoinSession   = "JOIN_SESSION"
	ActionToggleStatus  = "TOGGLE_STATUS"
	ActionToggleMic     = "TOGGLE_MIC"
	ActionDeleteRequest = "DELETE_REQUEST"
	ActionUpdateRequest = "UPDATE_REQUEST"
	ActionAddChat       = "ADD_CHAT"
)

// KnownActionType reports whether t is one of the closed action-type set.
func KnownActionType(t string) bool {
	switch t {
	case ActionAddRequest, ActionJoinSession, ActionToggleStatus,
		ActionToggleMic, ActionDeleteRequest, ActionUpdateRequest, ActionAddChat:
		return true
	}
	return false
}

// RemoteAction is a client-issued command. Payload stays raw JSON until the
// host dispatches on Type; actions are commands, not deltas, and must apply
// idempotently (dedup is content-based, see outbox).
type RemoteAction struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// Envelope is the wire format for the session stream.
type Envelope struct {
	Type     string          `json:"type"`
	Room     string          `json:"room,omitempty"`
	From     string          `json:"from,omitempty"`
	Action   *RemoteAction   `json:"action,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Error    *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload is attached to TypeError envelopes.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PresenceMsg announces a hosted room on the gossip topic so LAN clients can
// find the host without the rendezvous service.
type PresenceMsg struct {
	Type   string   `json:"type"` // hosting|closed
	Room   string   `json:"room"`
	PeerID string   `json:"peerId"`
	Addrs  []string `json:"addrs,omitempty"`
	TS     int64    `json:"ts"`
}

// SanitizeRoom normalizes a human-entered room name to the shared identity
// format: lower-cased, restricted to [a-z0-9-_]. Disallowed runes are dropped.
func SanitizeRoom(room string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(room)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "", fmt.Errorf("room name %q has no usable characters", room)
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out, nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }

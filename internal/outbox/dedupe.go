package outbox

import (
	"encoding/json"
	"strings"

	"github.com/veldhuis/stagelink/internal/proto"
	"github.com/veldhuis/stagelink/internal/session"
)

// Duplicate detection is content-based. Queued entries get fresh ids on every
// enqueue, so two attempts at the same user intent (a retried "add my song"
// tap, a re-sent join) never match by id; they match by type plus the fields
// that identify the intent. Song and artist comparisons ignore case and
// whitespace runs.

func norm(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

type requestKey struct {
	ParticipantID string `json:"participantId"`
	SongName      string `json:"songName"`
	Artist        string `json:"artist"`
	Type          string `json:"type"`
}

type joinKey struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type statusKey struct {
	ParticipantID string `json:"participantId"`
	Status        string `json:"status"`
}

type micKey struct {
	ParticipantID string `json:"participantId"`
	Enabled       bool   `json:"enabled"`
}

type requestIDKey struct {
	RequestID string `json:"requestId"`
}

type chatKey struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}

// equivalentActions reports whether two actions express the same intent.
func equivalentActions(a, b proto.RemoteAction) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case proto.ActionAddRequest:
		var ka, kb requestKey
		if json.Unmarshal(a.Payload, &ka) != nil || json.Unmarshal(b.Payload, &kb) != nil {
			return false
		}
		return ka.ParticipantID == kb.ParticipantID &&
			norm(ka.SongName) == norm(kb.SongName) &&
			norm(ka.Artist) == norm(kb.Artist) &&
			ka.Type == kb.Type

	case proto.ActionJoinSession:
		var ka, kb joinKey
		if json.Unmarshal(a.Payload, &ka) != nil || json.Unmarshal(b.Payload, &kb) != nil {
			return false
		}
		return keyID(ka.ID, a.SenderID) == keyID(kb.ID, b.SenderID)

	case proto.ActionToggleStatus:
		var ka, kb statusKey
		if json.Unmarshal(a.Payload, &ka) != nil || json.Unmarshal(b.Payload, &kb) != nil {
			return false
		}
		return ka == kb

	case proto.ActionToggleMic:
		var ka, kb micKey
		if json.Unmarshal(a.Payload, &ka) != nil || json.Unmarshal(b.Payload, &kb) != nil {
			return false
		}
		return ka == kb

	case proto.ActionDeleteRequest:
		var ka, kb requestIDKey
		if json.Unmarshal(a.Payload, &ka) != nil || json.Unmarshal(b.Payload, &kb) != nil {
			return false
		}
		return ka.RequestID == kb.RequestID

	case proto.ActionUpdateRequest:
		// Updates with different field sets are distinct intents; only a
		// byte-equal re-send of the same update is a duplicate.
		var ka, kb requestIDKey
		if json.Unmarshal(a.Payload, &ka) != nil || json.Unmarshal(b.Payload, &kb) != nil {
			return false
		}
		return ka.RequestID == kb.RequestID && string(a.Payload) == string(b.Payload)

	case proto.ActionAddChat:
		var ka, kb chatKey
		if json.Unmarshal(a.Payload, &ka) != nil || json.Unmarshal(b.Payload, &kb) != nil {
			return false
		}
		return keyID(ka.SenderID, a.SenderID) == keyID(kb.SenderID, b.SenderID) &&
			ka.Text == kb.Text
	}
	return false
}

// confirmableFromSnapshot reports whether an applied action of this type is
// visible in a host snapshot, making reconciliation the retirement path for
// it. Updates are the exception: a snapshot cannot distinguish "update
// applied" from "never needed", so they retire on delivery instead.
func confirmableFromSnapshot(t string) bool {
	return t != proto.ActionUpdateRequest
}

func keyID(id, fallback string) string {
	if id != "" {
		return id
	}
	return fallback
}

// snapshotReflects reports whether the host state already shows the effect of
// a queued action, meaning it reached the host on some path and can be
// dropped without re-sending.
func snapshotReflects(snap *session.Session, act proto.RemoteAction) bool {
	if snap == nil {
		return false
	}
	switch act.Type {
	case proto.ActionAddRequest:
		var k requestKey
		if json.Unmarshal(act.Payload, &k) != nil {
			return false
		}
		for _, r := range snap.Requests {
			if r.ParticipantID == k.ParticipantID &&
				norm(r.SongName) == norm(k.SongName) &&
				norm(r.Artist) == norm(k.Artist) {
				return true
			}
		}
		return false

	case proto.ActionJoinSession:
		var k joinKey
		if json.Unmarshal(act.Payload, &k) != nil {
			return false
		}
		id := keyID(k.ID, act.SenderID)
		for _, p := range snap.Participants {
			if p.ID == id {
				return true
			}
		}
		return false

	case proto.ActionToggleStatus:
		var k statusKey
		if json.Unmarshal(act.Payload, &k) != nil {
			return false
		}
		for _, p := range snap.Participants {
			if p.ID == k.ParticipantID {
				return string(p.Status) == k.Status
			}
		}
		return false

	case proto.ActionToggleMic:
		var k micKey
		if json.Unmarshal(act.Payload, &k) != nil {
			return false
		}
		for _, p := range snap.Participants {
			if p.ID == k.ParticipantID {
				return p.MicEnabled == k.Enabled
			}
		}
		return false

	case proto.ActionDeleteRequest:
		var k requestIDKey
		if json.Unmarshal(act.Payload, &k) != nil {
			return false
		}
		for _, r := range snap.Requests {
			if r.ID == k.RequestID {
				return false
			}
		}
		return true

	case proto.ActionAddChat:
		var k chatKey
		if json.Unmarshal(act.Payload, &k) != nil {
			return false
		}
		sender := keyID(k.SenderID, act.SenderID)
		for _, m := range snap.Messages {
			if m.SenderID == sender && m.Text == k.Text {
				return true
			}
		}
		return false
	}
	// Updates cannot be confirmed from the snapshot alone; they stay queued
	// until delivered and acked.
	return false
}

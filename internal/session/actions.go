package session

import (
	"encoding/json"
	"fmt"

	"github.com/veldhuis/stagelink/internal/proto"
)

// Payload shapes for the relayed action types. The envelope carries the
// payload as raw JSON; decoding happens here, right before application, so a
// malformed payload rejects the one action without touching the session.

type joinPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type toggleStatusPayload struct {
	ParticipantID string            `json:"participantId"`
	Status        ParticipantStatus `json:"status"`
}

type toggleMicPayload struct {
	ParticipantID string `json:"participantId"`
	Enabled       bool   `json:"enabled"`
}

type deleteRequestPayload struct {
	RequestID string `json:"requestId"`
}

type updateRequestPayload struct {
	RequestID string        `json:"requestId"`
	Updates   RequestUpdate `json:"updates"`
}

type addChatPayload struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
}

// ApplyRemote decodes a relayed action and applies it to the session. Only
// the closed set of relayable types is accepted; anything else is rejected
// before any state is touched.
func (s *Session) ApplyRemote(act proto.RemoteAction) error {
	switch act.Type {
	case proto.ActionJoinSession:
		var p joinPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", act.Type, err)
		}
		if p.ID == "" {
			p.ID = act.SenderID
		}
		s.Join(p.ID, p.Name)

	case proto.ActionAddRequest:
		var p NewRequestInput
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", act.Type, err)
		}
		s.AddRequest(p)

	case proto.ActionToggleStatus:
		var p toggleStatusPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", act.Type, err)
		}
		s.SetParticipantStatus(p.ParticipantID, p.Status)

	case proto.ActionToggleMic:
		var p toggleMicPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", act.Type, err)
		}
		s.SetParticipantMic(p.ParticipantID, p.Enabled)

	case proto.ActionDeleteRequest:
		var p deleteRequestPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", act.Type, err)
		}
		s.DeleteRequest(p.RequestID)

	case proto.ActionUpdateRequest:
		var p updateRequestPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", act.Type, err)
		}
		s.UpdateRequest(p.RequestID, p.Updates)

	case proto.ActionAddChat:
		var p addChatPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", act.Type, err)
		}
		if p.SenderID == "" {
			p.SenderID = act.SenderID
		}
		s.AddChatMessage(p.SenderID, p.SenderName, p.Text)

	default:
		return fmt.Errorf("unknown action type %q", act.Type)
	}
	return nil
}

// Package session holds the replicated session aggregate and the host-only
// replicator that owns all mutation of it.
package session

import "time"

// ParticipantStatus is the rotation readiness of a performer.
type ParticipantStatus string

const (
	StatusReady   ParticipantStatus = "READY"
	StatusStandby ParticipantStatus = "STANDBY"
)

// RequestType distinguishes performance requests from listening requests.
type RequestType string

const (
	TypeSinging   RequestType = "SINGING"
	TypeListening RequestType = "LISTENING"
)

// RequestStatus is the moderation state of a request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestDone     RequestStatus = "DONE"
)

const (
	// HistoryMax bounds the completed-song history, most recent first.
	HistoryMax = 100
)

// Participant is one connected performer.
type Participant struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Status       ParticipantStatus `json:"status"`
	JoinedAt     int64             `json:"joinedAt"` // unix millis
	MicEnabled   bool              `json:"micEnabled,omitempty"`
	MicRequested bool              `json:"micRequested,omitempty"`
}

// SongRequest is a queued track. Archived copies in history keep PlayedAt set.
type SongRequest struct {
	ID              string        `json:"id"`
	ParticipantID   string        `json:"participantId"`
	ParticipantName string        `json:"participantName"`
	SongName        string        `json:"songName"`
	Artist          string        `json:"artist"`
	MediaURL        string        `json:"mediaUrl,omitempty"`
	Type            RequestType   `json:"type"`
	Status          RequestStatus `json:"status"`
	CreatedAt       int64         `json:"createdAt"`
	IsInRound       bool          `json:"isInRound,omitempty"`
	PlayedAt        int64         `json:"playedAt,omitempty"`
}

// ChatMessage is a replicated chat line.
type ChatMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
}

// TickerMessage is a host-authored banner shown on the stage display.
type TickerMessage struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Color     string `json:"color,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	IsActive  bool   `json:"isActive"`
}

// VerifiedSong is a songbook entry with a known-good media link. The songbook
// survives session resets.
type VerifiedSong struct {
	ID       string      `json:"id"`
	SongName string      `json:"songName"`
	Artist   string      `json:"artist"`
	MediaURL string      `json:"mediaUrl"`
	Type     RequestType `json:"type"`
	AddedAt  int64       `json:"addedAt"`
}

// Session is the authoritative aggregate. It is owned exclusively by the
// host's Replicator; clients only ever hold snapshot copies of it.
type Session struct {
	ID               string         `json:"id"`
	Participants     []Participant  `json:"participants"`
	Requests         []SongRequest  `json:"requests"`
	CurrentRound     []SongRequest  `json:"currentRound"` // nil when no round is active
	History          []SongRequest  `json:"history"`      // most recent first, capped at HistoryMax
	Messages         []ChatMessage  `json:"messages"`
	TickerMessages   []TickerMessage `json:"tickerMessages"`
	VerifiedSongbook []VerifiedSong `json:"verifiedSongbook"`
	IsPlayingVideo   bool           `json:"isPlayingVideo,omitempty"`
}

// NewSession returns an empty session with a fresh generation id.
func NewSession() *Session {
	s := &Session{ID: newGenerationID()}
	s.Normalize()
	return s
}

func newGenerationID() string {
	return "session-" + time.Now().UTC().Format("20060102-150405")
}

// Normalize replaces nil collections with empty ones so decoded snapshots are
// safe to append to. CurrentRound stays nil when absent: nil means "no active
// round" and is never an empty slice.
func (s *Session) Normalize() {
	if s.Participants == nil {
		s.Participants = []Participant{}
	}
	if s.Requests == nil {
		s.Requests = []SongRequest{}
	}
	if s.History == nil {
		s.History = []SongRequest{}
	}
	if s.Messages == nil {
		s.Messages = []ChatMessage{}
	}
	if s.TickerMessages == nil {
		s.TickerMessages = []TickerMessage{}
	}
	if s.VerifiedSongbook == nil {
		s.VerifiedSongbook = []VerifiedSong{}
	}
	if len(s.CurrentRound) == 0 {
		s.CurrentRound = nil
	}
}

// Clone returns a deep copy. Broadcast and listener paths hand out clones so
// no goroutine ever aliases the replicator-owned aggregate.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Participants = append([]Participant(nil), s.Participants...)
	cp.Requests = append([]SongRequest(nil), s.Requests...)
	if s.CurrentRound != nil {
		cp.CurrentRound = append([]SongRequest(nil), s.CurrentRound...)
	}
	cp.History = append([]SongRequest(nil), s.History...)
	cp.Messages = append([]ChatMessage(nil), s.Messages...)
	cp.TickerMessages = append([]TickerMessage(nil), s.TickerMessages...)
	cp.VerifiedSongbook = append([]VerifiedSong(nil), s.VerifiedSongbook...)
	cp.Normalize()
	return &cp
}

func (s *Session) findParticipant(id string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return &s.Participants[i]
		}
	}
	return nil
}

func (s *Session) findRequest(id string) (int, *SongRequest) {
	for i := range s.Requests {
		if s.Requests[i].ID == id {
			return i, &s.Requests[i]
		}
	}
	return -1, nil
}

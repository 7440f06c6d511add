package session

import (
	"strings"

	"github.com/google/uuid"

	"github.com/veldhuis/stagelink/internal/proto"
)

// Mutations in this file are only ever called from the Replicator's run
// goroutine (or from tests), so they touch the aggregate without locks.
// Each one either completes fully or leaves the session untouched.
//
// Action-driven mutations are tolerant of re-application: the routing layer
// delivers at-least-once over two paths, so applying the same command against
// a state that already reflects it must be a no-op, not an error.

// Join adds a participant or refreshes an existing one. An existing
// participant keeps its status; everything else is reset to the joining
// profile.
func (s *Session) Join(id, name string) *Participant {
	now := proto.NowMillis()
	if p := s.findParticipant(id); p != nil {
		p.Name = name
		p.JoinedAt = now
		return p
	}
	s.Participants = append(s.Participants, Participant{
		ID:       id,
		Name:     name,
		Status:   StatusStandby,
		JoinedAt: now,
	})
	return &s.Participants[len(s.Participants)-1]
}

// RemoveParticipant drops a performer and every request they own, from both
// the open queue and the current round, in one mutation.
func (s *Session) RemoveParticipant(id string) {
	kept := s.Participants[:0]
	for _, p := range s.Participants {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	s.Participants = kept

	reqs := s.Requests[:0]
	for _, r := range s.Requests {
		if r.ParticipantID != id {
			reqs = append(reqs, r)
		}
	}
	s.Requests = reqs

	if s.CurrentRound != nil {
		round := s.CurrentRound[:0]
		for _, r := range s.CurrentRound {
			if r.ParticipantID != id {
				round = append(round, r)
			}
		}
		s.CurrentRound = round
		if len(s.CurrentRound) == 0 {
			s.CurrentRound = nil
		}
	}
}

// SetParticipantStatus flips the rotation readiness of a performer.
func (s *Session) SetParticipantStatus(id string, status ParticipantStatus) {
	if p := s.findParticipant(id); p != nil {
		p.Status = status
	}
}

// SetParticipantMic records the mic toggle for a performer.
func (s *Session) SetParticipantMic(id string, enabled bool) {
	if p := s.findParticipant(id); p != nil {
		p.MicEnabled = enabled
	}
}

// NewRequestInput carries the client-supplied fields of a song request. The
// host assigns id, timestamps and initial status.
type NewRequestInput struct {
	ParticipantID   string      `json:"participantId"`
	ParticipantName string      `json:"participantName"`
	SongName        string      `json:"songName"`
	Artist          string      `json:"artist"`
	MediaURL        string      `json:"mediaUrl,omitempty"`
	Type            RequestType `json:"type"`
}

// AddRequest appends a new pending request and returns it.
func (s *Session) AddRequest(in NewRequestInput) *SongRequest {
	req := SongRequest{
		ID:              uuid.NewString(),
		ParticipantID:   in.ParticipantID,
		ParticipantName: in.ParticipantName,
		SongName:        in.SongName,
		Artist:          in.Artist,
		MediaURL:        in.MediaURL,
		Type:            in.Type,
		Status:          RequestPending,
		CreatedAt:       proto.NowMillis(),
	}
	s.Requests = append(s.Requests, req)
	s.upsertVerifiedSong(req.SongName, req.Artist, req.MediaURL, req.Type)
	return &s.Requests[len(s.Requests)-1]
}

// RequestUpdate is a partial update; nil fields are left unchanged.
type RequestUpdate struct {
	SongName *string        `json:"songName,omitempty"`
	Artist   *string        `json:"artist,omitempty"`
	MediaURL *string        `json:"mediaUrl,omitempty"`
	Type     *RequestType   `json:"type,omitempty"`
	Status   *RequestStatus `json:"status,omitempty"`
}

func (u RequestUpdate) applyTo(r *SongRequest) {
	if u.SongName != nil {
		r.SongName = *u.SongName
	}
	if u.Artist != nil {
		r.Artist = *u.Artist
	}
	if u.MediaURL != nil {
		r.MediaURL = *u.MediaURL
	}
	if u.Type != nil {
		r.Type = *u.Type
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
}

// UpdateRequest patches a request wherever it lives (queue and round copy).
func (s *Session) UpdateRequest(id string, upd RequestUpdate) {
	if _, r := s.findRequest(id); r != nil {
		upd.applyTo(r)
		s.upsertVerifiedSong(r.SongName, r.Artist, r.MediaURL, r.Type)
	}
	for i := range s.CurrentRound {
		if s.CurrentRound[i].ID == id {
			upd.applyTo(&s.CurrentRound[i])
		}
	}
}

// DeleteRequest removes a request from the queue and the round. Deleting an
// already-gone id is a no-op.
func (s *Session) DeleteRequest(id string) {
	reqs := s.Requests[:0]
	for _, r := range s.Requests {
		if r.ID != id {
			reqs = append(reqs, r)
		}
	}
	s.Requests = reqs

	if s.CurrentRound != nil {
		round := s.CurrentRound[:0]
		for _, r := range s.CurrentRound {
			if r.ID != id {
				round = append(round, r)
			}
		}
		s.CurrentRound = round
		if len(s.CurrentRound) == 0 {
			s.CurrentRound = nil
		}
	}
}

// ApproveRequest marks a pending request as approved.
func (s *Session) ApproveRequest(id string) {
	if _, r := s.findRequest(id); r != nil {
		r.Status = RequestApproved
	}
}

// PromoteToStage approves a request and puts a copy of it on stage.
func (s *Session) PromoteToStage(id string) {
	_, r := s.findRequest(id)
	if r == nil {
		return
	}
	r.Status = RequestApproved
	r.IsInRound = true
	s.CurrentRound = append(s.CurrentRound, *r)
}

// ReorderRequest swaps a request with its neighbour. dir is -1 (up) or +1
// (down); out-of-range moves are ignored.
func (s *Session) ReorderRequest(id string, dir int) {
	i, _ := s.findRequest(id)
	if i < 0 {
		return
	}
	j := i + dir
	if j < 0 || j >= len(s.Requests) {
		return
	}
	s.Requests[i], s.Requests[j] = s.Requests[j], s.Requests[i]
}

// GenerateRound builds a round from READY participants, most recently joined
// first, each contributing their first approved singing request that is not
// already on stage. If nobody qualifies the current round is left alone.
func (s *Session) GenerateRound() {
	ready := make([]*Participant, 0, len(s.Participants))
	for i := range s.Participants {
		if s.Participants[i].Status == StatusReady {
			ready = append(ready, &s.Participants[i])
		}
	}
	for a := 0; a < len(ready); a++ {
		for b := a + 1; b < len(ready); b++ {
			if ready[b].JoinedAt > ready[a].JoinedAt {
				ready[a], ready[b] = ready[b], ready[a]
			}
		}
	}

	var round []SongRequest
	for _, p := range ready {
		for i := range s.Requests {
			r := &s.Requests[i]
			if r.ParticipantID == p.ID && r.Status == RequestApproved &&
				r.Type == TypeSinging && !r.IsInRound {
				r.IsInRound = true
				round = append(round, *r)
				break
			}
		}
	}
	if len(round) > 0 {
		s.CurrentRound = round
	}
}

// RotateStageSong stamps a played copy of the song into history and moves the
// live entry to the back of the round.
func (s *Session) RotateStageSong(id string) {
	for i := range s.CurrentRound {
		if s.CurrentRound[i].ID != id {
			continue
		}
		song := s.CurrentRound[i]
		s.CurrentRound = append(s.CurrentRound[:i], s.CurrentRound[i+1:]...)

		played := song
		played.PlayedAt = proto.NowMillis()
		played.IsInRound = false
		s.pushHistory(played)

		s.CurrentRound = append(s.CurrentRound, song)
		return
	}
}

// CompleteStageSong finishes one round entry: archived as DONE, removed from
// the open queue, and the round collapses to nil when it empties.
func (s *Session) CompleteStageSong(id string) {
	for i := range s.CurrentRound {
		if s.CurrentRound[i].ID != id {
			continue
		}
		song := s.CurrentRound[i]
		s.CurrentRound = append(s.CurrentRound[:i], s.CurrentRound[i+1:]...)

		song.PlayedAt = proto.NowMillis()
		song.IsInRound = false
		song.Status = RequestDone
		s.pushHistory(song)

		s.DeleteRequest(id)
		if len(s.CurrentRound) == 0 {
			s.CurrentRound = nil
			s.IsPlayingVideo = false
		}
		return
	}
}

// FinishRound completes every remaining round entry at once.
func (s *Session) FinishRound() {
	if s.CurrentRound == nil {
		return
	}
	now := proto.NowMillis()
	finished := make([]SongRequest, len(s.CurrentRound))
	ids := make(map[string]bool, len(s.CurrentRound))
	for i, r := range s.CurrentRound {
		r.PlayedAt = now
		r.IsInRound = false
		r.Status = RequestDone
		finished[i] = r
		ids[r.ID] = true
	}

	s.History = append(finished, s.History...)
	if len(s.History) > HistoryMax {
		s.History = s.History[:HistoryMax]
	}

	reqs := s.Requests[:0]
	for _, r := range s.Requests {
		if !ids[r.ID] {
			reqs = append(reqs, r)
		}
	}
	s.Requests = reqs

	s.CurrentRound = nil
	s.IsPlayingVideo = false
}

// ReAddFromHistory queues a fresh copy of an archived song.
func (s *Session) ReAddFromHistory(item SongRequest, asApproved bool) *SongRequest {
	item.ID = uuid.NewString()
	item.CreatedAt = proto.NowMillis()
	item.Status = RequestPending
	if asApproved {
		item.Status = RequestApproved
	}
	item.IsInRound = false
	item.PlayedAt = 0
	s.Requests = append(s.Requests, item)
	return &s.Requests[len(s.Requests)-1]
}

// ClearHistory drops the completed-song archive.
func (s *Session) ClearHistory() {
	s.History = []SongRequest{}
}

// AddChatMessage appends a chat line.
func (s *Session) AddChatMessage(senderID, senderName, text string) {
	s.Messages = append(s.Messages, ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		Timestamp:  proto.NowMillis(),
	})
}

// AddTickerMessage appends a stage banner.
func (s *Session) AddTickerMessage(text, color string, expiresAt int64) *TickerMessage {
	s.TickerMessages = append(s.TickerMessages, TickerMessage{
		ID:        uuid.NewString(),
		Text:      text,
		Color:     color,
		ExpiresAt: expiresAt,
		CreatedAt: proto.NowMillis(),
		IsActive:  true,
	})
	return &s.TickerMessages[len(s.TickerMessages)-1]
}

// SetTickerActive toggles a banner on or off.
func (s *Session) SetTickerActive(id string, active bool) {
	for i := range s.TickerMessages {
		if s.TickerMessages[i].ID == id {
			s.TickerMessages[i].IsActive = active
		}
	}
}

// DeleteTickerMessage removes a banner.
func (s *Session) DeleteTickerMessage(id string) {
	kept := s.TickerMessages[:0]
	for _, m := range s.TickerMessages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	s.TickerMessages = kept
}

// SetStageVideoPlaying records whether the stage display is mid-playback.
func (s *Session) SetStageVideoPlaying(active bool) {
	s.IsPlayingVideo = active
}

// Reset starts a new session generation. The verified songbook carries over;
// everything else is cleared.
func (s *Session) Reset() {
	songbook := s.VerifiedSongbook
	*s = Session{
		ID:               newGenerationID(),
		VerifiedSongbook: songbook,
	}
	s.Normalize()
}

// AddVerifiedSong adds a songbook entry directly (host curation).
func (s *Session) AddVerifiedSong(songName, artist, mediaURL string, typ RequestType) {
	s.upsertVerifiedSong(songName, artist, mediaURL, typ)
}

// DeleteVerifiedSong removes a songbook entry by id.
func (s *Session) DeleteVerifiedSong(id string) {
	kept := s.VerifiedSongbook[:0]
	for _, v := range s.VerifiedSongbook {
		if v.ID != id {
			kept = append(kept, v)
		}
	}
	s.VerifiedSongbook = kept
}

// upsertVerifiedSong records a song with a working media link, keyed on
// case-insensitive song+artist. A changed link updates the entry in place.
func (s *Session) upsertVerifiedSong(songName, artist, mediaURL string, typ RequestType) {
	if strings.TrimSpace(mediaURL) == "" {
		return
	}
	for i := range s.VerifiedSongbook {
		v := &s.VerifiedSongbook[i]
		if strings.EqualFold(v.SongName, songName) && strings.EqualFold(v.Artist, artist) {
			if v.MediaURL != mediaURL {
				v.MediaURL = mediaURL
			}
			return
		}
	}
	s.VerifiedSongbook = append(s.VerifiedSongbook, VerifiedSong{
		ID:       uuid.NewString(),
		SongName: songName,
		Artist:   artist,
		MediaURL: mediaURL,
		Type:     typ,
		AddedAt:  proto.NowMillis(),
	})
}

func (s *Session) pushHistory(r SongRequest) {
	s.History = append([]SongRequest{r}, s.History...)
	if len(s.History) > HistoryMax {
		s.History = s.History[:HistoryMax]
	}
}

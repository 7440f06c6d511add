package session

import (
	"encoding/json"
	"testing"

	"github.com/veldhuis/stagelink/internal/proto"
)

func addSong(t *testing.T, s *Session, pid, name, song, artist string) *SongRequest {
	t.Helper()
	return s.AddRequest(NewRequestInput{
		ParticipantID:   pid,
		ParticipantName: name,
		SongName:        song,
		Artist:          artist,
		Type:            TypeSinging,
	})
}

func TestJoinUpsert(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	s.SetParticipantStatus("p1", StatusReady)

	// Rejoining keeps status but refreshes the name.
	s.Join("p1", "Ana B")
	if len(s.Participants) != 1 {
		t.Fatalf("want 1 participant, got %d", len(s.Participants))
	}
	p := s.Participants[0]
	if p.Name != "Ana B" || p.Status != StatusReady {
		t.Fatalf("unexpected participant after rejoin: %+v", p)
	}
}

func TestRemoveParticipantCleansReferences(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	s.Join("p2", "Bo")
	r1 := addSong(t, s, "p1", "Ana", "Song A", "X")
	addSong(t, s, "p2", "Bo", "Song B", "Y")
	s.PromoteToStage(r1.ID)

	s.RemoveParticipant("p1")

	if len(s.Participants) != 1 || s.Participants[0].ID != "p2" {
		t.Fatalf("participant p1 not removed: %+v", s.Participants)
	}
	for _, r := range s.Requests {
		if r.ParticipantID == "p1" {
			t.Fatalf("request %s still references removed participant", r.ID)
		}
	}
	if s.CurrentRound != nil {
		t.Fatalf("round should collapse to nil when its last entry is removed, got %+v", s.CurrentRound)
	}
}

func TestDeleteRequestCollapsesRound(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	r := addSong(t, s, "p1", "Ana", "Song A", "X")
	s.PromoteToStage(r.ID)

	s.DeleteRequest(r.ID)
	if len(s.Requests) != 0 {
		t.Fatalf("request not deleted")
	}
	if s.CurrentRound != nil {
		t.Fatalf("round should be nil after deleting its only entry")
	}

	// Deleting again is a no-op.
	s.DeleteRequest(r.ID)
}

func TestUpdateRequestPatchesRoundCopy(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	r := addSong(t, s, "p1", "Ana", "Song A", "X")
	s.PromoteToStage(r.ID)

	newName := "Song A (live)"
	s.UpdateRequest(r.ID, RequestUpdate{SongName: &newName})

	if s.Requests[0].SongName != newName {
		t.Fatalf("queue copy not updated: %q", s.Requests[0].SongName)
	}
	if s.CurrentRound[0].SongName != newName {
		t.Fatalf("round copy not updated: %q", s.CurrentRound[0].SongName)
	}
}

func TestGenerateRoundOrdersByRecency(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	s.Join("p2", "Bo")
	s.Join("p3", "Cy")
	// Make join order deterministic regardless of clock resolution.
	s.Participants[0].JoinedAt = 100
	s.Participants[1].JoinedAt = 200
	s.Participants[2].JoinedAt = 300
	for _, p := range []string{"p1", "p2", "p3"} {
		s.SetParticipantStatus(p, StatusReady)
	}
	ra := addSong(t, s, "p1", "Ana", "A", "X")
	rb := addSong(t, s, "p2", "Bo", "B", "Y")
	rc := addSong(t, s, "p3", "Cy", "C", "Z")
	for _, r := range []*SongRequest{ra, rb, rc} {
		s.ApproveRequest(r.ID)
	}
	// A pending request never enters a round.
	extra := addSong(t, s, "p2", "Bo", "B2", "Y")
	_ = extra

	s.GenerateRound()

	if len(s.CurrentRound) != 3 {
		t.Fatalf("want round of 3, got %d", len(s.CurrentRound))
	}
	got := []string{s.CurrentRound[0].ParticipantID, s.CurrentRound[1].ParticipantID, s.CurrentRound[2].ParticipantID}
	want := []string{"p3", "p2", "p1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round order: got %v, want %v", got, want)
		}
	}
	for _, r := range s.CurrentRound {
		if !r.IsInRound {
			t.Fatalf("round entry %s not flagged as in round", r.ID)
		}
	}
}

func TestGenerateRoundSkipsStandbyAndListening(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	s.Join("p2", "Bo")
	s.SetParticipantStatus("p1", StatusReady)
	// p2 stays STANDBY.
	r1 := addSong(t, s, "p1", "Ana", "A", "X")
	r2 := addSong(t, s, "p2", "Bo", "B", "Y")
	s.ApproveRequest(r1.ID)
	s.ApproveRequest(r2.ID)

	s.GenerateRound()
	if len(s.CurrentRound) != 1 || s.CurrentRound[0].ParticipantID != "p1" {
		t.Fatalf("standby participant leaked into round: %+v", s.CurrentRound)
	}
}

func TestRotateStageSong(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	s.Join("p2", "Bo")
	r1 := addSong(t, s, "p1", "Ana", "A", "X")
	r2 := addSong(t, s, "p2", "Bo", "B", "Y")
	s.PromoteToStage(r1.ID)
	s.PromoteToStage(r2.ID)

	s.RotateStageSong(r1.ID)

	if len(s.CurrentRound) != 2 {
		t.Fatalf("rotation must keep the round size, got %d", len(s.CurrentRound))
	}
	if s.CurrentRound[1].ID != r1.ID {
		t.Fatalf("rotated song should be at the back, round=%+v", s.CurrentRound)
	}
	if len(s.History) != 1 || s.History[0].ID != r1.ID || s.History[0].PlayedAt == 0 {
		t.Fatalf("rotation must archive a played copy: %+v", s.History)
	}
	// The live entry keeps playing: not DONE, still in the open queue.
	if s.Requests[0].ID != r1.ID && s.Requests[1].ID != r1.ID {
		t.Fatalf("rotated request vanished from the queue")
	}
}

func TestCompleteStageSong(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	r := addSong(t, s, "p1", "Ana", "A", "X")
	s.PromoteToStage(r.ID)
	s.SetStageVideoPlaying(true)

	s.CompleteStageSong(r.ID)

	if s.CurrentRound != nil {
		t.Fatalf("round should be nil after completing the last song")
	}
	if s.IsPlayingVideo {
		t.Fatalf("video flag should clear when the round empties")
	}
	if len(s.Requests) != 0 {
		t.Fatalf("completed request should leave the queue")
	}
	if len(s.History) != 1 || s.History[0].Status != RequestDone || s.History[0].PlayedAt == 0 {
		t.Fatalf("completed song should be archived DONE: %+v", s.History)
	}
}

func TestFinishRound(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	s.Join("p2", "Bo")
	r1 := addSong(t, s, "p1", "Ana", "A", "X")
	r2 := addSong(t, s, "p2", "Bo", "B", "Y")
	s.PromoteToStage(r1.ID)
	s.PromoteToStage(r2.ID)
	s.SetStageVideoPlaying(true)

	s.FinishRound()

	if s.CurrentRound != nil || s.IsPlayingVideo {
		t.Fatalf("finish must clear the round and the video flag")
	}
	if len(s.Requests) != 0 {
		t.Fatalf("finished songs should leave the queue: %+v", s.Requests)
	}
	if len(s.History) != 2 {
		t.Fatalf("want 2 archived songs, got %d", len(s.History))
	}
}

func TestHistoryCap(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	for i := 0; i < HistoryMax+10; i++ {
		r := addSong(t, s, "p1", "Ana", "song", "artist")
		s.PromoteToStage(r.ID)
		s.CompleteStageSong(r.ID)
	}
	if len(s.History) != HistoryMax {
		t.Fatalf("history must stay capped at %d, got %d", HistoryMax, len(s.History))
	}
}

func TestReAddFromHistory(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	r := addSong(t, s, "p1", "Ana", "A", "X")
	s.PromoteToStage(r.ID)
	s.CompleteStageSong(r.ID)

	re := s.ReAddFromHistory(s.History[0], true)
	if re.ID == r.ID {
		t.Fatalf("re-added song must get a fresh id")
	}
	if re.Status != RequestApproved || re.PlayedAt != 0 || re.IsInRound {
		t.Fatalf("re-added song state wrong: %+v", re)
	}
}

func TestVerifiedSongbookUpsert(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	s.AddRequest(NewRequestInput{
		ParticipantID: "p1", ParticipantName: "Ana",
		SongName: "Bohemian Rhapsody", Artist: "Queen",
		MediaURL: "https://v/1", Type: TypeSinging,
	})
	// Same song, different case: updates the link instead of duplicating.
	s.AddRequest(NewRequestInput{
		ParticipantID: "p1", ParticipantName: "Ana",
		SongName: "bohemian rhapsody", Artist: "QUEEN",
		MediaURL: "https://v/2", Type: TypeSinging,
	})
	// No media link: no songbook entry.
	s.AddRequest(NewRequestInput{
		ParticipantID: "p1", ParticipantName: "Ana",
		SongName: "Other", Artist: "Nobody", Type: TypeSinging,
	})

	if len(s.VerifiedSongbook) != 1 {
		t.Fatalf("want 1 songbook entry, got %d", len(s.VerifiedSongbook))
	}
	if s.VerifiedSongbook[0].MediaURL != "https://v/2" {
		t.Fatalf("songbook link not updated: %q", s.VerifiedSongbook[0].MediaURL)
	}
}

func TestResetKeepsSongbook(t *testing.T) {
	s := NewSession()
	s.Join("p1", "Ana")
	addSong(t, s, "p1", "Ana", "A", "X")
	s.AddVerifiedSong("A", "X", "https://v/1", TypeSinging)
	oldID := s.ID

	s.Reset()

	if s.ID == oldID {
		t.Fatalf("reset must start a new generation id")
	}
	if len(s.Participants) != 0 || len(s.Requests) != 0 {
		t.Fatalf("reset must clear participants and requests")
	}
	if len(s.VerifiedSongbook) != 1 {
		t.Fatalf("songbook must survive reset, got %d entries", len(s.VerifiedSongbook))
	}
}

func TestApplyRemoteDispatch(t *testing.T) {
	s := NewSession()

	join, _ := json.Marshal(map[string]string{"id": "p1", "name": "Ana"})
	if err := s.ApplyRemote(proto.RemoteAction{Type: proto.ActionJoinSession, Payload: join, SenderID: "p1"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	add, _ := json.Marshal(NewRequestInput{ParticipantID: "p1", ParticipantName: "Ana", SongName: "A", Artist: "X", Type: TypeSinging})
	if err := s.ApplyRemote(proto.RemoteAction{Type: proto.ActionAddRequest, Payload: add, SenderID: "p1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	chat, _ := json.Marshal(map[string]string{"senderName": "Ana", "text": "hi"})
	if err := s.ApplyRemote(proto.RemoteAction{Type: proto.ActionAddChat, Payload: chat, SenderID: "p1"}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if s.Messages[0].SenderID != "p1" {
		t.Fatalf("chat sender should fall back to the action sender: %+v", s.Messages[0])
	}

	if err := s.ApplyRemote(proto.RemoteAction{Type: "NOT_A_THING", Payload: join}); err == nil {
		t.Fatalf("unknown action type must be rejected")
	}
	if len(s.Participants) != 1 || len(s.Requests) != 1 {
		t.Fatalf("rejected action must not touch state")
	}
}

func TestApplyRemoteIsIdempotentForSameIntent(t *testing.T) {
	s := NewSession()
	join, _ := json.Marshal(map[string]string{"id": "p1", "name": "Ana"})
	for i := 0; i < 3; i++ {
		if err := s.ApplyRemote(proto.RemoteAction{Type: proto.ActionJoinSession, Payload: join, SenderID: "p1"}); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}
	if len(s.Participants) != 1 {
		t.Fatalf("re-applied join must not duplicate the participant")
	}
}

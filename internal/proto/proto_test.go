package proto

import (
	"encoding/json"
	"testing"
)

func TestSanitizeRoom(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Friday Night", "fridaynight", true},
		{"friday-night_2", "friday-night_2", true},
		{"  KARAOKE!!  ", "karaoke", true},
		{"Sala Química", "salaqumica", true},
		{"---", "---", true},
		{"!!!", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, err := SanitizeRoom(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("SanitizeRoom(%q) = %q, %v; want %q", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("SanitizeRoom(%q) = %q; want error", c.in, got)
		}
	}
}

func TestSanitizeRoomCapsLength(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	got, err := SanitizeRoom(string(long))
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if len(got) != 64 {
		t.Fatalf("want 64 chars, got %d", len(got))
	}
}

func TestKnownActionType(t *testing.T) {
	for _, typ := range []string{
		ActionAddRequest, ActionJoinSession, ActionToggleStatus,
		ActionToggleMic, ActionDeleteRequest, ActionUpdateRequest, ActionAddChat,
	} {
		if !KnownActionType(typ) {
			t.Errorf("KnownActionType(%q) = false", typ)
		}
	}
	for _, typ := range []string{"", "add_request", "RESET_SESSION", "SNAPSHOT"} {
		if KnownActionType(typ) {
			t.Errorf("KnownActionType(%q) = true", typ)
		}
	}
}

func TestEnvelopeDecodesByTag(t *testing.T) {
	raw := []byte(`{"type":"action","room":"friday-night","from":"p1",` +
		`"action":{"type":"ADD_CHAT","payload":{"text":"hi"},"senderId":"p1"}}`)
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeAction || env.Action == nil || env.Action.Type != ActionAddChat {
		t.Fatalf("decoded %+v", env)
	}

	// A snapshot envelope keeps its payload raw until the session layer
	// parses it.
	raw = []byte(`{"type":"snapshot","snapshot":{"participants":[]}}`)
	env = Envelope{}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeSnapshot || len(env.Snapshot) == 0 {
		t.Fatalf("decoded %+v", env)
	}
	if env.Action != nil {
		t.Fatalf("snapshot envelope must not grow an action")
	}
}

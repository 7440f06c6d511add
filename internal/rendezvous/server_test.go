package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/veldhuis/stagelink/internal/proto"
)

func startTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := New("127.0.0.1:0", "", filepath.Join(t.TempDir(), "rendezvous.db"))
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		time.Sleep(50 * time.Millisecond)
	})
	return srv, NewClient(srv.URL())
}

func TestClaimExclusivity(t *testing.T) {
	_, cl := startTestServer(t)
	ctx := context.Background()

	if err := cl.Claim(ctx, "friday-night", "peerA", []string{"/ip4/10.0.0.1/tcp/4001"}); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// A second peer collides.
	err := cl.Claim(ctx, "friday-night", "peerB", nil)
	if !errors.Is(err, ErrRoomTaken) {
		t.Fatalf("want ErrRoomTaken, got %v", err)
	}

	// The holder may renew.
	if err := cl.Claim(ctx, "friday-night", "peerA", []string{"/ip4/10.0.0.1/tcp/4001"}); err != nil {
		t.Fatalf("renewal by holder: %v", err)
	}

	// Different rooms are independent.
	if err := cl.Claim(ctx, "saturday", "peerB", nil); err != nil {
		t.Fatalf("claim of other room: %v", err)
	}
}

func TestReleaseFreesRoom(t *testing.T) {
	srv, cl := startTestServer(t)
	ctx := context.Background()

	if err := cl.Claim(ctx, "friday-night", "peerA", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Release by a non-holder is ignored.
	if err := cl.Release(ctx, "friday-night", "peerB"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, held := srv.ClaimHolder("friday-night"); !held {
		t.Fatalf("non-holder release must not free the room")
	}

	if err := cl.Release(ctx, "friday-night", "peerA"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := cl.Claim(ctx, "friday-night", "peerB", nil); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestResolve(t *testing.T) {
	_, cl := startTestServer(t)
	ctx := context.Background()

	_, _, err := cl.Resolve(ctx, "nobody-home")
	if !errors.Is(err, ErrRoomNotHosted) {
		t.Fatalf("want ErrRoomNotHosted, got %v", err)
	}

	addrs := []string{"/ip4/10.0.0.1/tcp/4001", "/ip4/192.168.1.5/tcp/4001"}
	if err := cl.Claim(ctx, "friday-night", "peerA", addrs); err != nil {
		t.Fatalf("claim: %v", err)
	}
	pid, got, err := cl.Resolve(ctx, "friday-night")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pid != "peerA" || len(got) != 2 || got[0] != addrs[0] {
		t.Fatalf("resolve returned %q %v", pid, got)
	}
}

func TestPendingDrainThenAck(t *testing.T) {
	_, cl := startTestServer(t)
	ctx := context.Background()

	if err := cl.Claim(ctx, "friday-night", "peerA", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{
		"participantId": "p1", "songName": "A", "artist": "X", "type": "SINGING",
	})
	act := proto.RemoteAction{Type: proto.ActionAddRequest, Payload: payload, SenderID: "p1"}
	if err := cl.AppendPending(ctx, "friday-night", act); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := cl.AppendPending(ctx, "friday-night", act); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Only the claim holder may drain.
	if _, err := cl.DrainPending(ctx, "friday-night", "peerB"); err == nil {
		t.Fatalf("drain by non-holder must fail")
	}

	got, err := cl.DrainPending(ctx, "friday-night", "peerA")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 buffered actions, got %d", len(got))
	}
	if got[0].Action.Type != proto.ActionAddRequest || got[0].BufferedAt == 0 {
		t.Fatalf("bad drained entry: %+v", got[0])
	}

	// Reading is not applying: everything stays buffered until acked, so a
	// host that crashes mid-drain can pick the entries up again.
	got2, err := cl.DrainPending(ctx, "friday-night", "peerA")
	if err != nil || len(got2) != 2 {
		t.Fatalf("unacked entries must survive a re-drain: %d, %v", len(got2), err)
	}

	// Only the claim holder may ack.
	if err := cl.AckPending(ctx, "friday-night", "peerB", got[0].ID); err == nil {
		t.Fatalf("ack by non-holder must fail")
	}

	for _, p := range got {
		if err := cl.AckPending(ctx, "friday-night", "peerA", p.ID); err != nil {
			t.Fatalf("ack %s: %v", p.ID, err)
		}
	}
	got, err = cl.DrainPending(ctx, "friday-night", "peerA")
	if err != nil {
		t.Fatalf("drain after ack: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("acked entries must be gone, got %d", len(got))
	}
}

func TestPendingRejectsUnknownActionType(t *testing.T) {
	_, cl := startTestServer(t)
	act := proto.RemoteAction{Type: "FORMAT_DISK", Payload: json.RawMessage(`{}`)}
	if err := cl.AppendPending(context.Background(), "friday-night", act); err == nil {
		t.Fatalf("unknown action type must be rejected")
	}
}

func TestSubscribeSeesPendingEvents(t *testing.T) {
	_, cl := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := cl.Subscribe(ctx, "friday-night")

	payload, _ := json.Marshal(map[string]string{
		"participantId": "p1", "songName": "A", "artist": "X", "type": "SINGING",
	})
	act := proto.RemoteAction{Type: proto.ActionAddRequest, Payload: payload, SenderID: "p1"}

	// The subscription dials asynchronously; retry until the event lands.
	deadline := time.After(4 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-events:
			if ev.Type != "pending" || ev.Room != "friday-night" {
				t.Fatalf("unexpected event %+v", ev)
			}
			return
		case <-tick.C:
			if err := cl.AppendPending(ctx, "friday-night", act); err != nil {
				t.Fatalf("append: %v", err)
			}
		case <-deadline:
			t.Fatalf("no pending event received")
		}
	}
}

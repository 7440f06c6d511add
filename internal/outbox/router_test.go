package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/veldhuis/stagelink/internal/proto"
	"github.com/veldhuis/stagelink/internal/session"
	"github.com/veldhuis/stagelink/internal/storage"
)

type fakeDirect struct {
	mu        sync.Mutex
	connected bool
	fail      bool
	sent      []proto.RemoteAction
}

func (f *fakeDirect) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDirect) SendAction(_ context.Context, act proto.RemoteAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("stream reset")
	}
	f.sent = append(f.sent, act)
	return nil
}

type fakeSide struct {
	mu       sync.Mutex
	fail     bool
	appended []proto.RemoteAction
}

func (f *fakeSide) AppendPending(_ context.Context, _ string, act proto.RemoteAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("rendezvous unreachable")
	}
	f.appended = append(f.appended, act)
	return nil
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestRouterPrefersDirect(t *testing.T) {
	q := newTestQueue(t)
	direct := &fakeDirect{connected: true}
	side := &fakeSide{}
	r := NewRouter("friday-night", q, direct, side)

	if err := r.Dispatch(context.Background(), addRequestAction(t, "p1", "Direct Song", "X")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(direct.sent) != 1 || len(side.appended) != 0 {
		t.Fatalf("want direct delivery, got direct=%d side=%d", len(direct.sent), len(side.appended))
	}

	// A stream write is not application: the entry stays queued, and is not
	// re-sent while the last send is still trusted.
	if n, _ := q.Len(); n != 1 {
		t.Fatalf("directly sent action must stay queued until a snapshot confirms it, got %d", n)
	}
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if len(direct.sent) != 1 {
		t.Fatalf("trusted send must not repeat, sent %d times", len(direct.sent))
	}

	// The confirming snapshot retires it.
	snap := session.NewSession()
	snap.Join("p1", "Ana")
	snap.AddRequest(session.NewRequestInput{
		ParticipantID: "p1", ParticipantName: "Ana",
		SongName: "Direct Song", Artist: "X", Type: session.TypeSinging,
	})
	if _, err := q.Reconcile(snap); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n, _ := q.Len(); n != 0 {
		t.Fatalf("confirmed action must be retired, %d left", n)
	}
}

func TestRouterAcksUpdatesOnDirectSend(t *testing.T) {
	q := newTestQueue(t)
	direct := &fakeDirect{connected: true}
	r := NewRouter("friday-night", q, direct, nil)

	upd, _ := json.Marshal(map[string]any{
		"requestId": "r1",
		"updates":   map[string]string{"songName": "New Title"},
	})
	act := proto.RemoteAction{Type: proto.ActionUpdateRequest, Payload: upd, SenderID: "p1"}
	if err := r.Dispatch(context.Background(), act); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// Snapshots cannot confirm updates, so delivery is their retirement.
	if n, _ := q.Len(); n != 0 {
		t.Fatalf("delivered update must be acked, %d left", n)
	}
}

func TestRouterFallsBackToSideChannel(t *testing.T) {
	q := newTestQueue(t)
	direct := &fakeDirect{connected: false}
	side := &fakeSide{}
	r := NewRouter("friday-night", q, direct, side)

	err := r.Dispatch(context.Background(), addRequestAction(t, "p1", "A", "X"))
	if !errors.Is(err, ErrDeliveryDegraded) {
		t.Fatalf("want ErrDeliveryDegraded, got %v", err)
	}
	if len(side.appended) != 1 {
		t.Fatalf("want side channel delivery, got %d", len(side.appended))
	}
	if n, _ := q.Len(); n != 0 {
		t.Fatalf("side delivery must still ack, %d left", n)
	}
}

func TestRouterFallsBackWhenDirectSendFails(t *testing.T) {
	q := newTestQueue(t)
	direct := &fakeDirect{connected: true, fail: true}
	side := &fakeSide{}
	r := NewRouter("friday-night", q, direct, side)

	err := r.Dispatch(context.Background(), addRequestAction(t, "p1", "A", "X"))
	if !errors.Is(err, ErrDeliveryDegraded) {
		t.Fatalf("want ErrDeliveryDegraded, got %v", err)
	}
	if len(side.appended) != 1 {
		t.Fatalf("failed direct send must reach the side channel")
	}
}

func TestRouterKeepsActionWhenNoPath(t *testing.T) {
	q := newTestQueue(t)
	direct := &fakeDirect{connected: false}
	side := &fakeSide{fail: true}
	r := NewRouter("friday-night", q, direct, side)

	if err := r.Dispatch(context.Background(), addRequestAction(t, "p1", "A", "X")); err == nil {
		t.Fatalf("want flush error with no delivery path")
	}
	if n, _ := q.Len(); n != 1 {
		t.Fatalf("undeliverable action must stay queued, got %d", n)
	}

	// Path comes back: the next flush sends it, and it waits for a snapshot.
	direct.mu.Lock()
	direct.connected = true
	direct.mu.Unlock()
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if len(direct.sent) != 1 {
		t.Fatalf("recovered flush must send the action, sent %d", len(direct.sent))
	}
	if n, _ := q.Len(); n != 1 {
		t.Fatalf("sent action awaits snapshot confirmation, got %d queued", n)
	}
}

func TestRouterWithoutSideChannel(t *testing.T) {
	q := newTestQueue(t)
	direct := &fakeDirect{connected: false}
	r := NewRouter("friday-night", q, direct, nil)

	if err := r.Dispatch(context.Background(), addRequestAction(t, "p1", "A", "X")); err == nil {
		t.Fatalf("want error when offline with no side channel")
	}
	if n, _ := q.Len(); n != 1 {
		t.Fatalf("action must stay queued, got %d", n)
	}
}

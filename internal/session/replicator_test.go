package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/veldhuis/stagelink/internal/proto"
)

// memStore is an in-memory Store for replicator tests.
type memStore struct {
	mu    sync.Mutex
	saved *Session
	saves int
}

func (m *memStore) SaveSession(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = s.Clone()
	m.saves++
	return nil
}

func (m *memStore) LoadSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return nil, nil
	}
	return m.saved.Clone(), nil
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func TestReplicatorAppliesInOrder(t *testing.T) {
	store := &memStore{}
	rep, err := NewReplicator(store)
	if err != nil {
		t.Fatalf("new replicator: %v", err)
	}
	defer rep.Close()

	ctx := context.Background()
	for _, name := range []string{"Ana", "Bo", "Cy"} {
		n := name
		if err := rep.Do(ctx, func(s *Session) error {
			s.Join("id-"+n, n)
			return nil
		}); err != nil {
			t.Fatalf("join %s: %v", n, err)
		}
	}

	snap, err := rep.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Participants) != 3 {
		t.Fatalf("want 3 participants, got %d", len(snap.Participants))
	}
}

func TestReplicatorRejectedMutationLeavesStateAlone(t *testing.T) {
	store := &memStore{}
	rep, err := NewReplicator(store)
	if err != nil {
		t.Fatalf("new replicator: %v", err)
	}
	defer rep.Close()

	ctx := context.Background()
	saves := store.saveCount()

	boom := errors.New("boom")
	err = rep.Do(ctx, func(s *Session) error {
		s.Join("ghost", "Ghost")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	// A failed mutation must not be persisted or broadcast.
	if store.saveCount() != saves {
		t.Fatalf("failed mutation was persisted")
	}

	// Nor may its partial effect survive into state observed after a later,
	// successful mutation.
	if err := rep.Do(ctx, func(s *Session) error {
		s.AddChatMessage("p2", "Bo", "hello")
		return nil
	}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	snap, err := rep.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Participants) != 0 {
		t.Fatalf("failed mutation leaked into a later snapshot: %+v", snap.Participants)
	}
	loaded, err := store.LoadSession()
	if err != nil || loaded == nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Participants) != 0 {
		t.Fatalf("failed mutation leaked into persistence: %+v", loaded.Participants)
	}
}

func TestReplicatorPersistsAndNotifies(t *testing.T) {
	store := &memStore{}
	rep, err := NewReplicator(store)
	if err != nil {
		t.Fatalf("new replicator: %v", err)
	}
	defer rep.Close()

	snaps := rep.Listen()
	ctx := context.Background()

	join, _ := json.Marshal(map[string]string{"id": "p1", "name": "Ana"})
	if err := rep.ApplyAction(ctx, proto.RemoteAction{Type: proto.ActionJoinSession, Payload: join, SenderID: "p1"}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	select {
	case snap := <-snaps:
		if len(snap.Participants) != 1 {
			t.Fatalf("listener snapshot missing the join: %+v", snap.Participants)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot fan-out after mutation")
	}

	loaded, err := store.LoadSession()
	if err != nil || loaded == nil {
		t.Fatalf("load after persist: %v", err)
	}
	if len(loaded.Participants) != 1 {
		t.Fatalf("persisted snapshot missing the join")
	}
}

func TestReplicatorResumesStoredSession(t *testing.T) {
	store := &memStore{}
	rep, err := NewReplicator(store)
	if err != nil {
		t.Fatalf("new replicator: %v", err)
	}
	ctx := context.Background()
	if err := rep.Do(ctx, func(s *Session) error {
		s.Join("p1", "Ana")
		return nil
	}); err != nil {
		t.Fatalf("join: %v", err)
	}
	rep.Close()

	rep2, err := NewReplicator(store)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rep2.Close()
	snap, err := rep2.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Participants) != 1 || snap.Participants[0].ID != "p1" {
		t.Fatalf("resumed session lost state: %+v", snap.Participants)
	}
}

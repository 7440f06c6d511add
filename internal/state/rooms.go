// Package state tracks what the gossip mesh currently says about hosted
// rooms. It is a live view, not a source of truth: the rendezvous claim
// registry stays authoritative for who holds a room.
package state

import (
	"sync"
	"time"
)

// HostedRoom is one room seen on the presence topic.
type HostedRoom struct {
	Room     string    `json:"room"`
	PeerID   string    `json:"peer_id"`
	Addrs    []string  `json:"addrs,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// RoomEvent is pushed to subscribers on table changes.
type RoomEvent struct {
	Type string      `json:"type"` // update|remove
	Room string      `json:"room"`
	Host *HostedRoom `json:"host,omitempty"`
}

// RoomTable is the in-memory room directory.
type RoomTable struct {
	mu        sync.Mutex
	rooms     map[string]HostedRoom
	listeners []chan RoomEvent
}

func NewRoomTable() *RoomTable {
	return &RoomTable{
		rooms:     map[string]HostedRoom{},
		listeners: make([]chan RoomEvent, 0),
	}
}

// Upsert records a hosting announcement.
func (t *RoomTable) Upsert(room, peerID string, addrs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hr := HostedRoom{
		Room:     room,
		PeerID:   peerID,
		Addrs:    addrs,
		LastSeen: time.Now(),
	}
	t.rooms[room] = hr
	t.notifyListeners(RoomEvent{Type: "update", Room: room, Host: &hr})
}

// Remove drops a room if the given peer was its announced host.
func (t *RoomTable) Remove(room, peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.rooms[room]; !ok || cur.PeerID != peerID {
		return
	}
	delete(t.rooms, room)
	t.notifyListeners(RoomEvent{Type: "remove", Room: room})
}

// Lookup returns the announced host for a room.
func (t *RoomTable) Lookup(room string) (HostedRoom, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hr, ok := t.rooms[room]
	return hr, ok
}

// Snapshot returns a copy of the whole table.
func (t *RoomTable) Snapshot() map[string]HostedRoom {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]HostedRoom, len(t.rooms))
	for k, v := range t.rooms {
		cp[k] = v
	}
	return cp
}

// PruneStale removes rooms not announced since the cutoff.
func (t *RoomTable) PruneStale(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for room, hr := range t.rooms {
		if hr.LastSeen.Before(cutoff) {
			delete(t.rooms, room)
			t.notifyListeners(RoomEvent{Type: "remove", Room: room})
		}
	}
}

func (t *RoomTable) Subscribe() chan RoomEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan RoomEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *RoomTable) Unsubscribe(ch chan RoomEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *RoomTable) notifyListeners(evt RoomEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

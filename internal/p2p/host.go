package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/veldhuis/stagelink/internal/proto"
	"github.com/veldhuis/stagelink/internal/rendezvous"
	"github.com/veldhuis/stagelink/internal/session"
	"github.com/veldhuis/stagelink/internal/util"
)

const (
	presenceEvery = 15 * time.Second
	drainEvery    = 30 * time.Second

	// maxStreamLine bounds one newline-delimited envelope.
	maxStreamLine = 1 << 20
)

// ErrRoomCollision is returned when another live host already holds the room.
var ErrRoomCollision = errors.New("p2p: room already hosted elsewhere")

// memberConn is one connected client on the host side.
type memberConn struct {
	stream network.Stream
	enc    *json.Encoder
	encMu  sync.Mutex
	cancel context.CancelFunc
}

func (m *memberConn) send(env proto.Envelope) error {
	m.encMu.Lock()
	defer m.encMu.Unlock()
	return m.enc.Encode(env)
}

// Host runs the hosting side of a room: it owns the member table, feeds
// inbound actions to the replicator and pushes every new snapshot to every
// member.
type Host struct {
	node *Node
	room string
	rep  *session.Replicator
	rv   *rendezvous.Client // nil in LAN-only mode

	mu      sync.Mutex
	members map[peer.ID]*memberConn

	events *util.EventLog

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartHost claims the room and begins accepting clients. A live claim by
// another peer surfaces as ErrRoomCollision.
func StartHost(ctx context.Context, node *Node, room string, rep *session.Replicator, rv *rendezvous.Client) (*Host, error) {
	room, err := proto.SanitizeRoom(room)
	if err != nil {
		return nil, err
	}

	if rv != nil {
		if err := rv.Claim(ctx, room, node.ID(), node.Addrs()); err != nil {
			if errors.Is(err, rendezvous.ErrRoomTaken) {
				return nil, fmt.Errorf("%w: %s", ErrRoomCollision, room)
			}
			// Signaling trouble other than a collision does not block hosting;
			// LAN clients can still find us over gossip and mDNS.
			log.Printf("GROUP: claim failed, hosting without rendezvous: %v", err)
			rv = nil
		}
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &Host{
		node:    node,
		room:    room,
		rep:     rep,
		rv:      rv,
		members: map[peer.ID]*memberConn{},
		events:  util.NewEventLog(200),
		cancel:  cancel,
	}

	node.SetSessionHandler(h.handleStream)

	h.wg.Add(2)
	go h.presenceLoop(hctx)
	go h.broadcastLoop(hctx)
	if rv != nil {
		h.wg.Add(2)
		go func() {
			defer h.wg.Done()
			rv.RenewLoop(hctx, room, node.ID(), node.Addrs())
		}()
		go h.drainLoop(hctx)
	}

	log.Printf("GROUP: hosting %s as %s", room, node.ID())
	return h, nil
}

// Room returns the sanitized room name.
func (h *Host) Room() string { return h.room }

// MemberCount returns the number of connected clients.
func (h *Host) MemberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

// Events returns the recent connection event log, oldest first.
func (h *Host) Events() []string {
	return h.events.Recent()
}

func (h *Host) logEvent(format string, args ...any) {
	log.Printf("GROUP: %s", fmt.Sprintf(format, args...))
	h.events.Add(format, args...)
}

// handleStream performs the join handshake and then relays actions until the
// client leaves or the stream breaks.
func (h *Host) handleStream(s network.Stream) {
	pid := s.Conn().RemotePeer()
	sc := bufio.NewScanner(s)
	sc.Buffer(make([]byte, 4096), maxStreamLine)

	if !sc.Scan() {
		_ = s.Reset()
		return
	}
	var join proto.Envelope
	if err := json.Unmarshal(sc.Bytes(), &join); err != nil || join.Type != proto.TypeJoin {
		h.reject(s, "BAD_JOIN", "first message must be a join envelope")
		return
	}
	if join.Room != h.room {
		h.reject(s, "WRONG_ROOM", fmt.Sprintf("this host serves %q", h.room))
		return
	}

	mctx, cancel := context.WithCancel(context.Background())
	m := &memberConn{stream: s, enc: json.NewEncoder(s), cancel: cancel}

	h.mu.Lock()
	if old, ok := h.members[pid]; ok {
		// A reconnect replaces the old stream.
		old.cancel()
		_ = old.stream.Reset()
	}
	h.members[pid] = m
	h.mu.Unlock()
	h.logEvent("%s joined %s", pid, h.room)

	// The join may carry the client's JOIN_SESSION action so the participant
	// appears before the welcome snapshot is cut.
	if join.Action != nil {
		if err := h.rep.ApplyAction(mctx, *join.Action); err != nil {
			log.Printf("GROUP: join action from %s: %v", pid, err)
		}
	}

	if err := h.sendWelcome(mctx, m); err != nil {
		h.dropMember(pid, m)
		return
	}

	for sc.Scan() {
		if mctx.Err() != nil {
			break
		}
		var env proto.Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			continue
		}
		switch env.Type {
		case proto.TypePing:
			_ = m.send(proto.Envelope{Type: proto.TypePing, From: h.node.ID()})
		case proto.TypeAction:
			if env.Action == nil {
				continue
			}
			if err := h.rep.ApplyAction(mctx, *env.Action); err != nil {
				_ = m.send(proto.Envelope{Type: proto.TypeError, Error: &proto.ErrorPayload{
					Code: "REJECTED", Message: err.Error(),
				}})
			}
		case proto.TypeLeave:
			h.dropMember(pid, m)
			return
		}
	}
	h.dropMember(pid, m)
}

func (h *Host) reject(s network.Stream, code, msg string) {
	enc := json.NewEncoder(s)
	_ = enc.Encode(proto.Envelope{Type: proto.TypeError, Error: &proto.ErrorPayload{Code: code, Message: msg}})
	_ = s.Close()
}

func (h *Host) sendWelcome(ctx context.Context, m *memberConn) error {
	snap, err := h.rep.Snapshot(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return m.send(proto.Envelope{
		Type:     proto.TypeWelcome,
		Room:     h.room,
		From:     h.node.ID(),
		Snapshot: raw,
	})
}

func (h *Host) dropMember(pid peer.ID, m *memberConn) {
	h.mu.Lock()
	if cur, ok := h.members[pid]; ok && cur == m {
		delete(h.members, pid)
	}
	h.mu.Unlock()
	m.cancel()
	_ = m.stream.Close()
	h.logEvent("%s left %s", pid, h.room)
}

// broadcastLoop pushes every new snapshot to every member. Clients replace
// their whole mirror with what arrives; there is no merging.
func (h *Host) broadcastLoop(ctx context.Context) {
	defer h.wg.Done()
	snaps := h.rep.Listen()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			raw, err := json.Marshal(&snap)
			if err != nil {
				continue
			}
			env := proto.Envelope{
				Type:     proto.TypeSnapshot,
				Room:     h.room,
				From:     h.node.ID(),
				Snapshot: raw,
			}
			h.mu.Lock()
			conns := make(map[peer.ID]*memberConn, len(h.members))
			for pid, m := range h.members {
				conns[pid] = m
			}
			h.mu.Unlock()
			for pid, m := range conns {
				if err := m.send(env); err != nil {
					h.dropMember(pid, m)
				}
			}
		}
	}
}

func (h *Host) presenceLoop(ctx context.Context) {
	defer h.wg.Done()
	_ = h.node.PublishPresence(ctx, proto.TypeHosting, h.room)
	ticker := time.NewTicker(presenceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = h.node.PublishPresence(ctx, proto.TypeHosting, h.room)
		}
	}
}

// drainLoop pulls side-channel actions buffered while we were unreachable.
// The rendezvous feed nudges it; a slow tick catches anything missed.
func (h *Host) drainLoop(ctx context.Context) {
	defer h.wg.Done()
	events := h.rv.Subscribe(ctx, h.room)
	ticker := time.NewTicker(drainEvery)
	defer ticker.Stop()

	h.drainOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != "pending" {
				continue
			}
		case <-ticker.C:
		}
		h.drainOnce(ctx)
	}
}

func (h *Host) drainOnce(ctx context.Context) {
	pending, err := h.rv.DrainPending(ctx, h.room, h.node.ID())
	if err != nil {
		log.Printf("GROUP: drain pending: %v", err)
		return
	}
	applied := 0
	for _, p := range pending {
		if err := h.rep.ApplyAction(ctx, p.Action); err != nil {
			if ctx.Err() != nil {
				// Unacked entries survive at the rendezvous for the next
				// drain.
				return
			}
			// A rejection is terminal; ack it so it does not loop forever.
			log.Printf("GROUP: buffered action %s rejected: %v", p.Action.Type, err)
		} else {
			applied++
		}
		if err := h.rv.AckPending(ctx, h.room, h.node.ID(), p.ID); err != nil {
			log.Printf("GROUP: ack pending %s: %v", p.ID, err)
		}
	}
	if applied > 0 {
		h.logEvent("applied %d buffered action(s)", applied)
	}
}

// Close stops hosting: members are told, the presence topic hears a closed
// announcement and the claim is released via the renew loop's teardown.
func (h *Host) Close() {
	h.cancel()
	h.node.RemoveSessionHandler()

	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	_ = h.node.PublishPresence(ctx, proto.TypeClosed, h.room)

	h.mu.Lock()
	members := h.members
	h.members = map[peer.ID]*memberConn{}
	h.mu.Unlock()
	for _, m := range members {
		_ = m.send(proto.Envelope{Type: proto.TypeLeave, From: h.node.ID()})
		m.cancel()
		_ = m.stream.Close()
	}

	h.wg.Wait()
	log.Printf("GROUP: stopped hosting %s", h.room)
}

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
	"github.com/veldhuis/stagelink/internal/state"
)

// Status is the client connection lifecycle state.
type Status string

const (
	StatusIdle         Status = "IDLE"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusReconnecting Status = "RECONNECTING"
	StatusDisconnected Status = "DISCONNECTED"
)

const (
	heartbeatEvery = 5 * time.Second
	backoffMin     = time.Second
	backoffMax     = 30 * time.Second
	maxRetries     = 20
)

// ErrNotConnected is returned by SendAction without a live host link.
var ErrNotConnected = errors.New("p2p: not connected to host")

// Client maintains the link to the room's host: it resolves the host,
// connects, keeps the connection verified with heartbeats and reconnects
// with exponential backoff when it drops. After maxRetries consecutive
// failures it gives up and goes DISCONNECTED for good.
type Client struct {
	node *Node
	room string
	rv   *rendezvous.Client // nil in LAN-only mode

	// joinAction, when set, rides on the join envelope so the host registers
	// the participant before cutting the welcome snapshot.
	joinAction *proto.RemoteAction

	// rooms is the gossip-fed room directory, used as the resolution
	// fallback when the rendezvous service is absent or down.
	rooms *state.RoomTable

	mu      sync.Mutex
	status  Status
	conn    network.Stream
	enc     *json.Encoder
	encMu   sync.Mutex
	hostPID peer.ID

	statusLs []chan Status
	snapLs   []chan session.Session

	cancel context.CancelFunc
	done   chan struct{}
}

// StartClient begins connecting to the room's host in the background.
func StartClient(ctx context.Context, node *Node, room string, rv *rendezvous.Client, rooms *state.RoomTable, joinAction *proto.RemoteAction) (*Client, error) {
	room, err := proto.SanitizeRoom(room)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		node:       node,
		room:       room,
		rv:         rv,
		rooms:      rooms,
		joinAction: joinAction,
		status:     StatusIdle,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go c.run(cctx)
	return c, nil
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports a live, verified host link.
func (c *Client) Connected() bool {
	return c.Status() == StatusConnected
}

// StatusListen delivers every state transition. Slow listeners miss
// intermediate states rather than blocking the connection loop.
func (c *Client) StatusListen() <-chan Status {
	ch := make(chan Status, 8)
	c.mu.Lock()
	c.statusLs = append(c.statusLs, ch)
	c.mu.Unlock()
	return ch
}

// Snapshots delivers each full session snapshot received from the host.
func (c *Client) Snapshots() <-chan session.Session {
	ch := make(chan session.Session, 8)
	c.mu.Lock()
	c.snapLs = append(c.snapLs, ch)
	c.mu.Unlock()
	return ch
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	ls := append([]chan Status(nil), c.statusLs...)
	c.mu.Unlock()
	log.Printf("relay: %s -> %s", c.room, s)
	for _, ch := range ls {
		select {
		case ch <- s:
		default:
		}
	}
}

// SendAction sends one action over the live link.
func (c *Client) SendAction(ctx context.Context, act proto.RemoteAction) error {
	c.mu.Lock()
	enc := c.enc
	c.mu.Unlock()
	if enc == nil {
		return ErrNotConnected
	}
	return c.send(proto.Envelope{
		Type:   proto.TypeAction,
		Room:   c.room,
		From:   c.node.ID(),
		Action: &act,
	})
}

func (c *Client) send(env proto.Envelope) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	c.mu.Lock()
	enc := c.enc
	c.mu.Unlock()
	if enc == nil {
		return ErrNotConnected
	}
	return enc.Encode(env)
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	attempt := 0
	delay := backoffMin
	first := true

	for {
		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return
		}
		if first {
			c.setStatus(StatusConnecting)
		} else {
			c.setStatus(StatusReconnecting)
		}

		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return
		}
		if connected {
			// The link was up and then dropped: start a fresh backoff run.
			attempt = 0
			delay = backoffMin
			first = false
			log.Printf("relay: lost host for %s: %v", c.room, err)
			continue
		}

		attempt++
		if attempt >= maxRetries {
			log.Printf("relay: giving up on %s after %d attempts: %v", c.room, attempt, err)
			c.setStatus(StatusDisconnected)
			return
		}
		log.Printf("relay: connect to %s failed (attempt %d): %v (retry in %v)", c.room, attempt, err, delay)
		select {
		case <-ctx.Done():
			c.setStatus(StatusDisconnected)
			return
		case <-time.After(delay):
		}
		delay = nextDelay(delay)
	}
}

// nextDelay doubles the backoff up to the cap.
func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

// connectOnce runs one full connection lifetime. It returns connected=true
// when the handshake completed and the link later dropped, false when the
// attempt never got that far.
func (c *Client) connectOnce(ctx context.Context) (connected bool, err error) {
	addrs, err := c.resolveHost(ctx)
	if err != nil {
		return false, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pid, err := c.node.ConnectAddrs(dialCtx, addrs)
	if err != nil {
		cancel()
		return false, err
	}
	s, err := c.node.OpenSessionStream(dialCtx, pid)
	cancel()
	if err != nil {
		return false, err
	}

	defer func() {
		c.mu.Lock()
		c.conn, c.enc = nil, nil
		c.mu.Unlock()
		_ = s.Reset()
	}()

	c.mu.Lock()
	c.conn = s
	c.enc = json.NewEncoder(s)
	c.hostPID = pid
	c.mu.Unlock()

	join := proto.Envelope{
		Type:   proto.TypeJoin,
		Room:   c.room,
		From:   c.node.ID(),
		Action: c.joinAction,
	}
	if err := c.send(join); err != nil {
		return false, fmt.Errorf("send join: %w", err)
	}

	sc := bufio.NewScanner(s)
	sc.Buffer(make([]byte, 4096), maxStreamLine)

	if !sc.Scan() {
		return false, fmt.Errorf("stream closed before welcome")
	}
	var first proto.Envelope
	if err := json.Unmarshal(sc.Bytes(), &first); err != nil {
		return false, fmt.Errorf("bad welcome: %w", err)
	}
	switch first.Type {
	case proto.TypeWelcome:
		c.deliverSnapshot(first.Snapshot)
	case proto.TypeError:
		return false, fmt.Errorf("host rejected join: %s (%s)", first.Error.Message, first.Error.Code)
	default:
		return false, fmt.Errorf("expected welcome, got %q", first.Type)
	}

	c.setStatus(StatusConnected)
	log.Printf("relay: joined %s via %s", c.room, pid)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeat(hbCtx, s)

	for sc.Scan() {
		var env proto.Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			continue
		}
		switch env.Type {
		case proto.TypeSnapshot:
			c.deliverSnapshot(env.Snapshot)
		case proto.TypePing:
			// Heartbeat echo; the read itself is the liveness signal.
		case proto.TypeLeave:
			return true, fmt.Errorf("host closed the room")
		case proto.TypeError:
			log.Printf("relay: host error: %s (%s)", env.Error.Message, env.Error.Code)
		}
	}
	return true, fmt.Errorf("stream ended: %v", sc.Err())
}

// heartbeat pings every heartbeatEvery; a failed write resets the stream so
// the read loop notices immediately.
func (c *Client) heartbeat(ctx context.Context, s network.Stream) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(proto.Envelope{Type: proto.TypePing, From: c.node.ID()}); err != nil {
				_ = s.Reset()
				return
			}
		}
	}
}

func (c *Client) deliverSnapshot(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var snap session.Session
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Printf("relay: bad snapshot: %v", err)
		return
	}
	snap.Normalize()
	c.mu.Lock()
	ls := append([]chan session.Session(nil), c.snapLs...)
	c.mu.Unlock()
	for _, ch := range ls {
		select {
		case ch <- snap:
		default:
		}
	}
}

// resolveHost finds the host's addresses: rendezvous first, gossip presence
// as the fallback.
func (c *Client) resolveHost(ctx context.Context) ([]string, error) {
	if c.rv != nil {
		_, addrs, err := c.rv.Resolve(ctx, c.room)
		if err == nil && len(addrs) > 0 {
			return addrs, nil
		}
		if err != nil && !errors.Is(err, rendezvous.ErrRoomNotHosted) {
			log.Printf("relay: rendezvous resolve failed, trying gossip: %v", err)
		}
	}
	if c.rooms != nil {
		if hr, ok := c.rooms.Lookup(c.room); ok && len(hr.Addrs) > 0 {
			return hr.Addrs, nil
		}
	}
	return nil, fmt.Errorf("no host found for %s: %w", c.room, rendezvous.ErrRoomNotHosted)
}

// Close tears the link down for good.
func (c *Client) Close() {
	c.mu.Lock()
	enc := c.enc
	c.mu.Unlock()
	if enc != nil {
		_ = c.send(proto.Envelope{Type: proto.TypeLeave, From: c.node.ID()})
	}
	c.cancel()
	<-c.done
}

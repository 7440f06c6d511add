package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veldhuis/stagelink/internal/proto"
)

// Sentinel errors for the signaling taxonomy.
var (
	// ErrRoomTaken: the room is already claimed by a live host.
	ErrRoomTaken = errors.New("rendezvous: room already hosted")
	// ErrRoomNotHosted: resolution found no live host for the room.
	ErrRoomNotHosted = errors.New("rendezvous: room not hosted")
)

const claimTimeout = 10 * time.Second

// Client talks to one rendezvous server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: claimTimeout},
	}
}

// Claim takes the host lock for a room. A 409 is a collision; a request that
// times out is treated as SUCCESS, because the claim may well have been
// recorded and refusing to host on a slow signaling server would strand the
// event. A later renewal settles it either way.
func (c *Client) Claim(ctx context.Context, room, peerID string, addrs []string) error {
	body := claimRow{Room: room, PeerID: peerID, Addrs: strings.Join(addrs, ",")}
	resp, err := c.doJSON(ctx, http.MethodPost, "/claim", body)
	if err != nil {
		if isTimeout(err) {
			log.Printf("RV: claim of %s timed out, proceeding as host", room)
			return nil
		}
		return fmt.Errorf("claim %s: %w", room, err)
	}
	defer drainClose(resp)
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("claim %s: %w", room, ErrRoomTaken)
	default:
		return fmt.Errorf("claim %s: unexpected status %d", room, resp.StatusCode)
	}
}

// ClaimDerived claims a room keyed on the caller's address as seen by the
// rendezvous service. The derived room name is returned; hosting an event
// from the same venue reclaims the same room.
func (c *Client) ClaimDerived(ctx context.Context, peerID string, addrs []string) (string, error) {
	body := claimRow{PeerID: peerID, Addrs: strings.Join(addrs, ",")}
	resp, err := c.doJSON(ctx, http.MethodPost, "/claim", body)
	if err != nil {
		return "", fmt.Errorf("claim derived room: %w", err)
	}
	defer drainClose(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			Room string `json:"room"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Room == "" {
			return "", fmt.Errorf("claim derived room: bad response")
		}
		return out.Room, nil
	case http.StatusConflict:
		return "", fmt.Errorf("claim derived room: %w", ErrRoomTaken)
	default:
		return "", fmt.Errorf("claim derived room: unexpected status %d", resp.StatusCode)
	}
}

// Release gives the room lock back.
func (c *Client) Release(ctx context.Context, room, peerID string) error {
	body := claimRow{Room: room, PeerID: peerID}
	resp, err := c.doJSON(ctx, http.MethodDelete, "/claim", body)
	if err != nil {
		return fmt.Errorf("release %s: %w", room, err)
	}
	drainClose(resp)
	return nil
}

// RenewLoop keeps the claim alive until ctx ends, then releases it.
func (c *Client) RenewLoop(ctx context.Context, room, peerID string, addrs []string) {
	ticker := time.NewTicker(claimRenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			relCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = c.Release(relCtx, room, peerID)
			cancel()
			return
		case <-ticker.C:
			if err := c.Claim(ctx, room, peerID, addrs); err != nil {
				log.Printf("RV: claim renewal for %s failed: %v", room, err)
			}
		}
	}
}

// Resolve looks up the current host of a room.
func (c *Client) Resolve(ctx context.Context, room string) (peerID string, addrs []string, err error) {
	resp, err := c.doJSON(ctx, http.MethodGet, "/rooms/"+url.PathEscape(room), nil)
	if err != nil {
		return "", nil, fmt.Errorf("resolve %s: %w", room, err)
	}
	defer drainClose(resp)
	if resp.StatusCode == http.StatusNotFound {
		return "", nil, fmt.Errorf("resolve %s: %w", room, ErrRoomNotHosted)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("resolve %s: unexpected status %d", room, resp.StatusCode)
	}
	var row claimRow
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		return "", nil, fmt.Errorf("resolve %s: decode: %w", room, err)
	}
	if row.Addrs != "" {
		addrs = strings.Split(row.Addrs, ",")
	}
	return row.PeerID, addrs, nil
}

// AppendPending buffers an action for an unreachable host.
func (c *Client) AppendPending(ctx context.Context, room string, act proto.RemoteAction) error {
	resp, err := c.doJSON(ctx, http.MethodPost, "/rooms/"+url.PathEscape(room)+"/actions", act)
	if err != nil {
		return fmt.Errorf("buffer action for %s: %w", room, err)
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("buffer action for %s: unexpected status %d", room, resp.StatusCode)
	}
	return nil
}

// DrainPending reads the buffered actions for a room the caller hosts.
// Entries stay buffered until AckPending confirms their application, so a
// crash between reading and applying loses nothing.
func (c *Client) DrainPending(ctx context.Context, room, peerID string) ([]pendingAction, error) {
	path := "/rooms/" + url.PathEscape(room) + "/actions?peer=" + url.QueryEscape(peerID)
	resp, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", room, err)
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("drain %s: unexpected status %d", room, resp.StatusCode)
	}
	var out []pendingAction
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("drain %s: decode: %w", room, err)
	}
	return out, nil
}

// AckPending removes one buffered action after it has been applied.
func (c *Client) AckPending(ctx context.Context, room, peerID, id string) error {
	path := "/rooms/" + url.PathEscape(room) + "/actions/" + url.PathEscape(id) +
		"?peer=" + url.QueryEscape(peerID)
	resp, err := c.doJSON(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return fmt.Errorf("ack pending %s: %w", id, err)
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("ack pending %s: unexpected status %d", id, resp.StatusCode)
	}
	return nil
}

// PendingAction re-exports the wire shape for callers of DrainPending.
type PendingAction = pendingAction

// Subscribe opens the websocket event feed for a room and delivers events on
// the returned channel until ctx ends. Reconnects with backoff on failure.
func (c *Client) Subscribe(ctx context.Context, room string) <-chan RoomEvent {
	out := make(chan RoomEvent, 16)
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws?room=" + url.QueryEscape(room)

	go func() {
		defer close(out)

		// One watcher for the whole subscription closes whichever conn is
		// live when ctx ends, unblocking the read loop.
		var mu sync.Mutex
		var cur *websocket.Conn
		go func() {
			<-ctx.Done()
			mu.Lock()
			if cur != nil {
				cur.Close()
			}
			mu.Unlock()
		}()

		delay := time.Second
		for ctx.Err() == nil {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				log.Printf("RV: subscribe %s: %v (retry in %v)", room, err, delay)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				if delay *= 2; delay > 30*time.Second {
					delay = 30 * time.Second
				}
				continue
			}
			delay = time.Second

			mu.Lock()
			cur = conn
			mu.Unlock()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					break
				}
				var ev RoomEvent
				if json.Unmarshal(data, &ev) != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			}
			mu.Lock()
			cur = nil
			mu.Unlock()
			conn.Close()
		}
	}()
	return out
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	return c.http.Do(req)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

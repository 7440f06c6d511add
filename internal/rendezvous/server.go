// Package rendezvous is the small HTTP service that backs sessions when the
// direct path is unavailable: it arbitrates the single-host room claim,
// resolves rooms to host addresses, and buffers actions for offline hosts.
package rendezvous

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veldhuis/stagelink/internal/proto"
	"github.com/veldhuis/stagelink/internal/util"
)

const (
	// A claim not renewed within claimTTL is released; hosts renew every
	// claimRenewEvery while alive.
	claimTTL        = 45 * time.Second
	claimRenewEvery = 15 * time.Second

	maxPendingPerRoom = 500
	maxActionBody     = 64 * 1024
)

type claimRow struct {
	Room     string `json:"room"`
	PeerID   string `json:"peerId"`
	Addrs    string `json:"addrs"` // comma-joined multiaddrs
	LastSeen int64  `json:"lastSeen"`
}

// Server is the rendezvous HTTP service.
type Server struct {
	addr        string
	externalURL string
	srv         *http.Server
	ln          net.Listener

	mu     sync.Mutex
	claims map[string]claimRow

	hub *hub
	db  *roomDB // nil when persistence is disabled

	upgrader websocket.Upgrader
}

// New builds a server. dbPath may be empty to run in memory only.
func New(addr, externalURL, dbPath string) *Server {
	s := &Server{
		addr:        addr,
		externalURL: strings.TrimRight(externalURL, "/"),
		claims:      map[string]claimRow{},
		hub:         newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if dbPath != "" {
		db, err := openRoomDB(dbPath)
		if err != nil {
			log.Printf("RV: room DB open failed: %v (running in-memory only)", err)
		} else {
			s.db = db
		}
	}
	return s
}

// Start binds the listener and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.db != nil {
		s.loadClaimsFromDB()
	}

	go s.hub.run()
	go s.cleanupStaleClaims(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/claim", s.handleClaim)
	mux.HandleFunc("/rooms/", s.handleRooms)
	mux.HandleFunc("/ws", s.handleWS)

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		if s.db != nil {
			_ = s.db.close()
		}
	}()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("RV: server error: %v", err)
		}
	}()

	log.Printf("RV: listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address, useful when the configured port
// was 0.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// URL returns the externally reachable base URL.
func (s *Server) URL() string {
	if s.externalURL != "" {
		return s.externalURL
	}
	return "http://" + s.Addr()
}

func (s *Server) loadClaimsFromDB() {
	rows, err := s.db.loadClaims()
	if err != nil {
		log.Printf("RV: load claims: %v", err)
		return
	}
	s.mu.Lock()
	for _, c := range rows {
		s.claims[c.Room] = c
	}
	s.mu.Unlock()
	if len(rows) > 0 {
		log.Printf("RV: restored %d room claim(s)", len(rows))
	}
}

func (s *Server) cleanupStaleClaims(ctx context.Context) {
	ticker := time.NewTicker(claimTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := proto.NowMillis() - claimTTL.Milliseconds()
		s.mu.Lock()
		var released []string
		for room, c := range s.claims {
			if c.LastSeen < cutoff {
				delete(s.claims, room)
				released = append(released, room)
			}
		}
		s.mu.Unlock()
		for _, room := range released {
			log.Printf("RV: claim on %s expired", room)
			if s.db != nil {
				s.db.removeClaim(room)
			}
			s.publishEvent(room, "released", nil)
		}
	}
}

// handleClaim arbitrates the room lock. POST claims or renews; DELETE
// releases. A POST for a room held by a different live peer gets 409.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRow
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBody)).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.PeerID == "" {
		http.Error(w, "peerId required", http.StatusBadRequest)
		return
	}
	// An empty room on POST asks for a venue-derived key: the same caller
	// address maps to the same room, so a restarted host reclaims its room
	// without configuration.
	derived := false
	if req.Room == "" && r.Method == http.MethodPost {
		req.Room = deriveRoom(clientIP(r))
		derived = true
	}
	room, err := proto.SanitizeRoom(req.Room)
	if err != nil {
		http.Error(w, "room required", http.StatusBadRequest)
		return
	}
	req.Room = room

	switch r.Method {
	case http.MethodPost:
		now := proto.NowMillis()
		s.mu.Lock()
		cur, held := s.claims[room]
		if held && cur.PeerID != req.PeerID && cur.LastSeen >= now-claimTTL.Milliseconds() {
			s.mu.Unlock()
			http.Error(w, "room already hosted", http.StatusConflict)
			return
		}
		fresh := !held || cur.PeerID != req.PeerID
		req.LastSeen = now
		s.claims[room] = req
		s.mu.Unlock()

		if s.db != nil {
			s.db.upsertClaim(req)
		}
		if fresh {
			log.Printf("RV: %s claimed by %s", room, req.PeerID)
			s.publishEvent(room, "claimed", map[string]string{"peerId": req.PeerID})
		}
		if derived {
			w.Header().Set("content-type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"room": room})
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		s.mu.Lock()
		cur, held := s.claims[room]
		if held && cur.PeerID == req.PeerID {
			delete(s.claims, room)
		} else {
			held = false
		}
		s.mu.Unlock()
		if held {
			log.Printf("RV: %s released by %s", room, req.PeerID)
			if s.db != nil {
				s.db.removeClaim(room)
			}
			s.publishEvent(room, "released", nil)
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// deriveRoom maps a caller address to a stable room key.
func deriveRoom(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "room-" + hex.EncodeToString(sum[:])[:10]
}

// clientIP prefers the proxy-forwarded address when one is present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleRooms serves /rooms/{room} (resolution) and /rooms/{room}/actions
// (the pending-action buffer).
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/rooms/")
	roomPart, sub, _ := strings.Cut(rest, "/")
	room, err := proto.SanitizeRoom(roomPart)
	if err != nil {
		http.Error(w, "bad room", http.StatusBadRequest)
		return
	}

	switch sub {
	case "":
		s.handleResolve(w, r, room)
	case "actions":
		s.handleActions(w, r, room)
	default:
		if id, ok := strings.CutPrefix(sub, "actions/"); ok && id != "" {
			s.handleActionAck(w, r, room, id)
			return
		}
		http.NotFound(w, r)
	}
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, room string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	c, ok := s.claims[room]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "room not hosted", http.StatusNotFound)
		return
	}
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(c)
}

// pendingAction is the wire form of one buffered action.
type pendingAction struct {
	ID         string             `json:"id"`
	Action     proto.RemoteAction `json:"action"`
	BufferedAt int64              `json:"bufferedAt"`
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request, room string) {
	if s.db == nil {
		http.Error(w, "action buffering disabled", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var act proto.RemoteAction
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBody)).Decode(&act); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if !proto.KnownActionType(act.Type) {
			http.Error(w, "unknown action type", http.StatusBadRequest)
			return
		}
		pending, err := s.db.listPending(room)
		if err != nil {
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		if len(pending) >= maxPendingPerRoom {
			http.Error(w, "room buffer full", http.StatusInsufficientStorage)
			return
		}
		body, _ := json.Marshal(act)
		entry := pendingAction{
			ID:         uuid.NewString(),
			BufferedAt: proto.NowMillis(),
		}
		if err := s.db.insertPending(room, entry.ID, string(body), entry.BufferedAt); err != nil {
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		log.Printf("RV: buffered %s for %s", act.Type, room)
		s.publishEvent(room, "pending", map[string]string{"id": entry.ID})
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(entry)

	case http.MethodGet:
		// Drain: entries stay buffered until the host acknowledges their
		// application with a DELETE, so a host crash between reading and
		// applying loses nothing. Only the claim holder may drain.
		peer := r.URL.Query().Get("peer")
		s.mu.Lock()
		c, held := s.claims[room]
		s.mu.Unlock()
		if !held || c.PeerID != peer {
			http.Error(w, "not the room host", http.StatusForbidden)
			return
		}
		rows, err := s.db.listPending(room)
		if err != nil {
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		out := make([]pendingAction, 0, len(rows))
		var corrupt []string
		for _, row := range rows {
			var act proto.RemoteAction
			if json.Unmarshal([]byte(row.Body), &act) != nil {
				corrupt = append(corrupt, row.ID)
				continue
			}
			out = append(out, pendingAction{ID: row.ID, Action: act, BufferedAt: row.BufferedAt})
		}
		if len(corrupt) > 0 {
			s.db.deletePending(room, corrupt)
		}
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(out)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleActionAck removes one buffered action after the host has applied it.
func (s *Server) handleActionAck(w http.ResponseWriter, r *http.Request, room, id string) {
	if s.db == nil {
		http.Error(w, "action buffering disabled", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peer := r.URL.Query().Get("peer")
	s.mu.Lock()
	c, held := s.claims[room]
	s.mu.Unlock()
	if !held || c.PeerID != peer {
		http.Error(w, "not the room host", http.StatusForbidden)
		return
	}
	s.db.deletePending(room, []string{id})
	log.Printf("RV: acked pending action %s for %s", id, room)
	w.WriteHeader(http.StatusNoContent)
}

// handleWS upgrades to a websocket feed of room events: claims, releases and
// newly buffered actions.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	room, err := proto.SanitizeRoom(r.URL.Query().Get("room"))
	if err != nil {
		http.Error(w, "room required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, 16), room: room}
	s.hub.register <- c
	go c.writeLoop()
	go c.readLoop()
}

// RoomEvent is one message on the websocket feed.
type RoomEvent struct {
	Type string            `json:"type"` // claimed|released|pending
	Room string            `json:"room"`
	Data map[string]string `json:"data,omitempty"`
	TS   int64             `json:"ts"`
}

func (s *Server) publishEvent(room, typ string, data map[string]string) {
	b, err := json.Marshal(RoomEvent{Type: typ, Room: room, Data: data, TS: proto.NowMillis()})
	if err != nil {
		return
	}
	s.hub.publish(room, b)
}

// ClaimHolder reports the current claim for a room, for tests and admin use.
func (s *Server) ClaimHolder(room string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[room]
	if !ok {
		return "", false
	}
	return c.PeerID, true
}

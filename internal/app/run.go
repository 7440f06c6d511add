// Package app wires the services together for each run mode: rendezvous
// server, session host or session client.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veldhuis/stagelink/internal/config"
	"github.com/veldhuis/stagelink/internal/outbox"
	"github.com/veldhuis/stagelink/internal/p2p"
	"github.com/veldhuis/stagelink/internal/proto"
	"github.com/veldhuis/stagelink/internal/rendezvous"
	"github.com/veldhuis/stagelink/internal/session"
	"github.com/veldhuis/stagelink/internal/state"
	"github.com/veldhuis/stagelink/internal/storage"
	"github.com/veldhuis/stagelink/internal/util"
)

// Role selects what this process does for the room.
type Role string

const (
	RoleHost       Role = "host"
	RoleClient     Role = "client"
	RoleRendezvous Role = "rendezvous"
	RoleList       Role = "list"
)

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config
	Role    Role
	Room    string
	Name    string // display name override; falls back to cfg.Profile.Name
}

// Run blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	logBanner(opt)

	// ── Rendezvous server (standalone or alongside a peer)
	var rvServer *rendezvous.Server
	if opt.Role == RoleRendezvous || cfg.Rendezvous.Host {
		bind := cfg.Rendezvous.Bind
		if bind == "" {
			bind = "127.0.0.1"
		}
		addr := fmt.Sprintf("%s:%d", bind, cfg.Rendezvous.Port)
		dbPath := ""
		if cfg.Rendezvous.DBPath != "" {
			dbPath = util.ResolvePath(opt.DataDir, cfg.Rendezvous.DBPath)
		}
		rvServer = rendezvous.New(addr, cfg.Rendezvous.ExternalURL, dbPath)
		if err := rvServer.Start(ctx); err != nil {
			return fmt.Errorf("start rendezvous server: %w", err)
		}
	}
	if opt.Role == RoleRendezvous || cfg.Rendezvous.Only {
		<-ctx.Done()
		return nil
	}

	name := strings.TrimSpace(opt.Name)
	if name == "" {
		name = cfg.Profile.Name
	}

	// ── Rendezvous client: remote URL wins, then a co-hosted server
	var rv *rendezvous.Client
	switch {
	case cfg.Rendezvous.RemoteURL != "":
		rv = rendezvous.NewClient(cfg.Rendezvous.RemoteURL)
	case rvServer != nil:
		rv = rendezvous.NewClient(rvServer.URL())
	default:
		log.Printf("APP: no rendezvous configured, LAN-only mode")
	}

	// ── Storage
	db, err := storage.Open(opt.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	// ── libp2p node
	keyFile := util.ResolvePath(opt.DataDir, cfg.Identity.KeyFile)
	node, err := p2p.NewNode(ctx, cfg.P2P.ListenPort, keyFile)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()
	log.Printf("APP: peer id %s", node.ID())

	rooms := state.NewRoomTable()
	go node.FeedRoomTable(ctx, rooms)

	if opt.Role == RoleList {
		return runList(ctx, rooms)
	}

	if opt.Room == "" && opt.Role == RoleHost {
		opt.Room, err = deriveHostRoom(ctx, rv, node, db)
		if err != nil {
			return err
		}
	}
	room, err := proto.SanitizeRoom(opt.Room)
	if err != nil {
		return err
	}
	switch opt.Role {
	case RoleHost:
		return runHost(ctx, node, db, rv, room, name)
	case RoleClient:
		return runClient(ctx, node, db, rv, rooms, room, name)
	default:
		return fmt.Errorf("unknown role %q", opt.Role)
	}
}

// lastRoomKey remembers the most recently hosted room, so a host restarted
// without -room picks its event back up even with no rendezvous reachable.
const lastRoomKey = "last_room"

// deriveHostRoom asks the rendezvous service for a venue-keyed room when the
// host gave none. A collision on a derived room means another host at the
// same address already claimed it; one retry with a random room keeps the
// event going instead of failing the launch. Without a reachable rendezvous,
// the previously hosted room is reused.
func deriveHostRoom(ctx context.Context, rv *rendezvous.Client, node *p2p.Node, db *storage.DB) (string, error) {
	if rv != nil {
		room, err := rv.ClaimDerived(ctx, node.ID(), node.Addrs())
		if err == nil {
			log.Printf("APP: derived room %s", room)
			return room, nil
		}
		if errors.Is(err, rendezvous.ErrRoomTaken) {
			room = "room-" + uuid.NewString()[:8]
			log.Printf("APP: derived room taken, using %s", room)
			return room, nil
		}
		log.Printf("APP: derive room: %v", err)
	}
	if room, err := db.MetaGet(lastRoomKey); err == nil && room != "" {
		log.Printf("APP: resuming last hosted room %s", room)
		return room, nil
	}
	return "", fmt.Errorf("-room is required without a rendezvous service")
}

// runList watches the presence mesh briefly and prints the rooms it saw.
func runList(ctx context.Context, rooms *state.RoomTable) error {
	events := rooms.Subscribe()
	defer rooms.Unsubscribe(events)

	deadline := time.After(listWindow)
	seen := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if ev.Type == "update" && !seen[ev.Room] {
				seen[ev.Room] = true
				log.Printf("APP: room %s hosted by %s", ev.Room, ev.Host.PeerID)
			}
		case <-deadline:
			if len(seen) == 0 {
				log.Printf("APP: no hosted rooms seen in %v", listWindow)
			}
			return nil
		}
	}
}

const listWindow = 10 * time.Second

func runHost(ctx context.Context, node *p2p.Node, db *storage.DB, rv *rendezvous.Client, room, name string) error {
	rep, err := session.NewReplicator(db)
	if err != nil {
		return err
	}
	defer rep.Close()

	h, err := p2p.StartHost(ctx, node, room, rep, rv)
	if err != nil {
		if errors.Is(err, p2p.ErrRoomCollision) {
			return fmt.Errorf("cannot host %s: %w", room, err)
		}
		return err
	}
	defer h.Close()

	if err := db.MetaSet(lastRoomKey, h.Room()); err != nil {
		log.Printf("APP: remember room: %v", err)
	}

	// The host is a participant too.
	err = rep.Do(ctx, func(s *session.Session) error {
		s.Join(node.ID(), name)
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("APP: hosting %s as %q, ctrl-c to stop", room, name)
	<-ctx.Done()
	return nil
}

func runClient(ctx context.Context, node *p2p.Node, db *storage.DB, rv *rendezvous.Client, rooms *state.RoomTable, room, name string) error {
	queue := outbox.New(db)

	joinPayload, err := json.Marshal(map[string]string{"id": node.ID(), "name": name})
	if err != nil {
		return err
	}
	joinAction := proto.RemoteAction{
		Type:     proto.ActionJoinSession,
		Payload:  joinPayload,
		SenderID: node.ID(),
	}

	client, err := p2p.StartClient(ctx, node, room, rv, rooms, &joinAction)
	if err != nil {
		return err
	}
	defer client.Close()

	var side outbox.SideChannel
	if rv != nil {
		side = rv
	}
	router := outbox.NewRouter(room, queue, client, side)
	go router.Run(ctx)

	// Reconcile the outbox against every incoming snapshot and surface the
	// queue length after connection changes.
	go func() {
		snaps := client.Snapshots()
		statuses := client.StatusListen()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				if _, err := queue.Reconcile(&snap); err != nil {
					log.Printf("APP: reconcile: %v", err)
				}
				log.Printf("APP: snapshot: %d participants, %d requests, round of %d",
					len(snap.Participants), len(snap.Requests), len(snap.CurrentRound))
			case st, ok := <-statuses:
				if !ok {
					return
				}
				router.Kick()
				if n, err := queue.Len(); err == nil && n > 0 {
					log.Printf("APP: status %s with %d action(s) queued", st, n)
				}
			}
		}
	}()

	// Queue the join as well: if the host is unreachable the intent survives
	// in the outbox and reaches the host over the side channel.
	if err := router.Dispatch(ctx, joinAction); err != nil && !errors.Is(err, outbox.ErrDeliveryDegraded) {
		log.Printf("APP: join queued for later delivery: %v", err)
	}

	log.Printf("APP: joined %s as %q, ctrl-c to leave", room, name)
	<-ctx.Done()
	return nil
}

func logBanner(opt Options) {
	log.Printf("stagelink starting: role=%s room=%s data=%s cfg=%s",
		opt.Role, opt.Room, opt.DataDir, opt.CfgPath)
}

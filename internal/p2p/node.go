// Package p2p owns the libp2p host and the session connection lifecycle on
// both sides: the host's member table and the client's reconnecting link.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/veldhuis/stagelink/internal/proto"
	"github.com/veldhuis/stagelink/internal/state"
	"github.com/veldhuis/stagelink/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems. Dial failures and backoff errors go to
	// stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Node is the libp2p host plus the presence gossip channel.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// NewNode builds the libp2p host, starts mDNS discovery and joins the
// presence gossip topic.
func NewNode(ctx context.Context, listenPort int, keyFile string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("P2P: generated new identity key: %s", keyFile)
	} else {
		log.Printf("P2P: loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	topic, err := ps.Join(proto.PresenceTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &Node{Host: h, ps: ps, topic: topic, sub: sub}, nil
}

// ID returns the node's peer id string.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns the node's full multiaddrs, peer id included.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		out = append(out, a.String()+"/p2p/"+n.ID())
	}
	return out
}

// PublishPresence announces a room state change on the gossip topic.
func (n *Node) PublishPresence(ctx context.Context, typ, room string) error {
	msg := proto.PresenceMsg{
		Type:   typ,
		Room:   room,
		PeerID: n.ID(),
		Addrs:  n.Addrs(),
		TS:     proto.NowMillis(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, b)
}

// WatchPresence delivers presence messages from other peers until ctx ends.
func (n *Node) WatchPresence(ctx context.Context) <-chan proto.PresenceMsg {
	out := make(chan proto.PresenceMsg, 16)
	go func() {
		defer close(out)
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}
			if m.ReceivedFrom == n.Host.ID() {
				continue
			}
			var pm proto.PresenceMsg
			if json.Unmarshal(m.Data, &pm) != nil {
				continue
			}
			select {
			case out <- pm:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// FeedRoomTable is the single consumer of the presence subscription: it keeps
// the room directory current and prunes rooms that stop announcing.
func (n *Node) FeedRoomTable(ctx context.Context, rooms *state.RoomTable) {
	msgs := n.WatchPresence(ctx)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rooms.PruneStale(time.Now().Add(-time.Minute))
		case pm, ok := <-msgs:
			if !ok {
				return
			}
			switch pm.Type {
			case proto.TypeHosting:
				rooms.Upsert(pm.Room, pm.PeerID, pm.Addrs)
			case proto.TypeClosed:
				rooms.Remove(pm.Room, pm.PeerID)
			}
		}
	}
}

// SetSessionHandler installs the inbound session stream handler (host side).
func (n *Node) SetSessionHandler(fn func(network.Stream)) {
	n.Host.SetStreamHandler(protocol.ID(proto.SessionProtoID), fn)
}

// RemoveSessionHandler tears the handler down when hosting stops.
func (n *Node) RemoveSessionHandler() {
	n.Host.RemoveStreamHandler(protocol.ID(proto.SessionProtoID))
}

// ConnectAddrs adds the given multiaddrs to the peerstore and connects.
func (n *Node) ConnectAddrs(ctx context.Context, addrs []string) (peer.ID, error) {
	var pid peer.ID
	var mas []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(a)
		if err != nil {
			continue
		}
		pid = info.ID
		mas = append(mas, info.Addrs...)
	}
	if pid == "" {
		return "", fmt.Errorf("no usable multiaddrs in %v", addrs)
	}
	err := n.Host.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: mas})
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", pid, err)
	}
	return pid, nil
}

// OpenSessionStream opens the session protocol stream to a connected peer.
func (n *Node) OpenSessionStream(ctx context.Context, pid peer.ID) (network.Stream, error) {
	return n.Host.NewStream(ctx, pid, protocol.ID(proto.SessionProtoID))
}

// Close shuts the host down.
func (n *Node) Close() error {
	n.sub.Cancel()
	return n.Host.Close()
}

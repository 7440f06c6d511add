package outbox

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/veldhuis/stagelink/internal/proto"
)

// ErrDeliveryDegraded reports that the direct channel was unavailable and the
// action went out through the rendezvous side channel instead. The action is
// durably delivered; the caller may want to surface the degraded mode.
var ErrDeliveryDegraded = errors.New("outbox: delivered via side channel")

// DirectSender is the live host connection, when there is one.
type DirectSender interface {
	Connected() bool
	SendAction(ctx context.Context, act proto.RemoteAction) error
}

// SideChannel appends actions to the host's pending log at the rendezvous
// service, to be pulled by the host when it comes back.
type SideChannel interface {
	AppendPending(ctx context.Context, room string, act proto.RemoteAction) error
}

// resendAfter is how long a direct send is trusted before the entry becomes
// eligible for re-delivery, should no confirming snapshot arrive.
const resendAfter = 10 * time.Second

// Router drains the queue toward the host. The direct channel is preferred;
// the side channel catches everything the direct channel cannot take. A
// stream write is not application though, so entries sent directly stay
// queued until a snapshot reflects them and Reconcile retires them; only
// side-channel appends (durable at the rendezvous) and updates (invisible in
// snapshots) ack on delivery.
type Router struct {
	room   string
	queue  *Queue
	direct DirectSender
	side   SideChannel

	kick chan struct{}

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewRouter wires a router for one room.
func NewRouter(room string, queue *Queue, direct DirectSender, side SideChannel) *Router {
	return &Router{
		room:     room,
		queue:    queue,
		direct:   direct,
		side:     side,
		kick:     make(chan struct{}, 1),
		lastSent: map[string]time.Time{},
	}
}

// Dispatch queues an action and immediately attempts delivery. The returned
// error is nil on direct delivery, ErrDeliveryDegraded when only the side
// channel worked, or the flush error when neither path took it (the action
// stays queued for the run loop).
func (r *Router) Dispatch(ctx context.Context, act proto.RemoteAction) error {
	if _, err := r.queue.Enqueue(act); err != nil {
		return err
	}
	return r.Flush(ctx)
}

// Kick nudges the run loop, typically on a connection state change. Sends
// from before the change are no longer trusted, so everything becomes
// eligible for re-delivery.
func (r *Router) Kick() {
	r.mu.Lock()
	r.lastSent = map[string]time.Time{}
	r.mu.Unlock()
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Flush pushes every queued action out over the best available path.
func (r *Router) Flush(ctx context.Context) error {
	pending, err := r.queue.Pending()
	if err != nil {
		return err
	}
	degraded := false
	for _, p := range pending {
		if r.sentRecently(p.ID) {
			continue
		}
		delivered, viaSide, err := r.deliver(ctx, p.Action)
		if err != nil {
			log.Printf("OUTBOX: %s stays queued: %v", p.Action.Type, err)
			return err
		}
		if !delivered {
			continue
		}
		if viaSide || !confirmableFromSnapshot(p.Action.Type) {
			if err := r.queue.Ack(p.ID); err != nil {
				return err
			}
			r.forget(p.ID)
		} else {
			// Directly sent, awaiting an authoritative snapshot; Reconcile
			// retires it once the host state reflects it.
			r.markSent(p.ID)
		}
		if viaSide {
			degraded = true
		}
	}
	if degraded {
		return ErrDeliveryDegraded
	}
	return nil
}

func (r *Router) sentRecently(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastSent[id]
	return ok && time.Since(t) < resendAfter
}

func (r *Router) markSent(id string) {
	r.mu.Lock()
	r.lastSent[id] = time.Now()
	r.mu.Unlock()
}

func (r *Router) forget(id string) {
	r.mu.Lock()
	delete(r.lastSent, id)
	r.mu.Unlock()
}

func (r *Router) deliver(ctx context.Context, act proto.RemoteAction) (delivered, viaSide bool, err error) {
	if r.direct != nil && r.direct.Connected() {
		sendErr := r.direct.SendAction(ctx, act)
		if sendErr == nil {
			return true, false, nil
		}
		log.Printf("OUTBOX: direct send of %s failed, trying side channel: %v", act.Type, sendErr)
	}
	if r.side == nil {
		return false, false, errors.New("no delivery path available")
	}
	if err := r.side.AppendPending(ctx, r.room, act); err != nil {
		return false, false, err
	}
	log.Printf("OUTBOX: %s buffered at rendezvous for %s", act.Type, r.room)
	return true, true, nil
}

// Run drains the queue whenever it changes or the connection is kicked, with
// a slow retry tick for actions that found no path at all.
func (r *Router) Run(ctx context.Context) {
	changes := r.queue.Listen()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		case <-r.kick:
		case <-ticker.C:
		}
		if err := r.Flush(ctx); err != nil && !errors.Is(err, ErrDeliveryDegraded) {
			continue
		}
	}
}

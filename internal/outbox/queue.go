// Package outbox holds a client's durable queue of outbound actions. Actions
// survive restarts, are deduplicated by content rather than by id, and are
// trimmed against incoming snapshots once the host has visibly applied them.
package outbox

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/veldhuis/stagelink/internal/proto"
	"github.com/veldhuis/stagelink/internal/session"
	"github.com/veldhuis/stagelink/internal/storage"
)

// Store is the persistence surface the queue needs.
type Store interface {
	EnqueueAction(storage.QueuedAction) error
	QueuedActions() ([]storage.QueuedAction, error)
	DeleteQueuedAction(id string) error
	ClearQueuedActions() error
}

// Queue is the durable outbound action queue.
type Queue struct {
	store Store

	mu        sync.Mutex
	listeners []chan struct{}
}

// New opens the queue over the given store.
func New(store Store) *Queue {
	return &Queue{store: store}
}

// Enqueue adds an action unless an equivalent one is already queued. It
// reports whether the action was actually added.
func (q *Queue) Enqueue(act proto.RemoteAction) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.store.QueuedActions()
	if err != nil {
		return false, fmt.Errorf("read outbox: %w", err)
	}
	for _, p := range pending {
		if equivalentActions(p.Action, act) {
			log.Printf("OUTBOX: dropped duplicate %s", act.Type)
			return false, nil
		}
	}

	entry := storage.QueuedAction{
		ID:        uuid.NewString(),
		Action:    act,
		CreatedAt: proto.NowMillis(),
	}
	if err := q.store.EnqueueAction(entry); err != nil {
		return false, err
	}
	q.notify()
	return true, nil
}

// Pending returns the queued actions in enqueue order.
func (q *Queue) Pending() ([]storage.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.QueuedActions()
}

// Ack removes a delivered action.
func (q *Queue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.DeleteQueuedAction(id); err != nil {
		return err
	}
	q.notify()
	return nil
}

// Reconcile drops every queued action the snapshot already reflects. The
// number of dropped actions is returned.
func (q *Queue) Reconcile(snap *session.Session) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.store.QueuedActions()
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}
	removed := 0
	for _, p := range pending {
		if snapshotReflects(snap, p.Action) {
			if err := q.store.DeleteQueuedAction(p.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		log.Printf("OUTBOX: reconciled %d queued action(s) against snapshot", removed)
		q.notify()
	}
	return removed, nil
}

// Len returns the number of queued actions.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending, err := q.store.QueuedActions()
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Listen registers for change notifications. The channel fires after every
// enqueue, ack or reconcile; a full channel is skipped, not blocked on.
func (q *Queue) Listen() <-chan struct{} {
	ch := make(chan struct{}, 1)
	q.mu.Lock()
	q.listeners = append(q.listeners, ch)
	q.mu.Unlock()
	return ch
}

// notify is called with q.mu held.
func (q *Queue) notify() {
	for _, ch := range q.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

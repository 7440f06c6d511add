package session

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/veldhuis/stagelink/internal/proto"
)

// Store persists session snapshots between runs.
type Store interface {
	SaveSession(s *Session) error
	LoadSession() (*Session, error)
}

// Replicator owns the authoritative session on the host. Every mutation,
// whether a relayed client action or a host-side operation, goes through one
// command channel and is applied by a single goroutine, so no two mutations
// ever interleave. After each successful mutation the new state is persisted
// and fanned out to snapshot listeners.
type Replicator struct {
	store Store

	cmds chan command

	mu        sync.Mutex
	listeners []chan Session

	closeOnce sync.Once
	done      chan struct{}
}

type command struct {
	apply    func(*Session) error
	readOnly bool
	reply    chan error
}

// NewReplicator loads the stored session, or starts a fresh one if nothing
// was persisted yet.
func NewReplicator(store Store) (*Replicator, error) {
	r := &Replicator{
		store: store,
		cmds:  make(chan command, 64),
		done:  make(chan struct{}),
	}
	sess, err := store.LoadSession()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		sess = NewSession()
		if err := store.SaveSession(sess); err != nil {
			return nil, fmt.Errorf("persist fresh session: %w", err)
		}
		log.Printf("SESSION: started fresh session %s", sess.ID)
	} else {
		sess.Normalize()
		log.Printf("SESSION: resumed session %s (%d participants, %d requests)",
			sess.ID, len(sess.Participants), len(sess.Requests))
	}
	go r.run(sess)
	return r, nil
}

func (r *Replicator) run(sess *Session) {
	defer close(r.done)
	for cmd := range r.cmds {
		if cmd.readOnly {
			err := cmd.apply(sess)
			if cmd.reply != nil {
				cmd.reply <- err
			}
			continue
		}
		// Mutations run on a clone and swap in only on success, so a command
		// that fails partway through cannot leak a half-applied change into
		// later snapshots or persistence.
		work := sess.Clone()
		err := cmd.apply(work)
		if err == nil {
			work.Normalize()
			sess = work
			if perr := r.store.SaveSession(sess); perr != nil {
				log.Printf("SESSION: persist failed: %v", perr)
			}
			r.fanOut(sess)
		}
		if cmd.reply != nil {
			cmd.reply <- err
		}
	}
}

// Do runs a mutation on the session. It blocks until the mutation has been
// applied (or rejected) in order.
func (r *Replicator) Do(ctx context.Context, fn func(*Session) error) error {
	return r.enqueue(ctx, command{apply: fn, reply: make(chan error, 1)})
}

func (r *Replicator) enqueue(ctx context.Context, cmd command) error {
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return fmt.Errorf("session replicator stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyAction applies one relayed action.
func (r *Replicator) ApplyAction(ctx context.Context, act proto.RemoteAction) error {
	return r.Do(ctx, func(s *Session) error {
		if err := s.ApplyRemote(act); err != nil {
			log.Printf("SESSION: rejected action %s from %s: %v", act.Type, act.SenderID, err)
			return err
		}
		return nil
	})
}

// Snapshot returns a deep copy of the current session, consistent with the
// mutation order (it waits its turn in the command queue).
func (r *Replicator) Snapshot(ctx context.Context) (*Session, error) {
	var snap *Session
	err := r.enqueue(ctx, command{
		apply: func(s *Session) error {
			snap = s.Clone()
			return nil
		},
		readOnly: true,
		reply:    make(chan error, 1),
	})
	return snap, err
}

// Listen registers a snapshot listener. Each successful mutation delivers a
// deep copy; a slow listener misses intermediate snapshots rather than
// stalling the session.
func (r *Replicator) Listen() <-chan Session {
	ch := make(chan Session, 8)
	r.mu.Lock()
	r.listeners = append(r.listeners, ch)
	r.mu.Unlock()
	return ch
}

func (r *Replicator) fanOut(s *Session) {
	snap := s.Clone()
	r.mu.Lock()
	ls := append([]chan Session(nil), r.listeners...)
	r.mu.Unlock()
	for _, ch := range ls {
		select {
		case ch <- *snap:
		default:
		}
	}
}

// Close stops the apply loop. Pending queued commands are applied first.
func (r *Replicator) Close() {
	r.closeOnce.Do(func() { close(r.cmds) })
	<-r.done
}

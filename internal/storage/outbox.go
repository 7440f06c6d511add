package storage

import (
	"encoding/json"
	"fmt"

	"github.com/veldhuis/stagelink/internal/proto"
)

// QueuedAction is one durably queued outbound action.
type QueuedAction struct {
	ID        string
	Action    proto.RemoteAction
	CreatedAt int64
}

// EnqueueAction appends an action to the durable outbox.
func (d *DB) EnqueueAction(q QueuedAction) error {
	payload, err := json.Marshal(q.Action.Payload)
	if err != nil {
		return fmt.Errorf("encode queued payload: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.Exec(`
		INSERT INTO outbox (id, type, payload, sender, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, q.ID, q.Action.Type, string(payload), q.Action.SenderID, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue action: %w", err)
	}
	return nil
}

// QueuedActions returns the outbox in enqueue order.
func (d *DB) QueuedActions() ([]QueuedAction, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, type, payload, sender, created_at FROM outbox ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("list queued actions: %w", err)
	}
	defer rows.Close()

	var out []QueuedAction
	for rows.Next() {
		var q QueuedAction
		var payload string
		if err := rows.Scan(&q.ID, &q.Action.Type, &payload, &q.Action.SenderID, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan queued action: %w", err)
		}
		q.Action.Payload = json.RawMessage(payload)
		out = append(out, q)
	}
	return out, rows.Err()
}

// DeleteQueuedAction removes one entry from the outbox.
func (d *DB) DeleteQueuedAction(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(`DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queued action: %w", err)
	}
	return nil
}

// ClearQueuedActions empties the outbox.
func (d *DB) ClearQueuedActions() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(`DELETE FROM outbox`); err != nil {
		return fmt.Errorf("clear queued actions: %w", err)
	}
	return nil
}

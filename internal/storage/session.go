package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/veldhuis/stagelink/internal/proto"
	"github.com/veldhuis/stagelink/internal/session"
)

// SaveSession writes the full session snapshot. The snapshot is small (a
// single event's worth of queue state) so whole-document replacement keeps
// the stored and broadcast forms identical.
func (d *DB) SaveSession(s *session.Session) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.Exec(`
		INSERT INTO session_snapshot (id, body, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, string(body), proto.NowMillis())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession reads the stored session. Returns nil when none was saved.
func (d *DB) LoadSession() (*session.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var body string
	err := d.db.QueryRow(`SELECT body FROM session_snapshot WHERE id = 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s session.Session
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

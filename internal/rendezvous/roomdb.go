package rendezvous

import (
	"database/sql"
	"log"
	"sync"

	_ "modernc.org/sqlite"
)

// roomDB persists room claims and pending actions so a rendezvous restart
// does not drop buffered actions or let a second host steal a live room.
type roomDB struct {
	db *sql.DB
	mu sync.Mutex
}

func openRoomDB(path string) (*roomDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS claims (
		room      TEXT PRIMARY KEY,
		peer_id   TEXT NOT NULL,
		addrs     TEXT DEFAULT '',
		last_seen INTEGER DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS pending_actions (
		id          TEXT PRIMARY KEY,
		room        TEXT NOT NULL,
		body        TEXT NOT NULL,
		buffered_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS pending_room ON pending_actions(room)`)

	return &roomDB{db: db}, nil
}

func (r *roomDB) upsertClaim(c claimRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`INSERT INTO claims (room, peer_id, addrs, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room) DO UPDATE SET
			peer_id=excluded.peer_id,
			addrs=excluded.addrs,
			last_seen=excluded.last_seen`,
		c.Room, c.PeerID, c.Addrs, c.LastSeen)
	if err != nil {
		log.Printf("roomdb: upsert claim error: %v", err)
	}
}

func (r *roomDB) removeClaim(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.db.Exec(`DELETE FROM claims WHERE room = ?`, room)
}

func (r *roomDB) loadClaims() ([]claimRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query(`SELECT room, peer_id, addrs, last_seen FROM claims`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []claimRow
	for rows.Next() {
		var c claimRow
		if err := rows.Scan(&c.Room, &c.PeerID, &c.Addrs, &c.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *roomDB) insertPending(room, id, body string, bufferedAt int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`INSERT INTO pending_actions (id, room, body, buffered_at)
		VALUES (?, ?, ?, ?)`, id, room, body, bufferedAt)
	return err
}

type pendingRow struct {
	ID         string `json:"id"`
	Body       string `json:"-"`
	BufferedAt int64  `json:"bufferedAt"`
}

func (r *roomDB) listPending(room string) ([]pendingRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query(`SELECT id, body, buffered_at FROM pending_actions
		WHERE room = ? ORDER BY buffered_at, id`, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pendingRow
	for rows.Next() {
		var p pendingRow
		if err := rows.Scan(&p.ID, &p.Body, &p.BufferedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *roomDB) deletePending(room string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		_, _ = r.db.Exec(`DELETE FROM pending_actions WHERE room = ? AND id = ?`, room, id)
	}
}

func (r *roomDB) close() error {
	return r.db.Close()
}

// Package history records connection lifetimes: one row per tunnel,
// opened at connect and closed at disconnect. The store implements
// tunnel.Listener so it can be injected into session construction.
package history

import (
	"database/sql"
	"time"

	"github.com/deskgate/deskgate/internal/errx"
	"github.com/deskgate/deskgate/pkg/storedb"
	"github.com/deskgate/deskgate/pkg/tunnel"
)

const historyModule = "history"

// Record is one connection history row. Ended is nil while the
// connection is still active.
type Record struct {
	TunnelID string     `json:"tunnel_id"`
	Protocol string     `json:"protocol"`
	Hostname string     `json:"hostname"`
	Identity string     `json:"identity"`
	Started  time.Time  `json:"started"`
	Ended    *time.Time `json:"ended,omitempty"`
}

// Store persists connection records in sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the history database at path.
func Open(path string) (*Store, error) {
	db, err := storedb.Open(storedb.OpenOptions{
		Path:       path,
		Module:     historyModule,
		Migrations: migrations(),
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrations() []storedb.Migration {
	return []storedb.Migration{
		{
			Version: 1,
			Name:    "create_connection_history",
			SQL: `
CREATE TABLE IF NOT EXISTS connection_history (
  tunnel_id TEXT PRIMARY KEY,
  protocol TEXT NOT NULL,
  hostname TEXT,
  identity TEXT,
  started_at TEXT NOT NULL,
  ended_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_started ON connection_history(started_at DESC);
`,
		},
	}
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// TunnelConnected opens a record for t.
func (s *Store) TunnelConnected(t *tunnel.Tunnel) {
	_, _ = s.db.Exec(`
INSERT OR REPLACE INTO connection_history
  (tunnel_id, protocol, hostname, identity, started_at)
  VALUES (?, ?, ?, ?, ?)`,
		t.ID.String(), t.Protocol, t.Hostname, t.Identity,
		t.Created.UTC().Format(time.RFC3339Nano))
}

// TunnelDisconnected stamps the end time on t's record.
func (s *Store) TunnelDisconnected(t *tunnel.Tunnel) {
	_, _ = s.db.Exec(`
UPDATE connection_history SET ended_at = ? WHERE tunnel_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), t.ID.String())
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
SELECT tunnel_id, protocol, COALESCE(hostname, ''), COALESCE(identity, ''),
       started_at, ended_at
  FROM connection_history
 ORDER BY started_at DESC
 LIMIT ?`, limit)
	if err != nil {
		return nil, errx.Wrap(ErrQueryHistory, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var started string
		var ended sql.NullString
		if err := rows.Scan(&r.TunnelID, &r.Protocol, &r.Hostname, &r.Identity, &started, &ended); err != nil {
			return nil, errx.Wrap(ErrQueryHistory, err)
		}
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		if ended.Valid {
			t, err := time.Parse(time.RFC3339Nano, ended.String)
			if err == nil {
				r.Ended = &t
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

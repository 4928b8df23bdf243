package messages

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore keeps the message log in a SQLite table. Append order is
// tracked by an autoincrement sequence, not by timestamp.
type SQLiteStore struct {
	db  *sql.DB
	loc *time.Location
	now func() time.Time
}

// NewSQLiteStore creates the store, running migrations on first use.
// Timestamps are recorded in loc.
func NewSQLiteStore(db *sql.DB, loc *time.Location) (*SQLiteStore, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &SQLiteStore{db: db, loc: loc, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate messages: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			sender_id   TEXT NOT NULL,
			direction   TEXT NOT NULL,
			body        TEXT NOT NULL,
			external_id TEXT,
			timestamp   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, seq);
	`)
	return err
}

// Append inserts a record.
func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	rec, err := prepare(rec, s.now().In(s.loc))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, direction, body, external_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.SenderID,
		string(rec.Direction),
		rec.Body,
		rec.ExternalID,
		rec.Timestamp.In(s.loc).Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentFor returns the sender's last limit records in append order.
func (s *SQLiteStore) RecentFor(ctx context.Context, senderID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, direction, body, external_id, timestamp FROM (
			SELECT seq, id, sender_id, direction, body, COALESCE(external_id, '') AS external_id, timestamp
			FROM messages
			WHERE sender_id = ?
			ORDER BY seq DESC
			LIMIT ?
		 ) ORDER BY seq ASC`,
		senderID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			direction string
			ts        string
		)
		if err := rows.Scan(&rec.ID, &rec.SenderID, &direction, &rec.Body, &rec.ExternalID, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.Direction = Direction(direction)
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = t.In(s.loc)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

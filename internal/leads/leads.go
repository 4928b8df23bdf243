// Package leads records clients who booked an appointment so the sales
// team can follow up.
package leads

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/asesor/internal/workspace"
)

// Lead is one client entry.
type Lead struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Appointment string    `json:"appointment"`
	CreatedAt   time.Time `json:"created_at"`
}

// Recorder persists leads.
type Recorder interface {
	Record(ctx context.Context, lead Lead) error
}

// SQLiteStore keeps leads in a SQLite table.
type SQLiteStore struct {
	db  *sql.DB
	loc *time.Location
}

// NewSQLiteStore creates the store, running migrations on first use.
func NewSQLiteStore(db *sql.DB, loc *time.Location) (*SQLiteStore, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &SQLiteStore{db: db, loc: loc}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate leads: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS leads (
			id          TEXT PRIMARY KEY,
			created_at  TEXT NOT NULL,
			name        TEXT NOT NULL,
			email       TEXT,
			phone       TEXT,
			appointment TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_leads_phone ON leads(phone);
	`)
	return err
}

// Record inserts a lead.
func (s *SQLiteStore) Record(ctx context.Context, lead Lead) error {
	if lead.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate lead ID: %w", err)
		}
		lead.ID = id.String()
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, created_at, name, email, phone, appointment)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		lead.ID,
		lead.CreatedAt.In(s.loc).Format(time.RFC3339),
		lead.Name,
		lead.Email,
		lead.Phone,
		lead.Appointment,
	)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

// ForPhone returns the leads recorded for a phone number, newest first.
func (s *SQLiteStore) ForPhone(ctx context.Context, phone string) ([]Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, name, COALESCE(email, ''), COALESCE(phone, ''), appointment
		 FROM leads WHERE phone = ? ORDER BY created_at DESC, id DESC`,
		phone,
	)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		var l Lead
		var created string
		if err := rows.Scan(&l.ID, &created, &l.Name, &l.Email, &l.Phone, &l.Appointment); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			l.CreatedAt = t.In(s.loc)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ClientsRange is the sheet range holding leads. Columns are
// timestamp, email, name, phone, appointment.
const ClientsRange = "Clientes!A:E"

// RowAppender is the subset of a spreadsheet the sheet recorder needs.
type RowAppender interface {
	AppendRows(ctx context.Context, rangeA1 string, rows [][]any) error
}

// SheetsRecorder appends leads to the Clientes sheet.
type SheetsRecorder struct {
	rows RowAppender
	loc  *time.Location
}

// NewSheetsRecorder returns a sheet-backed recorder.
func NewSheetsRecorder(rows RowAppender, loc *time.Location) *SheetsRecorder {
	if loc == nil {
		loc = time.UTC
	}
	return &SheetsRecorder{rows: rows, loc: loc}
}

// Record appends one row.
func (s *SheetsRecorder) Record(ctx context.Context, lead Lead) error {
	created := lead.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	row := []any{
		created.In(s.loc).Format(workspace.SheetTimestampLayout),
		lead.Email,
		lead.Name,
		lead.Phone,
		lead.Appointment,
	}
	if err := s.rows.AppendRows(ctx, ClientsRange, [][]any{row}); err != nil {
		return fmt.Errorf("append lead row: %w", err)
	}
	return nil
}

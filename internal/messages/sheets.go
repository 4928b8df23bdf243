package messages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/asesor/internal/workspace"
)

// MessagesRange is the sheet range holding the log. Columns are
// timestamp, sender, direction, body, external id.
const MessagesRange = "Mensajes!A:E"

// SheetRows is the subset of a spreadsheet the sheet-backed stores use.
type SheetRows interface {
	AppendRows(ctx context.Context, rangeA1 string, rows [][]any) error
	ReadRows(ctx context.Context, rangeA1 string) ([][]any, error)
}

// SheetsStore keeps the log in a Google Sheet so the sales team can
// read conversations directly. Row order is append order.
type SheetsStore struct {
	rows SheetRows
	loc  *time.Location
	now  func() time.Time
}

// NewSheetsStore creates a sheet-backed store. Timestamps are written
// in loc.
func NewSheetsStore(rows SheetRows, loc *time.Location) *SheetsStore {
	if loc == nil {
		loc = time.UTC
	}
	return &SheetsStore{rows: rows, loc: loc, now: time.Now}
}

// Append writes a row. The record ID is not stored; the sheet has no
// column for it.
func (s *SheetsStore) Append(ctx context.Context, rec Record) error {
	rec, err := prepare(rec, s.now().In(s.loc))
	if err != nil {
		return err
	}
	row := []any{
		rec.Timestamp.In(s.loc).Format(workspace.SheetTimestampLayout),
		rec.SenderID,
		string(rec.Direction),
		rec.Body,
		rec.ExternalID,
	}
	if err := s.rows.AppendRows(ctx, MessagesRange, [][]any{row}); err != nil {
		return fmt.Errorf("append message row: %w", err)
	}
	return nil
}

// RecentFor reads the whole log and keeps the sender's last limit rows.
func (s *SheetsStore) RecentFor(ctx context.Context, senderID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.rows.ReadRows(ctx, MessagesRange)
	if err != nil {
		return nil, fmt.Errorf("read message rows: %w", err)
	}
	return recordsFromRows(rows, senderID, limit, s.loc), nil
}

// recordsFromRows filters rows for senderID and returns the last limit
// of them in sheet order. Rows with an unknown direction, such as a
// header row, are skipped.
func recordsFromRows(rows [][]any, senderID string, limit int, loc *time.Location) []Record {
	var matched []Record
	for _, row := range rows {
		if workspace.Cell(row, 1) != senderID {
			continue
		}
		dir := Direction(strings.ToLower(strings.TrimSpace(workspace.Cell(row, 2))))
		if dir != Inbound && dir != Outbound {
			continue
		}
		rec := Record{
			SenderID:   senderID,
			Direction:  dir,
			Body:       workspace.Cell(row, 3),
			ExternalID: workspace.Cell(row, 4),
		}
		if t, err := time.ParseInLocation(workspace.SheetTimestampLayout, workspace.Cell(row, 0), loc); err == nil {
			rec.Timestamp = t
		}
		matched = append(matched, rec)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Package workspace wraps the Google Workspace APIs Asesor writes to.
// Credentials are a service-account key file provisioned out of band.
package workspace

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetTimestampLayout is the layout used for timestamps written to
// sheet rows, always rendered in the reference timezone.
const SheetTimestampLayout = "2006-01-02T15:04:05"

// ClientOptions returns the API options for a service-account key
// file followed by any extra options.
func ClientOptions(credentialsFile string, extra ...option.ClientOption) []option.ClientOption {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	return append(opts, extra...)
}

// Sheets reads and appends rows in a single spreadsheet.
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
}

// NewSheets connects to the spreadsheet with the given ID.
func NewSheets(ctx context.Context, spreadsheetID string, opts ...option.ClientOption) (*Sheets, error) {
	opts = append([]option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}, opts...)
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Sheets{svc: svc, spreadsheetID: spreadsheetID}, nil
}

// AppendRows appends rows after the last populated row of rangeA1.
// Values are interpreted as if typed by a user.
func (s *Sheets) AppendRows(ctx context.Context, rangeA1 string, rows [][]any) error {
	_, err := s.svc.Spreadsheets.Values.
		Append(s.spreadsheetID, rangeA1, &sheets.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append to %s: %w", rangeA1, err)
	}
	return nil
}

// ReadRows returns every row in rangeA1 as formatted values.
func (s *Sheets) ReadRows(ctx context.Context, rangeA1 string) ([][]any, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, rangeA1).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rangeA1, err)
	}
	return resp.Values, nil
}

// Cell returns row[i] as a string, or "" when the row is short.
func Cell(row []any, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	if s, ok := row[i].(string); ok {
		return s
	}
	return fmt.Sprint(row[i])
}

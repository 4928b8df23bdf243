package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	docs "google.golang.org/api/docs/v1"
	"google.golang.org/api/option"
)

// DocsSource reads the catalog from a Google Doc.
type DocsSource struct {
	svc      *docs.Service
	docID    string
	maxChars int
	logger   *slog.Logger
}

// NewDocsSource connects to the Docs API for the given document.
func NewDocsSource(ctx context.Context, docID string, logger *slog.Logger, opts ...option.ClientOption) (*DocsSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]option.ClientOption{option.WithScopes(docs.DocumentsReadonlyScope)}, opts...)
	svc, err := docs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create docs service: %w", err)
	}
	return &DocsSource{
		svc:      svc,
		docID:    docID,
		maxChars: DefaultMaxChars,
		logger:   logger.With("component", "knowledge", "backend", "google_docs"),
	}, nil
}

// Lookup fetches the document and returns its plain text.
func (d *DocsSource) Lookup(ctx context.Context, query string) (string, error) {
	d.logger.Debug("fetching document", "doc_id", d.docID, "query", query)

	doc, err := d.svc.Documents.Get(d.docID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("get document %s: %w", d.docID, err)
	}
	text := documentText(doc)
	d.logger.Debug("document fetched", "doc_id", d.docID, "chars", len(text))
	return finish(text, d.maxChars)
}

// documentText concatenates every text run in the document body,
// including text inside tables.
func documentText(doc *docs.Document) string {
	if doc == nil || doc.Body == nil {
		return ""
	}
	var b strings.Builder
	writeElements(doc.Body.Content, &b)
	return b.String()
}

func writeElements(elems []*docs.StructuralElement, b *strings.Builder) {
	for _, el := range elems {
		switch {
		case el.Paragraph != nil:
			for _, pe := range el.Paragraph.Elements {
				if pe.TextRun != nil {
					b.WriteString(pe.TextRun.Content)
				}
			}
		case el.Table != nil:
			for _, row := range el.Table.TableRows {
				for i, cell := range row.TableCells {
					if i > 0 {
						b.WriteString(" | ")
					}
					var cb strings.Builder
					writeElements(cell.Content, &cb)
					b.WriteString(strings.TrimSpace(cb.String()))
				}
				b.WriteString("\n")
			}
		}
	}
}

package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// FileSource reads the catalog from a local file. Markdown files are
// rendered and flattened to text; anything else is returned as is.
// The file is re-read on each lookup so edits take effect immediately.
type FileSource struct {
	path     string
	maxChars int
	md       goldmark.Markdown
	logger   *slog.Logger
}

// NewFileSource returns a source for path.
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		path:     path,
		maxChars: DefaultMaxChars,
		md:       goldmark.New(goldmark.WithExtensions(extension.Table)),
		logger:   logger.With("component", "knowledge", "backend", "file"),
	}
}

// Lookup reads the file.
func (f *FileSource) Lookup(ctx context.Context, query string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("read catalog: %w", err)
	}
	f.logger.Debug("catalog read", "path", f.path, "bytes", len(data), "query", query)

	switch strings.ToLower(filepath.Ext(f.path)) {
	case ".md", ".markdown":
		var buf bytes.Buffer
		if err := f.md.Convert(data, &buf); err != nil {
			return "", fmt.Errorf("render catalog: %w", err)
		}
		return finish(htmlText(buf.String()), f.maxChars)
	case ".html", ".htm":
		return finish(htmlText(string(data)), f.maxChars)
	default:
		return finish(string(data), f.maxChars)
	}
}

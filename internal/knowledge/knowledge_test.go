package knowledge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	docs "google.golang.org/api/docs/v1"
)

type countingSource struct {
	calls   int
	content string
	err     error
}

func (c *countingSource) Lookup(context.Context, string) (string, error) {
	c.calls++
	return c.content, c.err
}

func TestCached_ReusesWithinTTL(t *testing.T) {
	src := &countingSource{content: "catálogo"}
	c := NewCached(src, time.Minute, nil)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for range 3 {
		got, err := c.Lookup(context.Background(), "q")
		if err != nil || got != "catálogo" {
			t.Fatalf("Lookup = %q, %v", got, err)
		}
	}
	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1", src.calls)
	}

	now = now.Add(2 * time.Minute)
	c.Lookup(context.Background(), "q")
	if src.calls != 2 {
		t.Errorf("source calls after expiry = %d, want 2", src.calls)
	}
}

func TestCached_ServesStaleOnError(t *testing.T) {
	src := &countingSource{content: "v1"}
	c := NewCached(src, time.Second, nil)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Lookup(context.Background(), "")
	src.err = errors.New("docs 503")
	now = now.Add(time.Hour)

	got, err := c.Lookup(context.Background(), "")
	if err != nil || got != "v1" {
		t.Errorf("Lookup = %q, %v; want stale v1", got, err)
	}
}

func TestCached_ErrorWithoutCopy(t *testing.T) {
	c := NewCached(&countingSource{err: errors.New("down")}, time.Minute, nil)
	if _, err := c.Lookup(context.Background(), ""); err == nil {
		t.Error("expected error when nothing is cached")
	}
}

func TestFileSource_Markdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogo.md")
	md := "# Terrenos\n\n- Zapopan, 500 m², $1,900,000\n- Tlajomulco, 300 m², $950,000\n"
	if err := os.WriteFile(path, []byte(md), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := NewFileSource(path, nil).Lookup(context.Background(), "Zapopan")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if strings.Contains(got, "#") || strings.Contains(got, "<li>") {
		t.Errorf("markup leaked into text: %q", got)
	}
	if !strings.Contains(got, "Zapopan, 500 m², $1,900,000") {
		t.Errorf("missing listing in %q", got)
	}
}

func TestFileSource_PlainAndEmpty(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "catalogo.txt")
	os.WriteFile(plain, []byte("Casa en Providencia"), 0600)
	got, err := NewFileSource(plain, nil).Lookup(context.Background(), "")
	if err != nil || got != "Casa en Providencia" {
		t.Errorf("Lookup = %q, %v", got, err)
	}

	empty := filepath.Join(dir, "vacio.txt")
	os.WriteFile(empty, []byte("  \n"), 0600)
	if _, err := NewFileSource(empty, nil).Lookup(context.Background(), ""); !errors.Is(err, ErrEmpty) {
		t.Errorf("err = %v, want ErrEmpty", err)
	}
}

func TestFileSource_Missing(t *testing.T) {
	if _, err := NewFileSource("/nonexistent/catalogo.md", nil).Lookup(context.Background(), ""); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestURLSource_HTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, `<html><head><title>x</title><script>var a=1;</script></head>
			<body><nav>menu</nav><h1>Propiedades</h1><p>Terreno en Zapopan</p></body></html>`)
	}))
	defer srv.Close()

	got, err := NewURLSource(srv.URL, srv.Client(), nil).Lookup(context.Background(), "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != "Propiedades\n\nTerreno en Zapopan" {
		t.Errorf("Lookup = %q", got)
	}
}

func TestURLSource_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewURLSource(srv.URL, srv.Client(), nil).Lookup(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want status 404", err)
	}
}

func TestDocumentText(t *testing.T) {
	para := func(s string) *docs.StructuralElement {
		return &docs.StructuralElement{Paragraph: &docs.Paragraph{
			Elements: []*docs.ParagraphElement{{TextRun: &docs.TextRun{Content: s}}},
		}}
	}
	doc := &docs.Document{Body: &docs.Body{Content: []*docs.StructuralElement{
		para("Terrenos disponibles\n"),
		{Table: &docs.Table{TableRows: []*docs.TableRow{{
			TableCells: []*docs.TableCell{
				{Content: []*docs.StructuralElement{para("Zapopan\n")}},
				{Content: []*docs.StructuralElement{para("$1.9M\n")}},
			},
		}}}},
		{SectionBreak: &docs.SectionBreak{}},
	}}}

	got := documentText(doc)
	want := "Terrenos disponibles\nZapopan | $1.9M\n"
	if got != want {
		t.Errorf("documentText = %q, want %q", got, want)
	}
}

func TestDocumentText_Nil(t *testing.T) {
	if documentText(nil) != "" || documentText(&docs.Document{}) != "" {
		t.Error("nil document should yield empty text")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("añoñaño", 3); got != "año" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 0); got != "abc" {
		t.Errorf("truncate with 0 = %q", got)
	}
}

package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nugget/asesor/internal/llm"
	"github.com/nugget/asesor/internal/messages"
)

type fakeStore struct {
	records []messages.Record
	err     error
	limit   int
}

func (f *fakeStore) Append(context.Context, messages.Record) error { return nil }

func (f *fakeStore) RecentFor(_ context.Context, _ string, limit int) ([]messages.Record, error) {
	f.limit = limit
	return f.records, f.err
}

func rec(dir messages.Direction, body string) messages.Record {
	return messages.Record{SenderID: "+521", Direction: dir, Body: body}
}

func TestBuild_PreservesOrderAndDropsEmpty(t *testing.T) {
	store := &fakeStore{records: []messages.Record{
		rec(messages.Inbound, "Busco terreno"),
		rec(messages.Outbound, "¿En qué zona?"),
		rec(messages.Inbound, "   "),
		rec(messages.Inbound, "Zapopan"),
		rec(messages.Outbound, ""),
		rec(messages.Outbound, "¿Presupuesto?"),
	}}

	got := NewBuilder(store, nil).Build(context.Background(), "+521", 10)

	want := []struct{ role, text string }{
		{llm.RoleUser, "Busco terreno"},
		{llm.RoleAssistant, "¿En qué zona?"},
		{llm.RoleUser, "Zapopan"},
		{llm.RoleAssistant, "¿Presupuesto?"},
	}
	if len(got.Turns) != len(want) {
		t.Fatalf("got %d turns, want %d", len(got.Turns), len(want))
	}
	for i, w := range want {
		if got.Turns[i].Role != w.role || got.Turns[i].Text() != w.text {
			t.Errorf("turn %d = %s %q, want %s %q", i, got.Turns[i].Role, got.Turns[i].Text(), w.role, w.text)
		}
	}

	wantTranscript := "Cliente: Busco terreno\nAsesor: ¿En qué zona?\nCliente: Zapopan\nAsesor: ¿Presupuesto?"
	if got.Transcript != wantTranscript {
		t.Errorf("transcript = %q, want %q", got.Transcript, wantTranscript)
	}
	if store.limit != 10 {
		t.Errorf("limit passed = %d, want 10", store.limit)
	}
}

func TestBuild_OrderMatchesStoreForManySizes(t *testing.T) {
	for n := 0; n <= 12; n++ {
		var records []messages.Record
		for i := range n {
			dir := messages.Inbound
			if i%3 == 2 {
				dir = messages.Outbound
			}
			body := fmt.Sprintf("m%d", i)
			if i%4 == 3 {
				body = ""
			}
			records = append(records, rec(dir, body))
		}

		got := FromRecords(records)
		j := 0
		for _, r := range records {
			if r.Body == "" {
				continue
			}
			if j >= len(got.Turns) || got.Turns[j].Text() != r.Body {
				t.Fatalf("n=%d: turn %d mismatch", n, j)
			}
			j++
		}
		if j != len(got.Turns) {
			t.Fatalf("n=%d: %d extra turns", n, len(got.Turns)-j)
		}
	}
}

func TestBuild_EmptyHistory(t *testing.T) {
	got := NewBuilder(&fakeStore{}, nil).Build(context.Background(), "+521", 10)
	if len(got.Turns) != 0 || got.Transcript != "" {
		t.Errorf("expected empty context, got %+v", got)
	}
}

func TestBuild_StoreErrorDegradesToEmpty(t *testing.T) {
	store := &fakeStore{records: []messages.Record{rec(messages.Inbound, "x")}, err: errors.New("sheets 503")}
	got := NewBuilder(store, nil).Build(context.Background(), "+521", 10)
	if len(got.Turns) != 0 || got.Transcript != "" {
		t.Errorf("expected empty context on store error, got %+v", got)
	}
}

func TestBuild_ZeroLimitSkipsStore(t *testing.T) {
	store := &fakeStore{limit: -1}
	NewBuilder(store, nil).Build(context.Background(), "+521", 0)
	if store.limit != -1 {
		t.Error("store should not be queried with a zero limit")
	}
}

package whatsapp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGreeter_Match(t *testing.T) {
	g := newGreeter(nil, nil, false)
	tests := map[string]bool{
		"hola":             true,
		"HOLA":             true,
		"  Hola \n":        true,
		"hola!":            true,
		"Buenas Noches":    true,
		"CÓMO ESTÁS":       true,
		"como estas":       true,
		"hola, busco casa": false,
		"holi":             false,
		"":                 false,
	}
	for in, want := range tests {
		if got := g.match(in); got != want {
			t.Errorf("match(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestGreeter_CustomPatterns(t *testing.T) {
	g := newGreeter([]string{"Buen día"}, []string{"¡Buen día!"}, false)
	if !g.match("BUEN DÍA") || g.match("hola") {
		t.Error("custom patterns should replace the defaults")
	}
	if g.reply() != "¡Buen día!" {
		t.Errorf("reply = %q", g.reply())
	}
}

func TestGreeter_ReplyFixedUnlessRandom(t *testing.T) {
	g := newGreeter(nil, []string{"a", "b", "c"}, false)
	g.intn = func(int) int { return 2 }
	if g.reply() != "a" {
		t.Errorf("fixed reply = %q", g.reply())
	}
	g.random = true
	if g.reply() != "c" {
		t.Errorf("random reply = %q", g.reply())
	}
}

// mustLock acquires key with a background context.
func mustLock(t *testing.T, k *keyedMutex, key string) func() {
	t.Helper()
	release, err := k.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("Lock(%q): %v", key, err)
	}
	return release
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	release := mustLock(t, k, "a")
	acquired := make(chan struct{})
	go func() {
		r, err := k.Lock(context.Background(), "a")
		if err != nil {
			t.Errorf("waiter: %v", err)
			return
		}
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock on the same key did not block")
	case <-time.After(20 * time.Millisecond):
	}

	other := mustLock(t, k, "b")
	other()

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, err := k.Lock(context.Background(), "c"); err == nil {
				r()
			}
		}()
	}
	wg.Wait()
	if n := k.size(); n != 0 {
		t.Errorf("entries after release = %d", n)
	}
}

func TestKeyedMutex_WaitHonorsContext(t *testing.T) {
	k := newKeyedMutex()
	release := mustLock(t, k, "+5213312345678")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := k.Lock(ctx, "+5213312345678"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock on busy key = %v, want deadline exceeded", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("waited %v past the deadline", waited)
	}

	// The abandoned wait leaves no reference behind.
	release()
	if n := k.size(); n != 0 {
		t.Errorf("entries after abandoned wait = %d", n)
	}
	mustLock(t, k, "+5213312345678")()
}

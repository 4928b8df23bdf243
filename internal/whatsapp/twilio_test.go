package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTwilioSender_Send(t *testing.T) {
	var (
		gotPath string
		gotForm map[string]string
		user    string
		pass    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		user, pass, _ = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = map[string]string{
			"From": r.PostForm.Get("From"),
			"To":   r.PostForm.Get("To"),
			"Body": r.PostForm.Get("Body"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM0123456789","status":"queued"}`))
	}))
	defer srv.Close()

	s := NewTwilioSender(srv.URL, "AC123", "secret", "+14155238886", nil)
	sid, err := s.Send(context.Background(), "+5213312345678", "¡Hola! 🏡")
	if err != nil {
		t.Fatal(err)
	}
	if sid != "SM0123456789" {
		t.Errorf("sid = %q", sid)
	}
	if gotPath != "/2010-04-01/Accounts/AC123/Messages.json" {
		t.Errorf("path = %q", gotPath)
	}
	if user != "AC123" || pass != "secret" {
		t.Errorf("basic auth = %q:%q", user, pass)
	}
	want := map[string]string{
		"From": "whatsapp:+14155238886",
		"To":   "whatsapp:+5213312345678",
		"Body": "¡Hola! 🏡",
	}
	for k, v := range want {
		if gotForm[k] != v {
			t.Errorf("%s = %q, want %q", k, gotForm[k], v)
		}
	}
}

func TestTwilioSender_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"The 'To' number is not a valid phone number.","status":400}`))
	}))
	defer srv.Close()

	s := NewTwilioSender(srv.URL, "AC123", "secret", "whatsapp:+14155238886", nil)
	_, err := s.Send(context.Background(), "bogus", "hola")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "21211") || !strings.Contains(err.Error(), "400") {
		t.Errorf("error = %v", err)
	}
}

func TestTwilioSender_PlainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	s := NewTwilioSender(srv.URL, "AC123", "secret", "+1", nil)
	_, err := s.Send(context.Background(), "+2", "hola")
	if err == nil || !strings.Contains(err.Error(), "upstream unavailable") {
		t.Errorf("error = %v", err)
	}
}

func TestTwilioSender_Ping(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		if _, pass, _ := r.BasicAuth(); pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":20003,"message":"Authenticate"}`))
			return
		}
		w.Write([]byte(`{"sid":"AC123","status":"active"}`))
	}))
	defer srv.Close()

	if err := NewTwilioSender(srv.URL, "AC123", "secret", "+14155238886", nil).Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodGet || gotPath != "/2010-04-01/Accounts/AC123.json" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}

	err := NewTwilioSender(srv.URL, "AC123", "wrong", "+14155238886", nil).Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("bad credentials error = %v", err)
	}
}

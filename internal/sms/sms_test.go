package sms

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSend(t *testing.T) {
	var gotPath string
	var gotBody struct {
		From string   `json:"from"`
		To   []string `json:"to"`
		Text string   `json:"text"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(`{"recId":1}`))
	}))
	defer srv.Close()

	c := NewClient("key-9", "5000", []string{"0912", "0913"}, testLogger())
	c.baseURL = srv.URL

	if err := c.Send(context.Background(), "dialer paused"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/key-9" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.From != "5000" || gotBody.Text != "dialer paused" || len(gotBody.To) != 2 {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestSendWithoutRecipients(t *testing.T) {
	c := NewClient("key", "5000", nil, testLogger())
	c.baseURL = "http://127.0.0.1:1"
	if err := c.Send(context.Background(), "hello"); err != nil {
		t.Errorf("expected silent skip, got %v", err)
	}
}

func TestSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("key", "5000", []string{"0912"}, testLogger())
	c.baseURL = srv.URL
	if err := c.Send(context.Background(), "hello"); err == nil {
		t.Error("expected error on 401")
	}
}

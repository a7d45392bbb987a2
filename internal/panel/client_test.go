package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(url string) *Client {
	return NewClient(url, "token-1", "acme", 2*time.Second, 30*time.Second, 5, testLogger())
}

func TestNextBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/dialer/next-batch" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("auth = %q", got)
		}
		if r.URL.Query().Get("company") != "acme" || r.URL.Query().Get("size") != "10" {
			t.Errorf("query = %v", r.URL.Query())
		}
		json.NewEncoder(w).Encode(Batch{
			CallAllowed: true,
			BatchID:     "b-7",
			Contacts: []Contact{
				{ID: 1, PhoneNumber: "09120000001"},
				{ID: 2, PhoneNumber: "09120000002"},
			},
			ActiveScenarios: []ScenarioRef{{ID: 3, Name: "survey"}},
			OutboundAgents:  []Agent{{ID: 9, PhoneNumber: "09350000000"}},
		})
	}))
	defer srv.Close()

	batch := newTestClient(srv.URL).NextBatch(context.Background(), 10)
	if !batch.CallAllowed {
		t.Fatal("call not allowed")
	}
	if len(batch.Contacts) != 2 || batch.Contacts[0].PhoneNumber != "09120000001" {
		t.Errorf("contacts = %+v", batch.Contacts)
	}
	if batch.BatchID != "b-7" {
		t.Errorf("batch id = %q", batch.BatchID)
	}
	if len(batch.ActiveScenarios) != 1 || batch.ActiveScenarios[0].Name != "survey" {
		t.Errorf("scenarios = %+v", batch.ActiveScenarios)
	}
}

func TestNextBatchPanelDown(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	batch := c.NextBatch(context.Background(), 10)
	if batch.CallAllowed {
		t.Error("call allowed despite panel being unreachable")
	}
	if batch.RetryAfterSeconds != 30 {
		t.Errorf("retry = %d, want default 30", batch.RetryAfterSeconds)
	}
}

func TestReportResultQueuesOnFailure(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var rep Report
		if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
			t.Errorf("decoding report: %v", err)
		}
		if rep.Company != "acme" {
			t.Errorf("company = %q", rep.Company)
		}
		delivered.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	c.ReportResult(ctx, Report{NumberID: 1, PhoneNumber: "0912", Status: "MISSED", Reason: "missed", AttemptedAt: "2026-01-01T00:00:00Z"})
	c.ReportResult(ctx, Report{NumberID: 2, PhoneNumber: "0913", Status: "BUSY", Reason: "busy", AttemptedAt: "2026-01-01T00:00:00Z"})
	if got := c.PendingCount(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	failing.Store(false)
	c.FlushPending(ctx)
	if got := c.PendingCount(); got != 0 {
		t.Errorf("pending after flush = %d", got)
	}
	if got := delivered.Load(); got != 2 {
		t.Errorf("delivered = %d", got)
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	c.maxPend = 3
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.ReportResult(ctx, Report{NumberID: int64(i + 1), PhoneNumber: "0912", Status: "MISSED", AttemptedAt: "2026-01-01T00:00:00Z"})
	}
	if got := c.PendingCount(); got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}
	c.mu.Lock()
	first := c.pending[0].NumberID
	c.mu.Unlock()
	if first != 3 {
		t.Errorf("oldest surviving report = %d, want 3", first)
	}
}

func TestFlushStopsAtFirstFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 3; i++ {
		c.enqueue(Report{NumberID: int64(i + 1), PhoneNumber: "0912", Status: "MISSED"})
	}
	c.FlushPending(context.Background())
	// One delivered, two requeued in order.
	if got := c.PendingCount(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[0].NumberID != 2 || c.pending[1].NumberID != 3 {
		t.Errorf("requeued order = %d,%d", c.pending[0].NumberID, c.pending[1].NumberID)
	}
}

func TestRegisterScenarios(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/dialer/register-scenarios" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body struct {
			Company   string                   `json:"company"`
			Scenarios []ScenarioRefWithDisplay `json:"scenarios"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Company != "acme" || len(body.Scenarios) != 1 || body.Scenarios[0].DisplayName != "Customer Survey" {
			t.Errorf("body = %+v", body)
		}
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).RegisterScenarios(context.Background(),
		[]ScenarioRefWithDisplay{{Name: "survey", DisplayName: "Customer Survey"}})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRegisterOutboundLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/dialer/register-lines" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body struct {
			Company string `json:"company"`
			Lines   []Line `json:"lines"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if len(body.Lines) != 2 {
			t.Errorf("lines = %+v", body.Lines)
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).RegisterOutboundLines(context.Background(), []Line{
		{PhoneNumber: "02191000000", DisplayName: "Line A"},
		{PhoneNumber: "02191000001", DisplayName: "Line B"},
	})
	if err != nil {
		t.Fatal(err)
	}
}

package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dialflow/dialflow/internal/ari"
	"github.com/dialflow/dialflow/internal/config"
	"github.com/dialflow/dialflow/internal/llm"
	"github.com/dialflow/dialflow/internal/logging"
	"github.com/dialflow/dialflow/internal/panel"
	"github.com/dialflow/dialflow/internal/report"
	"github.com/dialflow/dialflow/internal/scenario"
	"github.com/dialflow/dialflow/internal/session"
	"github.com/dialflow/dialflow/internal/stt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testLogSet() *logging.Set {
	l := testLogger()
	return &logging.Set{App: l, Hangups: l, UserDrops: l, PositiveSTT: l, NegativeSTT: l, UnknownSTT: l}
}

const testScenarioYAML = `
scenario:
  name: survey
  company: acme
  flow:
    - step: entry
      type: entry
      next: ask
    - step: ask
      type: play_prompt
      prompt: intro
      next: listen
    - step: listen
      type: record
      next: classify
      on_empty: retry
      on_failure: retry
    - step: classify
      type: classify_intent
      next: route
      on_failure: retry
    - step: route
      type: route_by_intent
      routes:
        yes: transfer
        no: bye
        unknown: retry
    - step: retry
      type: check_retry_limit
      max_count: 2
      within_limit: ask
      exceeded: bye
    - step: transfer
      type: transfer_to_operator
      on_success: done
      on_failure: bye
    - step: bye
      type: hangup
    - step: done
      type: disconnect
  llm:
    intent_categories: [yes, no, unknown]
    fallback_tokens:
      yes: [yes, sure, interested]
      no: [no, stop]
`

// fakeARI records the REST calls the engine makes so tests can assert
// telephony behaviour without a server.
type fakeARI struct {
	mu         sync.Mutex
	calls      []string
	failRecord bool
	srv        *httptest.Server
}

func newFakeARI(t *testing.T) *fakeARI {
	f := &fakeARI{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		failRecord := f.failRecord
		f.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/record") && failRecord:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message":"recorder unavailable"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/bridges":
			w.Write([]byte(`{"id":"bridge-1","bridge_type":"mixing"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/channels":
			w.Write([]byte(`{"id":"op-chan-1"}`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeARI) setFailRecord(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRecord = v
}

func (f *fakeARI) client() *ari.Client {
	return ari.NewClient(config.ARIConfig{
		BaseURL:  f.srv.URL,
		AppName:  "dialflow",
		Username: "user",
		Password: "pass",
	}, 2*time.Second, 10, testLogger())
}

func (f *fakeARI) sawCall(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type fakePauser struct {
	mu      sync.Mutex
	reasons []string
}

func (p *fakePauser) PauseWithAlert(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reasons = append(p.reasons, reason)
}

// panelCapture records report-result bodies.
type panelCapture struct {
	mu      sync.Mutex
	reports []panel.Report
	srv     *httptest.Server
}

func newPanelCapture(t *testing.T) *panelCapture {
	p := &panelCapture{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/dialer/report-result" {
			var rep panel.Report
			json.NewDecoder(r.Body).Decode(&rep)
			p.mu.Lock()
			p.reports = append(p.reports, rep)
			p.mu.Unlock()
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *panelCapture) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reports)
}

func (p *panelCapture) last() panel.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reports[len(p.reports)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		Company: "acme",
		Operator: config.OperatorConfig{
			Extension: "1001",
			Trunk:     "operators",
			CallerID:  "02191000000",
			Timeout:   2,
		},
		Timeouts: config.TimeoutConfig{ARI: 2 * time.Second, STT: 2 * time.Second, LLM: 2 * time.Second},
	}
}

func newTestEngine(t *testing.T) (*Engine, *session.Manager, *fakeARI, *panelCapture, *fakePauser) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "survey.yaml"), []byte(testScenarioYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := scenario.LoadRegistry(dir, "acme", testLogger())
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	f := newFakeARI(t)
	client := f.client()
	m := session.NewManager(context.Background(), client, testLogSet(), testLogger())

	pc := newPanelCapture(t)
	panelClient := panel.NewClient(pc.srv.URL, "token", "acme", 2*time.Second, 30*time.Second, 5, testLogger())

	sttClient := stt.NewClient("http://stt.invalid", "", 2*time.Second, 2, 5, testLogger())
	llmClient := llm.NewClient("", "", "gpt-4o-mini", 2*time.Second, 2, 5, testLogger())

	eng := New(testConfig(), client, m, reg, sttClient, llmClient, panelClient, testLogSet())
	pauser := &fakePauser{}
	eng.SetPauser(pauser)
	m.SetHooks(eng)
	return eng, m, f, pc, pauser
}

func newTestSession(m *session.Manager) *session.Session {
	s := m.CreateOutbound("line-a", 7, "09121234567", "b-1", "survey")
	s.SetCustomerChannel("cust-1")
	s.SetBridge("bridge-1")
	s.MarkAnswered()
	return s
}

func TestRouteByIntent(t *testing.T) {
	eng, m, _, _, _ := newTestEngine(t)
	s := newTestSession(m)
	st := &scenario.Step{ID: "route", Routes: map[string]string{"yes": "transfer", "unknown": "retry"}}

	s.SetIntent("yes")
	next, err := eng.stepRouteByIntent(s, st)
	if err != nil || next != "transfer" {
		t.Errorf("yes route = %q, %v", next, err)
	}

	s.SetIntent("number_question")
	next, _ = eng.stepRouteByIntent(s, st)
	if next != "retry" {
		t.Errorf("unmatched intent route = %q, want unknown fallback", next)
	}
}

func TestRouteByIntentUnrouted(t *testing.T) {
	eng, m, _, _, _ := newTestEngine(t)
	s := newTestSession(m)
	s.SetIntent("no")
	st := &scenario.Step{ID: "route", Routes: map[string]string{"yes": "transfer"}}

	next, err := eng.stepRouteByIntent(s, st)
	if err != nil || next != "" {
		t.Errorf("next = %q, %v", next, err)
	}
	if s.Result() != report.ResultUnknown {
		t.Errorf("result = %q, want unknown", s.Result())
	}
}

func TestCheckRetryLimit(t *testing.T) {
	eng, m, _, _, _ := newTestEngine(t)
	s := newTestSession(m)
	st := &scenario.Step{MaxCount: 2, WithinLimit: "ask", Exceeded: "bye"}

	for i := 0; i < 2; i++ {
		next, _ := eng.stepCheckRetryLimit(s, st)
		if next != "ask" {
			t.Fatalf("attempt %d: next = %q, want ask", i+1, next)
		}
	}
	next, _ := eng.stepCheckRetryLimit(s, st)
	if next != "bye" {
		t.Errorf("next = %q, want bye after limit", next)
	}
}

func TestFallbackIntent(t *testing.T) {
	sc := &scenario.Scenario{
		LLM: scenario.LLMSettings{
			IntentCategories: []string{"yes", "no", "unknown"},
			FallbackTokens: map[string][]string{
				"yes": {"sure", "interested"},
				"no":  {"stop", "not interested"},
			},
		},
	}
	cases := []struct {
		transcript, want string
	}{
		{"yeah sure why not", "yes"},
		{"please STOP calling", "no"},
		{"what is this about", "unknown"},
	}
	for _, c := range cases {
		if got := fallbackIntent(sc, c.transcript); got != c.want {
			t.Errorf("fallbackIntent(%q) = %q, want %q", c.transcript, got, c.want)
		}
	}
}

func TestMatchCategory(t *testing.T) {
	sc := &scenario.Scenario{
		LLM: scenario.LLMSettings{IntentCategories: []string{"yes", "no", "unknown"}},
	}
	cases := []struct {
		reply, want string
	}{
		{"yes", "yes"},
		{"Yes.", "yes"},
		{"okay", "yes"},
		{"nope", "no"},
		{"The user's intent is no", "no"},
		{"I cannot tell", ""},
	}
	for _, c := range cases {
		if got := matchCategory(sc, c.reply); got != c.want {
			t.Errorf("matchCategory(%q) = %q, want %q", c.reply, got, c.want)
		}
	}
}

func TestBuildPromptTemplate(t *testing.T) {
	sc := &scenario.Scenario{
		LLM: scenario.LLMSettings{
			PromptTemplate:   "Reply one of {intent_categories}. User said: {transcript}",
			IntentCategories: []string{"yes", "no"},
		},
	}
	got := buildPrompt(sc, "hello there")
	want := "Reply one of yes, no. User said: hello there"
	if got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}
}

func TestRosterAcquireRelease(t *testing.T) {
	r := NewRoster()
	r.Seed([]panel.Agent{{ID: 1, PhoneNumber: "100"}, {ID: 2, PhoneNumber: "200"}})

	_, p1, ok := r.Acquire(nil)
	if !ok {
		t.Fatal("first acquire failed")
	}
	_, p2, ok := r.Acquire(nil)
	if !ok || p2 == p1 {
		t.Fatalf("second acquire = %q/%v", p2, ok)
	}
	if _, _, ok := r.Acquire(nil); ok {
		t.Error("acquire succeeded with every agent busy")
	}
	r.Release(p1)
	if _, got, ok := r.Acquire(nil); !ok || got != p1 {
		t.Errorf("acquire after release = %q/%v, want %q", got, ok, p1)
	}
}

func TestRosterUpdatePreservesBusy(t *testing.T) {
	r := NewRoster()
	r.Seed([]panel.Agent{{PhoneNumber: "100"}})
	if _, _, ok := r.Acquire(nil); !ok {
		t.Fatal("acquire failed")
	}

	r.Update([]panel.Agent{{ID: 5, PhoneNumber: "100"}, {ID: 6, PhoneNumber: "200"}})
	if _, phone, ok := r.Acquire(nil); !ok || phone != "200" {
		t.Errorf("acquire = %q/%v, want 200 (100 still busy)", phone, ok)
	}

	// An empty panel list keeps the current roster.
	r.Update(nil)
	if got := len(r.Snapshot()); got != 2 {
		t.Errorf("roster size after empty update = %d", got)
	}
}

func TestTransferToOperatorSuccess(t *testing.T) {
	eng, m, f, _, _ := newTestEngine(t)
	s := newTestSession(m)
	sc := eng.scenarios.Get("survey")
	st, _ := findStep(sc, "transfer")

	type result struct {
		next string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		next, err := eng.stepTransferToOperator(s, sc, st)
		done <- result{next, err}
	}()

	// The operator signal is registered before origination, so once the
	// originate call lands at the fake server the waiter exists.
	deadline := time.Now().Add(2 * time.Second)
	for !f.sawCall("POST /channels") {
		if time.Now().After(deadline) {
			t.Fatal("operator leg never originated")
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.FireOperator(true, "")

	select {
	case r := <-done:
		if r.err != nil || r.next != "done" {
			t.Fatalf("transfer = %q, %v", r.next, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transfer did not complete")
	}
	if s.Result() != report.ResultConnectedToOperator {
		t.Errorf("result = %q", s.Result())
	}
	if s.Meta("operator_phone") != "1001" {
		t.Errorf("operator_phone = %q", s.Meta("operator_phone"))
	}
	// The busy flag must be released once the transfer settles.
	if _, _, ok := eng.outboundAgents.Acquire(nil); !ok {
		t.Error("agent still busy after transfer")
	}
}

func TestTransferToOperatorNoAgents(t *testing.T) {
	eng, m, _, _, _ := newTestEngine(t)
	eng.outboundAgents = NewRoster()
	s := newTestSession(m)
	sc := eng.scenarios.Get("survey")
	st, _ := findStep(sc, "transfer")

	next, err := eng.stepTransferToOperator(s, sc, st)
	if err != nil || next != "bye" {
		t.Errorf("transfer with empty roster = %q, %v", next, err)
	}
}

func TestSessionEndedReportsOnce(t *testing.T) {
	eng, m, _, pc, _ := newTestEngine(t)
	s := newTestSession(m)
	s.SetResult(report.ResultConnectedToOperator)
	s.AddResponse("classify", "yes I am interested")
	s.SetMeta("operator_phone", "1001")

	eng.SessionEnded(s)
	eng.SessionEnded(s)

	if pc.count() != 1 {
		t.Fatalf("reports sent = %d, want 1", pc.count())
	}
	rep := pc.last()
	if rep.Status != report.StatusConnected {
		t.Errorf("status = %q", rep.Status)
	}
	if rep.NumberID != 7 || rep.PhoneNumber != "09121234567" {
		t.Errorf("contact = %d/%q", rep.NumberID, rep.PhoneNumber)
	}
	if rep.UserMessage != "yes I am interested" {
		t.Errorf("user_message = %q", rep.UserMessage)
	}
	if rep.AgentPhone != "1001" {
		t.Errorf("agent_phone = %q", rep.AgentPhone)
	}
}

func TestSessionEndedSkipsTranscriptForMissed(t *testing.T) {
	eng, m, _, pc, _ := newTestEngine(t)
	s := m.CreateOutbound("line-a", 9, "09121234567", "", "survey")
	s.SetResult(report.ResultMissed)
	s.AddResponse("classify", "should not appear")

	eng.SessionEnded(s)

	if pc.count() != 1 {
		t.Fatalf("reports sent = %d", pc.count())
	}
	rep := pc.last()
	if rep.Status != report.StatusMissed {
		t.Errorf("status = %q", rep.Status)
	}
	if rep.UserMessage != "" {
		t.Errorf("transcript attached to missed call: %q", rep.UserMessage)
	}
}

func TestHandleQuotaPausesAndReports(t *testing.T) {
	eng, m, _, _, pauser := newTestEngine(t)
	s := newTestSession(m)

	eng.handleQuota(s, report.ResultSTTQuota)

	pauser.mu.Lock()
	defer pauser.mu.Unlock()
	if len(pauser.reasons) != 1 || pauser.reasons[0] != report.ResultSTTQuota {
		t.Errorf("pauser reasons = %v", pauser.reasons)
	}
	if s.Result() != report.ResultSTTQuota {
		t.Errorf("result = %q", s.Result())
	}
	select {
	case <-s.Context().Done():
	default:
		t.Error("session not cleaned up")
	}
}

func TestWalkFinishesSessionOnMissingEdge(t *testing.T) {
	eng, m, f, _, _ := newTestEngine(t)
	s := newTestSession(m)
	m.TrackChannel(s.ID, "cust-1")
	f.setFailRecord(true)

	// A record step with no failure edge: when the recording cannot
	// start, the flow has nowhere to go and must end the call rather
	// than leave it up with no flow driving it.
	sc := &scenario.Scenario{
		Name: "broken",
		STT:  scenario.STTSettings{MaxDuration: 1, MaxSilence: 1},
		Flow: []scenario.Step{
			{ID: "start", Type: scenario.StepEntry, Next: "rec"},
			{ID: "rec", Type: scenario.StepRecord, Next: "done"},
		},
	}

	eng.walk(s, sc, false)

	if !s.Ended() {
		t.Fatal("session still live after flow dead end")
	}
	if got := s.Result(); got != "failed:flow" {
		t.Errorf("result = %q, want failed:flow", got)
	}
	if m.Count() != 0 {
		t.Errorf("session count = %d after dead end", m.Count())
	}
	if !f.sawCall("DELETE /channels/cust-1") {
		t.Error("customer leg not hung up")
	}
}

func TestUpdateScenariosRemembersIDs(t *testing.T) {
	eng, _, _, _, _ := newTestEngine(t)
	eng.UpdateScenarios([]panel.ScenarioRef{{ID: 42, Name: "survey"}})
	if got := eng.scenarioIDs.lookup("survey"); got != 42 {
		t.Errorf("scenario id = %d", got)
	}
	if eng.NextOutboundScenario() == nil {
		t.Error("no outbound scenario after update")
	}
}

func findStep(sc *scenario.Scenario, id string) (*scenario.Step, bool) {
	st := sc.Step(id, false)
	return st, st != nil
}

package scenario

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
name: survey
display_name: Customer Survey
company: acme
transfer_to_operator: true
prompts:
  greeting: sound:custom/survey_greeting
  goodbye: sound:custom/survey_goodbye
stt:
  hotwords: ["yes", "no"]
llm:
  intent_categories: [interested, not_interested, unknown]
  fallback_tokens:
    interested: ["yes", "sure"]
    not_interested: ["no"]
flow:
  - step: entry
    type: entry
    next: greet
  - step: greet
    type: play_prompt
    prompt: greeting
    next: listen
  - step: listen
    type: record
    next: classify
    on_empty: retry_check
    on_failure: bye
  - step: retry_check
    type: check_retry_limit
    counter: empty_audio
    max_count: 2
    within_limit: greet
    exceeded: bye
  - step: classify
    type: classify_intent
    next: route
    on_failure: bye
  - step: route
    type: route_by_intent
    routes:
      interested: transfer
      not_interested: bye
      unknown: bye
  - step: transfer
    type: transfer_to_operator
    agent_type: outbound
    on_success: done
    on_failure: bye
  - step: done
    type: set_result
    result: CONNECTED
    next: hang
  - step: bye
    type: play_prompt
    prompt: goodbye
    next: hang
  - step: hang
    type: hangup
inbound_flow:
  - step: entry
    type: entry
    next: hang
  - step: hang
    type: hangup
`

func writeScenario(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "survey.yaml", sampleYAML)

	reg, err := LoadRegistry(dir, "acme", testLogger())
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	sc := reg.Get("survey")
	if sc == nil {
		t.Fatal("scenario survey not loaded")
	}
	if sc.DisplayName != "Customer Survey" {
		t.Errorf("display name = %q", sc.DisplayName)
	}
	if !sc.TransferToOperator {
		t.Error("transfer_to_operator not parsed")
	}
	if !sc.HasInboundFlow() {
		t.Error("inbound flow not detected")
	}
	if sc.STT.MaxDuration != 10 || sc.STT.MaxSilence != 2 {
		t.Errorf("STT defaults not applied: %+v", sc.STT)
	}
	if got := sc.Media("greeting"); got != "sound:custom/survey_greeting" {
		t.Errorf("Media(greeting) = %q", got)
	}
	if got := sc.Media("unlisted"); got != "sound:custom/unlisted" {
		t.Errorf("Media fallback = %q", got)
	}

	entry := sc.EntryStep(false)
	if entry == nil || entry.ID != "entry" {
		t.Fatalf("entry step = %+v", entry)
	}
	if st := sc.Step("route", false); st == nil || st.Routes["interested"] != "transfer" {
		t.Errorf("route step lookup failed: %+v", st)
	}
}

func TestLoadRegistrySkipsOtherCompany(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "survey.yaml", sampleYAML)

	_, err := LoadRegistry(dir, "globex", testLogger())
	if err == nil {
		t.Fatal("expected error when every scenario belongs to another company")
	}
}

func TestLoadRegistryRejectsDanglingEdge(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "broken.yaml", `
name: broken
flow:
  - step: entry
    type: entry
    next: nowhere
`)
	if _, err := LoadRegistry(dir, "", testLogger()); err == nil {
		t.Fatal("expected error for dangling edge")
	}
}

func TestLoadRegistryRequiresFailureEdges(t *testing.T) {
	dir := t.TempDir()
	// A record step without on_failure would leave the call up when the
	// recording cannot start.
	writeScenario(t, dir, "deadend.yaml", `
name: deadend
flow:
  - step: entry
    type: entry
    next: listen
  - step: listen
    type: record
    next: hang
  - step: hang
    type: hangup
`)
	if _, err := LoadRegistry(dir, "", testLogger()); err == nil {
		t.Fatal("expected error for record step without on_failure")
	}
}

func TestRoundRobin(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a.yaml", `
name: a
flow:
  - step: entry
    type: entry
    next: hang
  - step: hang
    type: hangup
`)
	writeScenario(t, dir, "b.yaml", `
name: b
flow:
  - step: entry
    type: entry
    next: hang
  - step: hang
    type: hangup
inbound_flow:
  - step: entry
    type: entry
    next: hang
  - step: hang
    type: hangup
`)

	reg, err := LoadRegistry(dir, "", testLogger())
	if err != nil {
		t.Fatal(err)
	}

	got := []string{reg.NextOutbound().Name, reg.NextOutbound().Name, reg.NextOutbound().Name}
	want := []string{"a", "b", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("outbound round-robin[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Only b has an inbound flow.
	for i := 0; i < 3; i++ {
		if sc := reg.NextInbound(); sc == nil || sc.Name != "b" {
			t.Fatalf("inbound pick %d = %+v, want b", i, sc)
		}
	}
}

func TestSetEnabled(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a.yaml", `
name: a
flow:
  - step: entry
    type: entry
    next: hang
  - step: hang
    type: hangup
`)
	writeScenario(t, dir, "b.yaml", `
name: b
flow:
  - step: entry
    type: entry
    next: hang
  - step: hang
    type: hangup
`)

	reg, err := LoadRegistry(dir, "", testLogger())
	if err != nil {
		t.Fatal(err)
	}

	reg.SetEnabled([]string{"b", "phantom"})
	for i := 0; i < 3; i++ {
		if sc := reg.NextOutbound(); sc.Name != "b" {
			t.Fatalf("expected only b after SetEnabled, got %q", sc.Name)
		}
	}

	// A fully unknown set leaves the previous selection in place.
	reg.SetEnabled([]string{"phantom"})
	if sc := reg.NextOutbound(); sc.Name != "b" {
		t.Fatalf("unknown active set should not clear selection, got %q", sc.Name)
	}
}

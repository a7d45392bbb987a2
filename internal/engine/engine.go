// Package engine interprets scenario flows over live sessions. Each
// session's flow runs in its own goroutine and suspends on signals fired
// by the session manager when telephony events arrive.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

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

// playbackWatchdog caps the wait for a PlaybackFinished event. The
// telephony API does not expose a prompt's duration before playback, so
// this is sized to the longest prompt in use plus a few seconds; past
// that the event is considered lost.
const playbackWatchdog = 30 * time.Second

// recordingGrace is added on top of max_duration + max_silence when
// waiting for a recording to finish.
const recordingGrace = 10 * time.Second

// Pauser lets the engine trip the dialer's pause on quota exhaustion.
type Pauser interface {
	PauseWithAlert(reason string)
}

// Engine walks scenario flows. It implements session.Hooks.
type Engine struct {
	cfg       *config.Config
	ari       *ari.Client
	sessions  *session.Manager
	scenarios *scenario.Registry
	stt       *stt.Client
	llm       *llm.Client
	panel     *panel.Client
	pauser    Pauser
	logs      *logging.Set
	logger    *slog.Logger

	inboundAgents  *Roster
	outboundAgents *Roster
	scenarioIDs    *scenarioIDMap

	statsMu      sync.Mutex
	resultCounts map[string]uint64
	sttFailures  atomic.Uint64
	llmFailures  atomic.Uint64
}

func New(
	cfg *config.Config,
	client *ari.Client,
	sessions *session.Manager,
	scenarios *scenario.Registry,
	sttClient *stt.Client,
	llmClient *llm.Client,
	panelClient *panel.Client,
	logs *logging.Set,
) *Engine {
	e := &Engine{
		cfg:            cfg,
		ari:            client,
		sessions:       sessions,
		scenarios:      scenarios,
		stt:            sttClient,
		llm:            llmClient,
		panel:          panelClient,
		logs:           logs,
		logger:         logs.App.With("subsystem", "flow_engine"),
		inboundAgents:  NewRoster(),
		outboundAgents: NewRoster(),
		scenarioIDs:    newScenarioIDMap(),
		resultCounts:   make(map[string]uint64),
	}
	// The static operator endpoints are the roster of last resort until
	// the panel supplies real agents.
	var seed []panel.Agent
	if cfg.Operator.Extension != "" {
		seed = append(seed, panel.Agent{PhoneNumber: cfg.Operator.Extension})
	}
	for _, mobile := range cfg.Operator.MobileNumbers {
		seed = append(seed, panel.Agent{PhoneNumber: mobile})
	}
	if len(seed) > 0 {
		e.inboundAgents.Seed(seed)
		e.outboundAgents.Seed(seed)
	}
	return e
}

// SetPauser wires in the dialer after construction.
func (e *Engine) SetPauser(p Pauser) { e.pauser = p }

// UpdateAgents replaces both rosters from a panel batch. Empty lists
// leave the current roster untouched.
func (e *Engine) UpdateAgents(inbound, outbound []panel.Agent) {
	e.inboundAgents.Update(inbound)
	e.outboundAgents.Update(outbound)
}

// UpdateScenarios narrows the active scenario set and remembers the
// panel's scenario ids for reporting.
func (e *Engine) UpdateScenarios(refs []panel.ScenarioRef) {
	if len(refs) == 0 {
		return
	}
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}
	e.scenarios.SetEnabled(names)
	e.scenarioIDs.update(refs)
}

// NextOutboundScenario picks the scenario for the next outbound contact.
func (e *Engine) NextOutboundScenario() *scenario.Scenario {
	return e.scenarios.NextOutbound()
}

// RunOutbound implements session.Hooks for an answered outbound call.
func (e *Engine) RunOutbound(s *session.Session) {
	sc := e.scenarios.Get(s.Scenario())
	if sc == nil {
		e.logger.Error("session references unknown scenario", "session_id", s.ID, "scenario", s.Scenario())
		s.SetResult("failed:no_scenario")
		e.sessions.Cleanup(s, "unknown scenario")
		return
	}
	e.walk(s, sc, false)
}

// RunInbound implements session.Hooks for an accepted inbound call.
// Calls fall back to the direct-to-agent path when no loaded scenario
// declares an inbound flow.
func (e *Engine) RunInbound(s *session.Session) {
	sc := e.scenarios.NextInbound()
	if sc == nil {
		e.runInboundDirect(s)
		return
	}
	s.SetScenario(sc.Name)
	e.walk(s, sc, true)
}

// walk advances the flow step by step until a terminal step, an
// unrecoverable error or session cancellation.
func (e *Engine) walk(s *session.Session, sc *scenario.Scenario, inbound bool) {
	step := sc.EntryStep(inbound)
	if step == nil {
		e.logger.Error("scenario has no entry step", "session_id", s.ID, "scenario", sc.Name)
		e.finish(s, "no entry step")
		return
	}

	e.logger.Info("starting flow",
		"session_id", s.ID, "scenario", sc.Name, "inbound", inbound)

	for {
		select {
		case <-s.Context().Done():
			e.logger.Debug("flow cancelled", "session_id", s.ID, "step", step.ID)
			return
		default:
		}

		e.logger.Debug("executing step",
			"session_id", s.ID, "step", step.ID, "type", step.Type)

		nextID, err := e.executeStep(s, sc, step, inbound)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			e.logger.Error("step failed",
				"session_id", s.ID, "step", step.ID, "type", step.Type, "error", err)
			e.finish(s, "step failed")
			return
		}
		if nextID == "" {
			// Terminal steps finish the session before returning "". An
			// empty failure edge must not strand a live call.
			if !s.Ended() {
				e.logger.Warn("flow dead-ended with the call live",
					"session_id", s.ID, "step", step.ID, "type", step.Type)
				s.SetResultIfEmpty("failed:flow")
				e.finish(s, "flow dead end")
			}
			return
		}
		next := sc.Step(nextID, inbound)
		if next == nil {
			e.logger.Error("flow references missing step",
				"session_id", s.ID, "from", step.ID, "to", nextID)
			e.finish(s, "missing step")
			return
		}
		step = next
	}
}

// executeStep dispatches one step and returns the id of the next step,
// or "" for terminal steps.
func (e *Engine) executeStep(s *session.Session, sc *scenario.Scenario, st *scenario.Step, inbound bool) (string, error) {
	switch st.Type {
	case scenario.StepEntry:
		return st.Next, nil
	case scenario.StepPlayPrompt:
		return e.stepPlayPrompt(s, sc, st)
	case scenario.StepRecord:
		return e.stepRecord(s, sc, st)
	case scenario.StepClassifyIntent:
		return e.stepClassifyIntent(s, sc, st)
	case scenario.StepRouteByIntent:
		return e.stepRouteByIntent(s, st)
	case scenario.StepCheckRetryLimit:
		return e.stepCheckRetryLimit(s, st)
	case scenario.StepSetResult:
		s.SetResult(st.Result)
		return st.Next, nil
	case scenario.StepTransferToOperator:
		return e.stepTransferToOperator(s, sc, st)
	case scenario.StepDisconnect:
		s.SetResultIfEmpty(report.ResultDisconnected)
		e.finish(s, "disconnect step")
		return "", nil
	case scenario.StepHangup:
		s.SetResultIfEmpty(report.ResultHangup)
		e.finish(s, "hangup step")
		return "", nil
	case scenario.StepWait:
		// Park until the call ends; used by inbound direct bridging.
		<-s.Context().Done()
		return "", nil
	default:
		return "", fmt.Errorf("unknown step type %q", st.Type)
	}
}

// stepPlayPrompt plays a prompt on the session bridge and waits for the
// playback to finish. Failures fall through to on_failure when declared,
// otherwise to next.
func (e *Engine) stepPlayPrompt(s *session.Session, sc *scenario.Scenario, st *scenario.Step) (string, error) {
	media := sc.Media(st.Prompt)

	pb, err := e.ari.PlayOnBridge(s.Context(), s.Bridge(), media)
	if err != nil {
		e.logger.Warn("playback start failed",
			"session_id", s.ID, "media", media, "error", err)
		if st.OnFailure != "" {
			return st.OnFailure, nil
		}
		return st.Next, nil
	}
	e.sessions.TrackPlayback(s.ID, pb.ID)
	wait := s.ExpectPlayback(pb.ID)

	select {
	case <-wait:
	case <-time.After(playbackWatchdog):
		e.logger.Warn("playback watchdog fired", "session_id", s.ID, "playback", pb.ID)
		_ = e.ari.StopPlayback(context.Background(), pb.ID)
	case <-s.Context().Done():
		_ = e.ari.StopPlayback(context.Background(), pb.ID)
		return "", context.Canceled
	}
	return st.Next, nil
}

// stepRecord records the caller, fetches and enhances the audio, and
// applies the empty pre-filter before any transcription money is spent.
func (e *Engine) stepRecord(s *session.Session, sc *scenario.Scenario, st *scenario.Step) (string, error) {
	name := "rec-" + s.ID + "-" + uuid.NewString()[:8]
	maxDuration := sc.STT.MaxDuration
	maxSilence := sc.STT.MaxSilence

	// Register interest before starting: the name is client-chosen so
	// the finished event can never race past the wait.
	wait := s.ExpectRecording(name)
	e.sessions.TrackRecording(s.ID, name)

	if _, err := e.ari.RecordChannel(s.Context(), s.CustomerChannel(), name, maxDuration, maxSilence); err != nil {
		e.logger.Warn("recording start failed", "session_id", s.ID, "error", err)
		return st.OnFailure, nil
	}
	s.SetLiveRecording(name)

	watchdog := time.Duration(maxDuration+maxSilence)*time.Second + recordingGrace
	var sig session.Signal
	select {
	case sig = <-wait:
	case <-time.After(watchdog):
		e.logger.Warn("recording watchdog fired", "session_id", s.ID, "recording", name)
		return st.OnFailure, nil
	case <-s.Context().Done():
		return "", context.Canceled
	}
	if !sig.OK {
		e.logger.Warn("recording failed", "session_id", s.ID, "cause", sig.Cause)
		return st.OnFailure, nil
	}

	ctx, cancel := context.WithTimeout(s.Context(), e.cfg.Timeouts.ARI)
	raw, err := e.ari.FetchStoredRecording(ctx, name)
	cancel()
	if err != nil {
		e.logger.Warn("fetching recording failed", "session_id", s.ID, "error", err)
		return st.OnFailure, nil
	}

	enhanced, err := stt.Enhance(s.Context(), raw, e.cfg.AudioArchive, name)
	if err != nil {
		e.logger.Warn("audio enhancement failed, using raw recording",
			"session_id", s.ID, "error", err)
		enhanced = raw
	}

	if stt.IsEmptyAudio(enhanced) {
		e.logger.Info("recording empty", "session_id", s.ID, "recording", name)
		if st.OnEmpty != "" {
			return st.OnEmpty, nil
		}
		return st.OnFailure, nil
	}

	s.SetAudio(enhanced)
	return st.Next, nil
}

// stepRouteByIntent branches on the stored intent; unmatched intents
// take the declared unknown route or end the call.
func (e *Engine) stepRouteByIntent(s *session.Session, st *scenario.Step) (string, error) {
	intent := s.Intent()
	if intent == "" {
		intent = "unknown"
	}
	if target, ok := st.Routes[intent]; ok {
		return target, nil
	}
	if target, ok := st.Routes["unknown"]; ok {
		return target, nil
	}
	e.logger.Warn("no route for intent", "session_id", s.ID, "intent", intent, "step", st.ID)
	s.SetResultIfEmpty(report.ResultUnknown)
	e.finish(s, "unrouted intent")
	return "", nil
}

func (e *Engine) stepCheckRetryLimit(s *session.Session, st *scenario.Step) (string, error) {
	counter := st.Counter
	if counter == "" {
		counter = "retry_count"
	}
	limit := st.MaxCount
	if limit <= 0 {
		limit = 1
	}
	count := s.IncrCounter(counter)
	if count <= limit && st.WithinLimit != "" {
		return st.WithinLimit, nil
	}
	return st.Exceeded, nil
}

// finish hangs up the customer and runs cleanup.
func (e *Engine) finish(s *session.Session, reason string) {
	e.sessions.HangupCustomer(s)
	e.sessions.Cleanup(s, reason)
}

// handleQuota trips the campaign-wide pause and terminates the session.
func (e *Engine) handleQuota(s *session.Session, resultCode string) {
	e.logger.Error("service quota exhausted", "session_id", s.ID, "result", resultCode)
	s.SetResult(resultCode)
	if e.pauser != nil {
		e.pauser.PauseWithAlert(resultCode)
	}
	e.finish(s, "quota exhausted")
}

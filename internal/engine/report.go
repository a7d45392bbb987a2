package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/dialflow/dialflow/internal/panel"
	"github.com/dialflow/dialflow/internal/report"
	"github.com/dialflow/dialflow/internal/session"
)

const reportTimeout = 15 * time.Second

// SessionEnded implements session.Hooks. It translates the session's
// internal result into the panel vocabulary and sends the outcome
// report exactly once per status.
func (e *Engine) SessionEnded(s *session.Session) {
	result := s.Result()
	tr := report.Translate(result, s.InboundDirect())

	if !s.MarkReported(tr.Status) {
		return
	}

	e.statsMu.Lock()
	e.resultCounts[tr.Status]++
	e.statsMu.Unlock()

	e.logger.Info("session ended",
		"session_id", s.ID, "direction", s.Direction,
		"result", result, "status", tr.Status, "number", s.Number)

	if e.panel == nil {
		return
	}
	if s.ContactID == 0 && s.Number == "" {
		// Nothing the panel could match this report against.
		return
	}

	rep := panel.Report{
		NumberID:    s.ContactID,
		PhoneNumber: s.Number,
		Status:      tr.Status,
		Reason:      tr.Reason,
		AttemptedAt: attemptedAt(s).Format(time.RFC3339),
		BatchID:     s.BatchID,
		ScenarioID:  e.scenarioIDs.lookup(s.Scenario()),
		AgentPhone:  s.Meta("operator_phone"),
	}
	if id, err := strconv.ParseInt(s.Meta("operator_agent_id"), 10, 64); err == nil {
		rep.AgentID = id
	}
	if tr.AttachTranscript {
		if resp, ok := s.LastResponse(); ok {
			rep.UserMessage = resp.Text
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	e.panel.ReportResult(ctx, rep)
}

func attemptedAt(s *session.Session) time.Time {
	if !s.AttemptedAt.IsZero() {
		return s.AttemptedAt
	}
	return s.CreatedAt
}

// ResultCounts returns cumulative session outcomes by panel status.
func (e *Engine) ResultCounts() map[string]uint64 {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := make(map[string]uint64, len(e.resultCounts))
	for k, v := range e.resultCounts {
		out[k] = v
	}
	return out
}

func (e *Engine) STTFailures() uint64 { return e.sttFailures.Load() }

func (e *Engine) LLMFailures() uint64 { return e.llmFailures.Load() }

package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/dialflow/dialflow/internal/ari"
	"github.com/dialflow/dialflow/internal/report"
	"github.com/dialflow/dialflow/internal/scenario"
	"github.com/dialflow/dialflow/internal/session"
)

// onholdMedia is played on the bridge while the operator leg rings.
const onholdMedia = "sound:custom/onhold"

// stepTransferToOperator bridges the caller to a live operator. Agents
// are tried round-robin; an agent that fails to answer is skipped and
// the next untried one is dialed until the roster is exhausted.
func (e *Engine) stepTransferToOperator(s *session.Session, sc *scenario.Scenario, st *scenario.Step) (string, error) {
	roster := e.outboundAgents
	if st.AgentType == "inbound" {
		roster = e.inboundAgents
	}

	// Keep the caller entertained while the operator leg rings.
	if bridge := s.Bridge(); bridge != "" {
		if pb, err := e.ari.PlayOnBridge(s.Context(), bridge, onholdMedia); err == nil {
			e.sessions.TrackPlayback(s.ID, pb.ID)
			defer e.ari.StopPlayback(context.Background(), pb.ID)
		}
	}

	tried := make(map[string]bool)
	for {
		agentID, agentPhone, ok := roster.Acquire(tried)
		if !ok {
			e.logger.Warn("no operator available", "session_id", s.ID, "tried", len(tried))
			return st.OnFailure, nil
		}
		tried[agentPhone] = true

		connected, err := e.dialOperator(s, agentID, agentPhone)
		roster.Release(agentPhone)
		if err != nil {
			return "", err
		}
		if connected {
			s.SetResult(report.ResultConnectedToOperator)
			s.SetMeta("operator_agent_id", strconv.FormatInt(agentID, 10))
			s.SetMeta("operator_phone", agentPhone)
			return st.OnSuccess, nil
		}
		e.logger.Info("operator did not answer, trying next",
			"session_id", s.ID, "agent", agentPhone)
	}
}

// dialOperator originates one operator leg and waits for it to answer.
// Returns false when the agent did not pick up in time.
func (e *Engine) dialOperator(s *session.Session, agentID int64, agentPhone string) (bool, error) {
	callerID := s.Number
	if callerID == "" {
		callerID = e.cfg.Operator.CallerID
	}

	endpoint := "PJSIP/" + agentPhone
	if e.cfg.Operator.Trunk != "" {
		endpoint += "@" + e.cfg.Operator.Trunk
	}

	wait := s.ExpectOperator()

	timeout := time.Duration(e.cfg.Operator.Timeout) * time.Second
	ctx, cancel := context.WithTimeout(s.Context(), e.cfg.Timeouts.ARI)
	ch, err := e.ari.Originate(ctx, ari.OriginateRequest{
		Endpoint: endpoint,
		AppArgs:  "operator," + s.ID,
		CallerID: callerID,
		Timeout:  int(timeout.Seconds()),
	})
	cancel()
	if err != nil {
		e.logger.Warn("operator origination failed",
			"session_id", s.ID, "agent", agentPhone, "error", err)
		s.ForgetOperator()
		return false, nil
	}
	e.sessions.TrackChannel(s.ID, ch.ID)

	select {
	case sig := <-wait:
		if sig.OK {
			e.logger.Info("operator connected",
				"session_id", s.ID, "agent", agentPhone, "agent_id", agentID)
			return true, nil
		}
		return false, nil
	case <-time.After(timeout):
		e.logger.Warn("operator answer timed out", "session_id", s.ID, "agent", agentPhone)
		s.ForgetOperator()
		hangCtx, hangCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.ari.Hangup(hangCtx, ch.ID)
		hangCancel()
		return false, nil
	case <-s.Context().Done():
		hangCtx, hangCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.ari.Hangup(hangCtx, ch.ID)
		hangCancel()
		return false, context.Canceled
	}
}

// runInboundDirect connects an inbound caller straight to an inbound
// agent when no scenario declares an inbound flow.
func (e *Engine) runInboundDirect(s *session.Session) {
	s.MarkInboundDirect()
	e.logger.Info("inbound direct to agent", "session_id", s.ID, "caller", s.Number)

	st := &scenario.Step{
		Type:      scenario.StepTransferToOperator,
		AgentType: "inbound",
	}
	sc := &scenario.Scenario{Name: "inbound-direct"}

	if _, err := e.stepTransferToOperator(s, sc, st); err != nil {
		return
	}
	if s.Result() == report.ResultConnectedToOperator {
		// Connected; idle until either side hangs up.
		s.SetResult(report.ResultInboundCall)
		<-s.Context().Done()
		return
	}
	s.SetResultIfEmpty(report.ResultDisconnected)
	e.finish(s, "no inbound agent available")
}

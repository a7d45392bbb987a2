package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dialflow/dialflow/internal/ari"
	"github.com/dialflow/dialflow/internal/logging"
	"github.com/dialflow/dialflow/internal/report"
)

// LineUnmapped is the synthetic line assigned to inbound calls whose
// DID matches no configured outbound number. It carries only global
// limits.
const LineUnmapped = "unmapped"

// inboundWaitTimeout bounds how long a queued inbound call waits for
// line capacity before being dropped.
const inboundWaitTimeout = 30 * time.Second

// Hooks is implemented by the flow engine. The manager calls them from
// dedicated goroutines; they may block.
type Hooks interface {
	// RunOutbound drives the outbound scenario for an answered call.
	RunOutbound(s *Session)
	// RunInbound drives the inbound scenario (or direct-to-agent).
	RunInbound(s *Session)
	// SessionEnded emits the final panel report after cleanup.
	SessionEnded(s *Session)
}

// LineRegistry is implemented by the dialer, which owns line counters.
type LineRegistry interface {
	// MatchLine resolves an inbound DID to a configured line by its
	// last four digits.
	MatchLine(did string) (line string, ok bool)
	// InboundStarted reserves capacity on a line; false means the line
	// is saturated and the call must queue.
	InboundStarted(line string) bool
	InboundEnded(line string)
	// OutboundEnded releases the line and feeds the result into the
	// dialer's failure accounting.
	OutboundEnded(line string, result string)
}

// Manager owns the session table and is the sole consumer of the event
// stream. Events are applied through per-session serial queues: the
// stream hands events over in read order, HandleEvent enqueues without
// blocking, and one drain goroutine per session applies them in that
// order. Only events for different sessions run concurrently.
type Manager struct {
	ari    *ari.Client
	logs   *logging.Set
	logger *slog.Logger

	hooks Hooks
	lines LineRegistry

	ctx context.Context

	mu          sync.Mutex
	sessions    map[string]*Session
	byChannel   map[string]string
	byPlayback  map[string]string
	byRecording map[string]string
	waitq       map[string][]chan struct{}
	queues      map[string][]*ari.Event
}

func NewManager(ctx context.Context, client *ari.Client, logs *logging.Set, logger *slog.Logger) *Manager {
	return &Manager{
		ari:         client,
		logs:        logs,
		logger:      logger.With("subsystem", "sessions"),
		ctx:         ctx,
		sessions:    make(map[string]*Session),
		byChannel:   make(map[string]string),
		byPlayback:  make(map[string]string),
		byRecording: make(map[string]string),
		waitq:       make(map[string][]chan struct{}),
		queues:      make(map[string][]*ari.Event),
	}
}

// SetHooks wires the flow engine in after construction (the engine
// needs the manager to exist first).
func (m *Manager) SetHooks(h Hooks) { m.hooks = h }

// SetLines wires the dialer's line registry in after construction.
func (m *Manager) SetLines(l LineRegistry) { m.lines = l }

// Get returns a session by id.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// InboundQueued reports whether inbound calls are waiting for capacity
// on the line. The dialer must not originate on such a line.
func (m *Manager) InboundQueued(line string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waitq[line]) > 0
}

// CreateOutbound allocates a session before origination so the
// StasisStart event for the new channel can find it by app args.
func (m *Manager) CreateOutbound(line string, contactID int64, number, batchID, scenarioName string) *Session {
	s := New(m.ctx, DirectionOutbound, line)
	s.ContactID = contactID
	s.Number = NormalizeNumber(number)
	s.BatchID = batchID
	s.AttemptedAt = time.Now()
	s.SetScenario(scenarioName)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("outbound session created",
		"session_id", s.ID, "line", line, "number", s.Number, "scenario", scenarioName)
	return s
}

// TrackChannel indexes a channel id to its session.
func (m *Manager) TrackChannel(sessionID, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byChannel[channelID] = sessionID
}

// TrackPlayback indexes a started playback to its session.
func (m *Manager) TrackPlayback(sessionID, playbackID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPlayback[playbackID] = sessionID
}

// TrackRecording indexes a started recording to its session.
func (m *Manager) TrackRecording(sessionID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRecording[name] = sessionID
}

func (m *Manager) sessionForEvent(evt *ari.Event) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id := evt.ChannelID(); id != "" {
		if sid, ok := m.byChannel[id]; ok {
			return m.sessions[sid]
		}
	}
	if id := evt.PlaybackID(); id != "" {
		if sid, ok := m.byPlayback[id]; ok {
			return m.sessions[sid]
		}
	}
	if name := evt.RecordingName(); name != "" {
		if sid, ok := m.byRecording[name]; ok {
			return m.sessions[sid]
		}
	}
	return nil
}

// HandleEvent implements ari.EventHandler. The stream calls it on the
// reader goroutine in stream order, so it must not block: events are
// queued per session and applied by a drain goroutine, one per session,
// preserving stream order within each session.
func (m *Manager) HandleEvent(evt *ari.Event) {
	key := m.queueKey(evt)
	if key == "" {
		// Nothing to serialize against (unknown channel, noise events).
		m.apply(evt)
		return
	}
	m.mu.Lock()
	q, running := m.queues[key]
	m.queues[key] = append(q, evt)
	m.mu.Unlock()
	if !running {
		go m.drain(key)
	}
}

// queueKey resolves the serialization key for an event: the session it
// belongs to, or the channel ID for channels not yet attached to one so
// that attach and teardown for the same channel cannot race.
func (m *Manager) queueKey(evt *ari.Event) string {
	if evt.Type == ari.EventStasisStart {
		if len(evt.Args) >= 2 && (evt.Args[0] == "outbound" || evt.Args[0] == "operator") {
			return evt.Args[1]
		}
	}
	if s := m.sessionForEvent(evt); s != nil {
		return s.ID
	}
	if evt.Peer != nil && evt.Peer.ID != "" {
		m.mu.Lock()
		sid, ok := m.byChannel[evt.Peer.ID]
		m.mu.Unlock()
		if ok {
			return sid
		}
	}
	return evt.ChannelID()
}

// drain applies queued events for one key in order. Map presence marks
// the running drainer; the entry is removed only when the queue runs dry.
func (m *Manager) drain(key string) {
	for {
		m.mu.Lock()
		q := m.queues[key]
		if len(q) == 0 {
			delete(m.queues, key)
			m.mu.Unlock()
			return
		}
		evt := q[0]
		m.queues[key] = q[1:]
		m.mu.Unlock()
		m.apply(evt)
	}
}

func (m *Manager) apply(evt *ari.Event) {
	switch evt.Type {
	case ari.EventStasisStart:
		m.onStasisStart(evt)
	case ari.EventPlaybackFinished:
		if s := m.sessionForEvent(evt); s != nil {
			s.FirePlayback(evt.PlaybackID())
		}
	case ari.EventRecordingFinished:
		if s := m.sessionForEvent(evt); s != nil {
			s.SetLiveRecording("")
			s.FireRecording(evt.RecordingName(), true, "")
		}
	case ari.EventRecordingFailed:
		if s := m.sessionForEvent(evt); s != nil {
			s.SetLiveRecording("")
			cause := ""
			if evt.Recording != nil {
				cause = evt.Recording.Cause
			}
			s.FireRecording(evt.RecordingName(), false, cause)
		}
	case ari.EventDial:
		m.onDial(evt)
	case ari.EventChannelDestroyed, ari.EventChannelHangupRequest, ari.EventStasisEnd:
		m.onChannelGone(evt)
	case ari.EventChannelStateChange, ari.EventPlaybackStarted:
		// State-only noise; session state advances on the terminal events.
	default:
		m.logger.Debug("ignoring unknown event", "type", evt.Type)
	}
}

// onStasisStart attaches channels to sessions by app-args convention:
// "outbound,<session_id>" for the customer leg of an origination,
// "operator,<session_id>" for an operator leg, anything else is a fresh
// inbound call.
func (m *Manager) onStasisStart(evt *ari.Event) {
	if evt.Channel == nil {
		return
	}
	args := evt.Args
	if len(args) >= 2 && args[0] == "outbound" {
		m.attachOutbound(args[1], evt.Channel)
		return
	}
	if len(args) >= 2 && args[0] == "operator" {
		m.attachOperator(args[1], evt.Channel)
		return
	}
	m.startInbound(evt.Channel)
}

func (m *Manager) attachOutbound(sessionID string, ch *ari.Channel) {
	s := m.Get(sessionID)
	if s == nil {
		m.logger.Warn("outbound channel for unknown session", "session_id", sessionID, "channel", ch.ID)
		_ = m.ari.Hangup(context.Background(), ch.ID)
		return
	}
	s.SetCustomerChannel(ch.ID)
	s.MarkAnswered()
	m.TrackChannel(sessionID, ch.ID)

	if err := m.prepareBridge(s, ch.ID); err != nil {
		m.logger.Error("bridge setup failed", "session_id", s.ID, "error", err)
		s.SetResult("failed:bridge")
		m.Cleanup(s, "bridge setup failed")
		return
	}

	m.logger.Info("outbound call answered", "session_id", s.ID, "channel", ch.ID)
	go m.hooks.RunOutbound(s)
}

func (m *Manager) attachOperator(sessionID string, ch *ari.Channel) {
	s := m.Get(sessionID)
	if s == nil {
		m.logger.Warn("operator channel for unknown session", "session_id", sessionID, "channel", ch.ID)
		_ = m.ari.Hangup(context.Background(), ch.ID)
		return
	}
	s.SetOperatorChannel(ch.ID)
	s.MarkOperatorConnected()
	m.TrackChannel(sessionID, ch.ID)

	if bridge := s.Bridge(); bridge != "" {
		if err := m.ari.AddChannelToBridge(s.Context(), bridge, ch.ID); err != nil {
			m.logger.Error("adding operator to bridge failed", "session_id", s.ID, "error", err)
			s.FireOperator(false, "bridge add failed")
			return
		}
	}
	m.logger.Info("operator answered", "session_id", s.ID, "channel", ch.ID)
	s.FireOperator(true, "")
}

// startInbound answers a fresh inbound call, matches it to a line by
// the DID's last four digits, waits for capacity if the line is full,
// and hands the session to the inbound flow.
func (m *Manager) startInbound(ch *ari.Channel) {
	caller := NormalizeNumber(ch.Caller.Number)
	did := ch.Dialplan.Exten

	line := LineUnmapped
	if m.lines != nil {
		if matched, ok := m.lines.MatchLine(did); ok {
			line = matched
		}
	}

	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	err := m.ari.Answer(ctx, ch.ID)
	cancel()
	if err != nil {
		m.logger.Error("answering inbound failed", "channel", ch.ID, "error", err)
		return
	}

	// Forwarded calls carry the real subscriber number in the Diversion
	// or P-Asserted-Identity header; prefer it over the raw caller ID.
	if upgraded := m.inboundCallerOverride(ch.ID); upgraded != "" {
		caller = upgraded
	}

	if m.lines != nil && line != LineUnmapped && !m.lines.InboundStarted(line) {
		if !m.waitForLine(line, ch.ID) {
			m.logger.Warn("inbound call dropped waiting for line", "channel", ch.ID, "line", line)
			_ = m.ari.Hangup(context.Background(), ch.ID)
			return
		}
	}

	s := New(m.ctx, DirectionInbound, line)
	s.Number = caller
	s.AttemptedAt = time.Now()
	s.SetCustomerChannel(ch.ID)
	s.MarkAnswered()

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.byChannel[ch.ID] = s.ID
	m.mu.Unlock()

	if err := m.prepareBridge(s, ch.ID); err != nil {
		m.logger.Error("bridge setup failed", "session_id", s.ID, "error", err)
		s.SetResult("failed:bridge")
		m.Cleanup(s, "bridge setup failed")
		return
	}

	m.logger.Info("inbound call accepted",
		"session_id", s.ID, "caller", caller, "did", did, "line", line)
	go m.hooks.RunInbound(s)
}

// inboundCallerOverride reads SIP identity headers for a forwarded
// call. Returns "" when no header yields a usable number.
func (m *Manager) inboundCallerOverride(channelID string) string {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	for _, header := range []string{"Diversion", "P-Asserted-Identity"} {
		raw, err := m.ari.GetSIPHeader(ctx, channelID, header)
		if err != nil || raw == "" {
			continue
		}
		if n := NormalizeNumber(sipURIUser(raw)); n != "" {
			return n
		}
	}
	return ""
}

// sipURIUser extracts the user part of a SIP URI header value, e.g.
// "<sip:02191000042@host>;reason=unconditional" yields "02191000042".
func sipURIUser(v string) string {
	if i := strings.Index(v, "sip:"); i >= 0 {
		v = v[i+4:]
	}
	if i := strings.IndexAny(v, "@>;"); i >= 0 {
		v = v[:i]
	}
	return v
}

// waitForLine parks an inbound call in the line's FIFO queue until a
// call on that line ends. Returns false on timeout or shutdown.
func (m *Manager) waitForLine(line, channelID string) bool {
	ch := make(chan struct{})
	m.mu.Lock()
	m.waitq[line] = append(m.waitq[line], ch)
	m.mu.Unlock()

	m.logger.Info("inbound waiting for line", "line", line, "channel", channelID)
	select {
	case <-ch:
		// Capacity was reserved on our behalf by onLineFree.
		return true
	case <-time.After(inboundWaitTimeout):
	case <-m.ctx.Done():
	}

	// Remove ourselves from the queue; a concurrent wake may already
	// have popped us, in which case the reservation must be returned.
	m.mu.Lock()
	q := m.waitq[line]
	for i, w := range q {
		if w == ch {
			m.waitq[line] = append(q[:i], q[i+1:]...)
			m.mu.Unlock()
			return false
		}
	}
	m.mu.Unlock()
	select {
	case <-ch:
		return true
	default:
		m.lines.InboundEnded(line)
		return false
	}
}

// onLineFree pops the next queued inbound waiter for the line, FIFO.
// Called after every session release on the line.
func (m *Manager) onLineFree(line string) {
	for {
		m.mu.Lock()
		q := m.waitq[line]
		if len(q) == 0 {
			m.mu.Unlock()
			return
		}
		next := q[0]
		m.waitq[line] = q[1:]
		m.mu.Unlock()

		if m.lines == nil || m.lines.InboundStarted(line) {
			close(next)
			return
		}
		// No capacity after all; requeue at the head and stop.
		m.mu.Lock()
		m.waitq[line] = append([]chan struct{}{next}, m.waitq[line]...)
		m.mu.Unlock()
		return
	}
}

func (m *Manager) prepareBridge(s *Session, channelID string) error {
	ctx, cancel := context.WithTimeout(s.Context(), 10*time.Second)
	defer cancel()
	bridge, err := m.ari.CreateBridge(ctx, s.ID)
	if err != nil {
		return err
	}
	s.SetBridge(bridge.ID)
	return m.ari.AddChannelToBridge(ctx, bridge.ID, channelID)
}

// onDial records early call outcomes carried on Dial events (busy,
// unreachable) before the channel ever enters the application.
func (m *Manager) onDial(evt *ari.Event) {
	if evt.DialStatus == "" || evt.DialStatus == "ANSWER" || evt.DialStatus == "RINGING" {
		return
	}
	s := m.sessionForEvent(evt)
	if s == nil && evt.Peer != nil {
		m.mu.Lock()
		if sid, ok := m.byChannel[evt.Peer.ID]; ok {
			s = m.sessions[sid]
		}
		m.mu.Unlock()
	}
	if s == nil {
		return
	}
	if cause := evt.HangupCause(); cause > 0 && !s.Answered() {
		s.SetResultIfEmpty(report.CauseToResult(cause))
	}
}

// onChannelGone handles hangup-class events for any tracked channel.
func (m *Manager) onChannelGone(evt *ari.Event) {
	s := m.sessionForEvent(evt)
	if s == nil {
		return
	}
	channelID := evt.ChannelID()

	if channelID == s.OperatorChannel() {
		s.SetOperatorChannel("")
		s.FireOperator(false, evt.CauseTxt)
		m.mu.Lock()
		delete(m.byChannel, channelID)
		m.mu.Unlock()
		m.logger.Info("operator leg ended", "session_id", s.ID, "channel", channelID)
		return
	}
	// A tracked channel that never reached StasisStart (failed
	// origination) still belongs to the customer leg.
	if cust := s.CustomerChannel(); cust != "" && channelID != cust {
		return
	}

	// Only the first hangup-class event for the customer leg matters.
	if evt.Type == ari.EventChannelHangupRequest && s.Result() != "" {
		return
	}

	cause := evt.HangupCause()
	if !s.Answered() && cause > 0 {
		s.SetResultIfEmpty(report.CauseToResult(cause))
	} else if s.Result() == "" && !s.AppHangup() {
		s.SetResult(report.ResultHangup)
		attrs := []any{"session_id", s.ID, "number", s.Number, "scenario", s.Scenario()}
		if at := s.AnsweredAt(); !at.IsZero() {
			attrs = append(attrs, "secs_after_answer", time.Since(at).Seconds())
		}
		if resp, ok := s.LastResponse(); ok && !resp.At.IsZero() {
			attrs = append(attrs,
				"last_phase", resp.Phase,
				"last_intent", resp.Intent,
				"secs_after_reply", time.Since(resp.At).Seconds())
		}
		m.logs.UserDrops.Info("caller hung up", attrs...)
	}

	m.logs.Hangups.Info("channel hangup",
		"session_id", s.ID,
		"channel", channelID,
		"cause", cause,
		"cause_txt", evt.CauseTxt,
		"result", s.Result(),
	)

	m.Cleanup(s, "customer channel gone")
}

// HangupCustomer hangs up the customer leg on the engine's behalf and
// flags the hangup as app-initiated.
func (m *Manager) HangupCustomer(s *Session) {
	channelID := s.CustomerChannel()
	if channelID == "" {
		return
	}
	s.MarkAppHangup()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.ari.Hangup(ctx, channelID); err != nil && !ari.IsNotFound(err) {
		m.logger.Warn("hangup failed", "session_id", s.ID, "error", err)
	}
}

// Cleanup tears a session down exactly once: cancel the flow, stop any
// live recording, hang up remaining legs, delete the bridge, release
// line counters, wake queued inbound callers and emit the final report.
func (m *Manager) Cleanup(s *Session, reason string) {
	if !s.markCleanup() {
		return
	}
	m.logger.Info("cleaning up session", "session_id", s.ID, "reason", reason, "result", s.Result())

	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if rec := s.LiveRecording(); rec != "" {
		s.FireRecording(rec, false, "session ended")
	}
	if op := s.OperatorChannel(); op != "" {
		if err := m.ari.Hangup(ctx, op); err != nil && !ari.IsNotFound(err) {
			m.logger.Warn("operator hangup failed", "session_id", s.ID, "error", err)
		}
	}
	if cust := s.CustomerChannel(); cust != "" {
		s.MarkAppHangup()
		if err := m.ari.Hangup(ctx, cust); err != nil && !ari.IsNotFound(err) {
			m.logger.Warn("customer hangup failed", "session_id", s.ID, "error", err)
		}
	}
	if bridge := s.Bridge(); bridge != "" {
		if err := m.ari.DestroyBridge(ctx, bridge); err != nil && !ari.IsNotFound(err) {
			m.logger.Warn("bridge destroy failed", "session_id", s.ID, "error", err)
		}
	}

	m.removeSession(s)

	if m.lines != nil {
		switch s.Direction {
		case DirectionInbound:
			if s.Line != LineUnmapped {
				m.lines.InboundEnded(s.Line)
			}
		case DirectionOutbound:
			m.lines.OutboundEnded(s.Line, s.Result())
		}
	}
	m.onLineFree(s.Line)

	if m.hooks != nil {
		m.hooks.SessionEnded(s)
	}
}

func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ID)
	for ch, sid := range m.byChannel {
		if sid == s.ID {
			delete(m.byChannel, ch)
		}
	}
	for pb, sid := range m.byPlayback {
		if sid == s.ID {
			delete(m.byPlayback, pb)
		}
	}
	for rec, sid := range m.byRecording {
		if sid == s.ID {
			delete(m.byRecording, rec)
		}
	}
}

// Package session holds the live-call state shared by the event stream,
// the flow engine and the dialer. The Manager is the only mutator of the
// session table; per-session state is guarded by the session mutex.
package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction of a call relative to this system.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Response is one transcribed caller utterance.
type Response struct {
	Phase  string
	Text   string
	Intent string
	At     time.Time
}

// Session is the state of one live call. Fields below the mutex are
// only touched while holding it.
type Session struct {
	ID          string
	Direction   Direction
	Line        string
	ContactID   int64
	Number      string
	BatchID     string
	AttemptedAt time.Time
	CreatedAt   time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	signals *signals

	mu              sync.Mutex
	scenarioName    string
	customerChannel string
	operatorChannel string
	bridgeID        string
	liveRecording   string
	audio           []byte
	transcript      string
	intent          string
	result          string
	reportedStatus  string
	responses       []Response
	meta            map[string]string
	answeredAt      time.Time
	yesAt           time.Time
	operatorAt      time.Time
	appHangup       bool
	inboundDirect   bool
	cleanupDone     bool
}

func New(parent context.Context, direction Direction, line string) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:        uuid.NewString(),
		Direction: direction,
		Line:      line,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		signals:   newSignals(),
		meta:      make(map[string]string),
	}
}

// Context is cancelled when the call ends; every blocking step of the
// flow must select on it.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel aborts any suspended flow step.
func (s *Session) Cancel() { s.cancel() }

func (s *Session) SetScenario(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarioName = name
}

func (s *Session) Scenario() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scenarioName
}

func (s *Session) SetCustomerChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customerChannel = id
}

func (s *Session) CustomerChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customerChannel
}

func (s *Session) SetOperatorChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operatorChannel = id
}

func (s *Session) OperatorChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operatorChannel
}

func (s *Session) SetBridge(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridgeID = id
}

func (s *Session) Bridge() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridgeID
}

// SetLiveRecording tracks the in-progress recording name so cleanup can
// stop it; pass "" when the recording finishes.
func (s *Session) SetLiveRecording(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveRecording = name
}

func (s *Session) LiveRecording() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveRecording
}

// SetAudio stores the enhanced recording pending transcription.
func (s *Session) SetAudio(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = data
}

// TakeAudio returns the pending recording and clears it.
func (s *Session) TakeAudio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.audio
	s.audio = nil
	return data
}

func (s *Session) SetTranscript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = text
}

func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

func (s *Session) SetIntent(intent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intent = intent
	if len(s.responses) > 0 {
		s.responses[len(s.responses)-1].Intent = intent
	}
	if intent == "yes" && s.yesAt.IsZero() {
		s.yesAt = time.Now()
	}
}

func (s *Session) Intent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

// SetResult records a terminal result. Later transitions overwrite
// earlier ones; report de-duplication happens at reporting time.
func (s *Session) SetResult(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = code
}

// SetResultIfEmpty records a result only when none is set yet. Early
// SIP-cause results use it so they never clobber a scenario verdict.
func (s *Session) SetResultIfEmpty(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != "" {
		return false
	}
	s.result = code
	return true
}

func (s *Session) Result() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// MarkReported records the panel status just sent; it returns false if
// that status was already reported for this session.
func (s *Session) MarkReported(status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reportedStatus == status {
		return false
	}
	s.reportedStatus = status
	return true
}

func (s *Session) AddResponse(phase, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, Response{Phase: phase, Text: text, At: time.Now()})
}

func (s *Session) LastResponse() (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return Response{}, false
	}
	return s.responses[len(s.responses)-1], true
}

func (s *Session) SetMeta(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
}

func (s *Session) Meta(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[key]
}

// IncrCounter bumps a named session counter and returns the new value.
// Used by the check_retry_limit step.
func (s *Session) IncrCounter(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := strconv.Atoi(s.meta[key])
	n++
	s.meta[key] = strconv.Itoa(n)
	return n
}

func (s *Session) MarkAnswered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answeredAt.IsZero() {
		s.answeredAt = time.Now()
	}
}

func (s *Session) Answered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.answeredAt.IsZero()
}

func (s *Session) AnsweredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answeredAt
}

// Ended reports whether cleanup has already run for this session.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupDone
}

func (s *Session) MarkOperatorConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operatorAt.IsZero() {
		s.operatorAt = time.Now()
	}
}

// MarkAppHangup flags that we initiated the hangup, so the subsequent
// channel-destroyed event is not counted as a caller drop.
func (s *Session) MarkAppHangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appHangup = true
}

func (s *Session) AppHangup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appHangup
}

func (s *Session) MarkInboundDirect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundDirect = true
}

func (s *Session) InboundDirect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inboundDirect
}

// markCleanup flips the cleanup flag; it returns false if cleanup
// already ran, making cleanup idempotent.
func (s *Session) markCleanup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleanupDone {
		return false
	}
	s.cleanupDone = true
	return true
}

// NormalizeNumber strips formatting from a phone number and restores
// the leading zero the telephony server drops from national numbers.
// Applying it twice yields the same value.
func NormalizeNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 && !strings.HasPrefix(digits, "0") {
		return "0" + digits
	}
	return digits
}

// LastFour returns the last four digits of a number for line matching.
func LastFour(number string) string {
	digits := NormalizeNumber(number)
	if len(digits) <= 4 {
		return digits
	}
	return digits[len(digits)-4:]
}

package session

import "sync"

// Signal is the wake-up payload for a suspended flow step.
type Signal struct {
	OK    bool
	Cause string
}

// signals is a table of one-shot wake channels keyed by event identity
// (playback id, recording name, the operator leg). A step registers its
// interest before starting the telephony operation so the event can
// never race past the wait.
type signals struct {
	mu sync.Mutex
	m  map[string]chan Signal
}

func newSignals() *signals {
	return &signals{m: make(map[string]chan Signal)}
}

// expect returns a buffered one-shot channel for key, replacing any
// stale registration for the same key.
func (s *signals) expect(key string) <-chan Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Signal, 1)
	s.m[key] = ch
	return ch
}

// fire delivers the signal to the registered waiter, if any, and
// forgets the key. Unmatched fires are dropped.
func (s *signals) fire(key string, sig Signal) {
	s.mu.Lock()
	ch, ok := s.m[key]
	if ok {
		delete(s.m, key)
	}
	s.mu.Unlock()
	if ok {
		ch <- sig
	}
}

func (s *signals) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

const operatorKey = "operator"

// ExpectPlayback registers interest in a playback finishing.
func (s *Session) ExpectPlayback(playbackID string) <-chan Signal {
	return s.signals.expect("playback:" + playbackID)
}

// FirePlayback wakes the step waiting on this playback.
func (s *Session) FirePlayback(playbackID string) {
	s.signals.fire("playback:"+playbackID, Signal{OK: true})
}

// ExpectRecording registers interest in a recording completing.
func (s *Session) ExpectRecording(name string) <-chan Signal {
	return s.signals.expect("recording:" + name)
}

// FireRecording wakes the step waiting on this recording. ok is false
// when the recording subsystem failed.
func (s *Session) FireRecording(name string, ok bool, cause string) {
	s.signals.fire("recording:"+name, Signal{OK: ok, Cause: cause})
}

// ExpectOperator registers interest in the operator leg answering.
func (s *Session) ExpectOperator() <-chan Signal {
	return s.signals.expect(operatorKey)
}

// FireOperator wakes the transfer step. ok is false when the leg was
// destroyed before answering.
func (s *Session) FireOperator(ok bool, cause string) {
	s.signals.fire(operatorKey, Signal{OK: ok, Cause: cause})
}

// ForgetOperator drops a pending operator registration after a timeout.
func (s *Session) ForgetOperator() {
	s.signals.forget(operatorKey)
}

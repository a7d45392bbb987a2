package ari

import (
	"encoding/json"
	"fmt"
)

// Event is a decoded ARI event. Only the fields the session manager needs
// are unmarshalled; the rest of the payload is dropped.
type Event struct {
	Type string   `json:"type"`
	Args []string `json:"args"`

	Channel   *Channel        `json:"channel"`
	Peer      *Channel        `json:"peer"`
	Playback  *EventPlayback  `json:"playback"`
	Recording *EventRecording `json:"recording"`

	// Hangup/Dial diagnostics. Cause is the numeric SIP cause code when the
	// server provides one.
	Cause      json.Number `json:"cause"`
	CauseTxt   string      `json:"cause_txt"`
	DialStatus string      `json:"dialstatus"`
}

// EventPlayback is the playback resource embedded in playback events.
type EventPlayback struct {
	ID       string `json:"id"`
	MediaURI string `json:"media_uri"`
}

// EventRecording is the recording resource embedded in recording events.
type EventRecording struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Cause string `json:"cause"`
}

// Recognised event types.
const (
	EventStasisStart          = "StasisStart"
	EventStasisEnd            = "StasisEnd"
	EventChannelStateChange   = "ChannelStateChange"
	EventChannelHangupRequest = "ChannelHangupRequest"
	EventChannelDestroyed     = "ChannelDestroyed"
	EventPlaybackStarted      = "PlaybackStarted"
	EventPlaybackFinished     = "PlaybackFinished"
	EventRecordingFinished    = "RecordingFinished"
	EventRecordingFailed      = "RecordingFailed"
	EventDial                 = "Dial"
)

// DecodeEvent parses a raw event-stream frame.
func DecodeEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("event has no type")
	}
	return &evt, nil
}

// ChannelID returns the id of the event's channel, or "".
func (e *Event) ChannelID() string {
	if e.Channel == nil {
		return ""
	}
	return e.Channel.ID
}

// PlaybackID returns the id of the event's playback, or "".
func (e *Event) PlaybackID() string {
	if e.Playback == nil {
		return ""
	}
	return e.Playback.ID
}

// RecordingName returns the name of the event's recording, or "".
func (e *Event) RecordingName() string {
	if e.Recording == nil {
		return ""
	}
	return e.Recording.Name
}

// HangupCause returns the numeric cause code carried on the event, or 0.
func (e *Event) HangupCause() int {
	if e.Cause == "" {
		return 0
	}
	n, err := e.Cause.Int64()
	if err != nil {
		return 0
	}
	return int(n)
}

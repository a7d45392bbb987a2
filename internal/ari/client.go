// Package ari is a typed wrapper over the telephony server's REST interface
// (channels, bridges, playbacks, recordings, origination) plus the WebSocket
// event stream that drives the session manager.
package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dialflow/dialflow/internal/config"
)

// Client talks to the ARI REST endpoints. All operations carry the
// configured per-call deadline and fail with a categorised *Error.
type Client struct {
	baseURL  string
	appName  string
	username string
	password string
	http     *http.Client
	timeout  time.Duration
	logger   *slog.Logger
}

// NewClient builds a client with a bounded connection pool.
func NewClient(cfg config.ARIConfig, timeout time.Duration, maxConns int, logger *slog.Logger) *Client {
	transport := &http.Transport{
		MaxConnsPerHost:     maxConns,
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		appName:  cfg.AppName,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Transport: transport},
		timeout:  timeout,
		logger:   logger.With("subsystem", "ari"),
	}
}

// AppName returns the Stasis application name calls are routed through.
func (c *Client) AppName() string { return c.appName }

func (c *Client) request(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Op: op, Err: err}
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("ari request", "op", op, "method", method, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Op: op, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{
			Kind:   kindForStatus(resp.StatusCode),
			Op:     op,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}
	return body, nil
}

// Channel is the subset of the ARI channel resource the engine uses.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Caller struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"caller"`
	Connected struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"connected"`
	Dialplan struct {
		Context string `json:"context"`
		Exten   string `json:"exten"`
	} `json:"dialplan"`
}

// Bridge is the subset of the ARI bridge resource the engine uses.
type Bridge struct {
	ID   string `json:"id"`
	Type string `json:"bridge_type"`
}

// Playback is the handle returned from play operations.
type Playback struct {
	ID       string `json:"id"`
	MediaURI string `json:"media_uri"`
	State    string `json:"state"`
}

// Recording is the handle returned from record operations.
type Recording struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	State  string `json:"state"`
}

// Answer answers a ringing channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	_, err := c.request(ctx, "answer", http.MethodPost, "/channels/"+channelID+"/answer", nil)
	return err
}

// Hangup tears down a channel. NotFound means the channel is already gone.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	params := url.Values{"reason": {"normal"}}
	_, err := c.request(ctx, "hangup", http.MethodDelete, "/channels/"+channelID, params)
	return err
}

// OriginateRequest names the parameters of an outbound channel origination.
type OriginateRequest struct {
	Endpoint string
	AppArgs  string
	CallerID string
	Timeout  int // seconds
	Vars     map[string]string
}

// Originate requests a new outbound channel into the Stasis app and returns it.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (*Channel, error) {
	params := url.Values{
		"endpoint": {req.Endpoint},
		"app":      {c.appName},
		"appArgs":  {req.AppArgs},
		"timeout":  {strconv.Itoa(req.Timeout)},
	}
	if req.CallerID != "" {
		params.Set("callerId", req.CallerID)
	}
	for name, value := range req.Vars {
		params.Set("variables["+name+"]", value)
	}
	c.logger.Info("originating call",
		"endpoint", req.Endpoint,
		"app_args", req.AppArgs,
		"caller_id", req.CallerID,
		"timeout", req.Timeout,
	)
	body, err := c.request(ctx, "originate", http.MethodPost, "/channels", params)
	if err != nil {
		return nil, err
	}
	var ch Channel
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, &Error{Kind: KindServer, Op: "originate", Err: err}
	}
	return &ch, nil
}

// CreateBridge creates a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context, name string) (*Bridge, error) {
	params := url.Values{"type": {"mixing"}, "name": {name}}
	body, err := c.request(ctx, "create_bridge", http.MethodPost, "/bridges", params)
	if err != nil {
		return nil, err
	}
	var b Bridge
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, &Error{Kind: KindServer, Op: "create_bridge", Err: err}
	}
	return &b, nil
}

// DestroyBridge deletes a bridge.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	_, err := c.request(ctx, "destroy_bridge", http.MethodDelete, "/bridges/"+bridgeID, nil)
	return err
}

// AddChannelToBridge joins a channel into a bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	params := url.Values{"channel": {channelID}}
	_, err := c.request(ctx, "add_channel", http.MethodPost, "/bridges/"+bridgeID+"/addChannel", params)
	return err
}

// PlayOnChannel starts playback of a media reference on a channel.
func (c *Client) PlayOnChannel(ctx context.Context, channelID, media string) (*Playback, error) {
	return c.play(ctx, "/channels/"+channelID+"/play", media)
}

// PlayOnBridge starts playback of a media reference on a bridge.
func (c *Client) PlayOnBridge(ctx context.Context, bridgeID, media string) (*Playback, error) {
	return c.play(ctx, "/bridges/"+bridgeID+"/play", media)
}

func (c *Client) play(ctx context.Context, path, media string) (*Playback, error) {
	params := url.Values{"media": {media}}
	body, err := c.request(ctx, "play", http.MethodPost, path, params)
	if err != nil {
		return nil, err
	}
	var pb Playback
	if err := json.Unmarshal(body, &pb); err != nil {
		return nil, &Error{Kind: KindServer, Op: "play", Err: err}
	}
	return &pb, nil
}

// StopPlayback cancels an in-progress playback.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	_, err := c.request(ctx, "stop_playback", http.MethodDelete, "/playbacks/"+playbackID, nil)
	return err
}

// RecordChannel starts a wav recording on a channel. Silence past
// maxSilence seconds or reaching maxDuration ends the recording.
func (c *Client) RecordChannel(ctx context.Context, channelID, name string, maxDuration, maxSilence int) (*Recording, error) {
	return c.record(ctx, "/channels/"+channelID+"/record", name, maxDuration, maxSilence)
}

// RecordBridge starts a wav recording on a bridge.
func (c *Client) RecordBridge(ctx context.Context, bridgeID, name string, maxDuration, maxSilence int) (*Recording, error) {
	return c.record(ctx, "/bridges/"+bridgeID+"/record", name, maxDuration, maxSilence)
}

func (c *Client) record(ctx context.Context, path, name string, maxDuration, maxSilence int) (*Recording, error) {
	params := url.Values{
		"name":               {name},
		"format":             {"wav"},
		"maxDurationSeconds": {strconv.Itoa(maxDuration)},
		"maxSilenceSeconds":  {strconv.Itoa(maxSilence)},
		"ifExists":           {"overwrite"},
		"beep":               {"false"},
	}
	body, err := c.request(ctx, "record", http.MethodPost, path, params)
	if err != nil {
		return nil, err
	}
	var rec Recording
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, &Error{Kind: KindServer, Op: "record", Err: err}
	}
	return &rec, nil
}

// FetchStoredRecording downloads the raw bytes of a finished recording.
func (c *Client) FetchStoredRecording(ctx context.Context, name string) ([]byte, error) {
	return c.request(ctx, "fetch_recording", http.MethodGet, "/recordings/stored/"+name+"/file", nil)
}

// GetChannelVar reads a channel variable. Returns "" without error when the
// variable is unset or the channel is gone.
func (c *Client) GetChannelVar(ctx context.Context, channelID, name string) (string, error) {
	params := url.Values{"variable": {name}}
	body, err := c.request(ctx, "get_var", http.MethodGet, "/channels/"+channelID+"/variable", params)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	var out struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", nil
	}
	return out.Value, nil
}

// GetSIPHeader reads an inbound SIP header through the PJSIP header dialplan
// function. Missing headers yield "".
func (c *Client) GetSIPHeader(ctx context.Context, channelID, header string) (string, error) {
	return c.GetChannelVar(ctx, channelID, fmt.Sprintf("PJSIP_HEADER(read,%s)", header))
}

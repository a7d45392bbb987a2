package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// Sentinel errors callers branch on.
var (
	// ErrQuota means the transcription account is out of credit. The
	// caller is expected to stop dialing rather than burn the campaign.
	ErrQuota = errors.New("stt quota exhausted")
	// ErrEmptyAudio means the service itself rejected the audio as empty.
	ErrEmptyAudio = errors.New("stt rejected empty audio")
)

// Result is the transcription outcome for one recording.
type Result struct {
	Status    string
	Text      string
	RequestID string
	TraceID   string
}

// Client talks to the speech-to-text gateway. Concurrent calls are
// capped by a weighted semaphore so a burst of recordings cannot
// exhaust the gateway's per-token limits.
type Client struct {
	url     string
	token   string
	http    *http.Client
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

func NewClient(url, token string, timeout time.Duration, maxParallel, maxConns int, logger *slog.Logger) *Client {
	if maxParallel <= 0 {
		maxParallel = 10
	}
	if maxConns <= 0 {
		maxConns = 100
	}
	return &Client{
		url:     url,
		token:   token,
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(maxParallel)),
		logger:  logger.With("subsystem", "stt"),
		http: &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     maxConns,
				MaxIdleConnsPerHost: maxConns,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Transcribe sends a WAV recording to the gateway and returns the
// transcript. A missing token yields an unauthorized result without a
// network call, so a partially configured deployment degrades instead
// of erroring every recording.
func (c *Client) Transcribe(ctx context.Context, audio []byte, hotwords []string) (*Result, error) {
	if c.token == "" {
		c.logger.Warn("stt token missing, skipping transcription")
		return &Result{Status: "unauthorized"}, nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring stt slot: %w", err)
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := buildForm(audio, hotwords)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("building stt request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("gateway-token", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading stt response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyFailure(resp.StatusCode, string(payload))
	}
	if err := classifyBody(string(payload)); err != nil {
		return nil, err
	}

	result := extractResult(payload)
	if result.Text == "" {
		c.logger.Warn("stt returned empty text", "status", result.Status)
	}
	return result, nil
}

func buildForm(audio []byte, hotwords []string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("building stt form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", fmt.Errorf("building stt form: %w", err)
	}

	fields := [][2]string{
		{"model", "default"},
		{"srt", "false"},
		{"inverseNormalizer", "false"},
		{"timestamp", "false"},
		{"spokenPunctuation", "false"},
		{"punctuation", "false"},
		{"numSpeakers", "0"},
		{"diarize", "false"},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("building stt form: %w", err)
		}
	}
	for _, word := range hotwords {
		if err := w.WriteField("hotwords[]", word); err != nil {
			return nil, "", fmt.Errorf("building stt form: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("building stt form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func classifyFailure(status int, body string) error {
	if status == http.StatusForbidden {
		return fmt.Errorf("stt status %d: %w", status, ErrQuota)
	}
	if err := classifyBody(body); err != nil {
		return err
	}
	return fmt.Errorf("stt status %d: %s", status, snippet(body))
}

// Gateway failure modes are only distinguishable by message text.
func classifyBody(body string) error {
	if strings.Contains(body, "balanceError") || strings.Contains(body, "credit is below the set threshold") {
		return fmt.Errorf("stt balance error: %w", ErrQuota)
	}
	if strings.Contains(body, "Empty Audio file") || strings.Contains(body, "Input file content is unexpected") {
		return fmt.Errorf("stt: %w", ErrEmptyAudio)
	}
	return nil
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

// extractResult digs the transcript out of the gateway's nested
// envelope. Different gateway versions put the text at different
// depths, so each field falls through the known locations.
func extractResult(payload []byte) *Result {
	var doc struct {
		Status string `json:"status"`
		Data   struct {
			Status    string `json:"status"`
			Text      string `json:"text"`
			RequestID string `json:"requestId"`
			TraceID   string `json:"traceId"`
			Data      struct {
				Text       string `json:"text"`
				RequestID  string `json:"requestId"`
				TraceID    string `json:"traceId"`
				AIResponse struct {
					Status    string `json:"status"`
					RequestID string `json:"requestId"`
					Result    struct {
						Text string `json:"text"`
					} `json:"result"`
					Meta struct {
						TraceID string `json:"traceId"`
					} `json:"meta"`
				} `json:"aiResponse"`
			} `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return &Result{Status: "unknown"}
	}

	res := &Result{}
	res.Text = firstNonEmpty(doc.Data.Text, doc.Data.Data.Text, doc.Data.Data.AIResponse.Result.Text)
	res.Status = firstNonEmpty(doc.Data.Status, doc.Status, doc.Data.Data.AIResponse.Status, "unknown")
	res.RequestID = firstNonEmpty(doc.Data.RequestID, doc.Data.Data.RequestID, doc.Data.Data.AIResponse.RequestID)
	res.TraceID = firstNonEmpty(doc.Data.TraceID, doc.Data.Data.TraceID, doc.Data.Data.AIResponse.Meta.TraceID)
	res.Text = strings.TrimSpace(res.Text)
	return res
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

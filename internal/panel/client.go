// Package panel talks to the campaign panel: batch fetching, result
// reporting and startup registration of scenarios and lines.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultQueueSize = 256

// Contact is one phone number to dial from a panel batch.
type Contact struct {
	ID          int64             `json:"id"`
	PhoneNumber string            `json:"phone_number"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ScenarioRef identifies a scenario the panel wants active.
type ScenarioRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Line is an outbound trunk number as the panel knows it.
type Line struct {
	ID          int64  `json:"id,omitempty"`
	PhoneNumber string `json:"phone_number"`
	DisplayName string `json:"display_name,omitempty"`
}

// Agent is a live operator endpoint.
type Agent struct {
	ID          int64  `json:"id,omitempty"`
	PhoneNumber string `json:"phone_number"`
}

// Batch is the panel's answer to a next-batch request.
type Batch struct {
	CallAllowed       bool          `json:"call_allowed"`
	RetryAfterSeconds int           `json:"retry_after_seconds,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	BatchID           string        `json:"batch_id,omitempty"`
	Contacts          []Contact     `json:"contacts"`
	ActiveScenarios   []ScenarioRef `json:"active_scenarios"`
	OutboundLines     []Line        `json:"outbound_lines"`
	InboundAgents     []Agent       `json:"inbound_agents"`
	OutboundAgents    []Agent       `json:"outbound_agents"`
}

// Report is one per-call outcome. Field names are the panel's wire
// contract and must not change.
type Report struct {
	Company        string `json:"company"`
	NumberID       int64  `json:"number_id,omitempty"`
	PhoneNumber    string `json:"phone_number"`
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	AttemptedAt    string `json:"attempted_at"`
	BatchID        string `json:"batch_id,omitempty"`
	ScenarioID     int64  `json:"scenario_id,omitempty"`
	OutboundLineID int64  `json:"outbound_line_id,omitempty"`
	AgentID        int64  `json:"agent_id,omitempty"`
	AgentPhone     string `json:"agent_phone,omitempty"`
	UserMessage    string `json:"user_message,omitempty"`
	CallAllowed    *bool  `json:"call_allowed,omitempty"`
}

// Client is the panel HTTP adapter. Failed reports are queued in a
// bounded in-memory ring and retried with backoff; the queue drops its
// oldest entry on overflow so a long panel outage cannot grow memory.
type Client struct {
	baseURL      string
	token        string
	company      string
	defaultRetry time.Duration
	http         *http.Client
	logger       *slog.Logger

	mu      sync.Mutex
	pending []Report
	maxPend int
}

func NewClient(baseURL, token, company string, timeout, defaultRetry time.Duration, maxConns int, logger *slog.Logger) *Client {
	if maxConns <= 0 {
		maxConns = 20
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		company:      company,
		defaultRetry: defaultRetry,
		maxPend:      defaultQueueSize,
		logger:       logger.With("subsystem", "panel"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     maxConns,
				MaxIdleConnsPerHost: maxConns,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding panel request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building panel request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("panel %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading panel response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("panel %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding panel response: %w", err)
		}
	}
	return nil
}

// RegisterScenarios announces the locally loaded scenarios at startup.
func (c *Client) RegisterScenarios(ctx context.Context, scenarios []ScenarioRefWithDisplay) error {
	payload := struct {
		Company   string                   `json:"company"`
		Scenarios []ScenarioRefWithDisplay `json:"scenarios"`
	}{c.company, scenarios}
	return c.do(ctx, http.MethodPost, "/api/dialer/register-scenarios", payload, nil)
}

// ScenarioRefWithDisplay is the registration shape for a scenario.
type ScenarioRefWithDisplay struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// RegisterOutboundLines announces the configured trunk numbers at startup.
func (c *Client) RegisterOutboundLines(ctx context.Context, lines []Line) error {
	payload := struct {
		Company string `json:"company"`
		Lines   []Line `json:"lines"`
	}{c.company, lines}
	return c.do(ctx, http.MethodPost, "/api/dialer/register-lines", payload, nil)
}

// NextBatch fetches the next dialing batch. Panel failures come back as
// a disallowed batch with a retry hint instead of an error so the dialer
// loop stays simple.
func (c *Client) NextBatch(ctx context.Context, size int) *Batch {
	c.FlushPending(ctx)

	q := url.Values{}
	q.Set("company", c.company)
	q.Set("size", strconv.Itoa(size))

	var batch Batch
	err := c.do(ctx, http.MethodGet, "/api/dialer/next-batch?"+q.Encode(), nil, &batch)
	if err != nil {
		c.logger.Error("next-batch failed", "error", err)
		return &Batch{
			CallAllowed:       false,
			RetryAfterSeconds: int(c.defaultRetry.Seconds()),
			Reason:            err.Error(),
		}
	}
	if !batch.CallAllowed && batch.RetryAfterSeconds <= 0 {
		batch.RetryAfterSeconds = int(c.defaultRetry.Seconds())
	}
	return &batch
}

// ReportResult sends one call outcome. On transport failure the report
// is queued for a later flush; reporting never fails the call.
func (c *Client) ReportResult(ctx context.Context, rep Report) {
	if rep.Company == "" {
		rep.Company = c.company
	}
	if err := c.do(ctx, http.MethodPost, "/api/dialer/report-result", rep, nil); err != nil {
		c.logger.Warn("report-result failed, queueing",
			"number_id", rep.NumberID, "status", rep.Status, "error", err)
		c.enqueue(rep)
		return
	}
	c.logger.Info("reported result", "number_id", rep.NumberID, "status", rep.Status)
}

func (c *Client) enqueue(rep Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= c.maxPend {
		dropped := c.pending[0]
		c.pending = c.pending[1:]
		c.logger.Warn("report queue full, dropping oldest",
			"number_id", dropped.NumberID, "status", dropped.Status)
	}
	c.pending = append(c.pending, rep)
}

// PendingCount returns the number of queued reports.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// FlushPending retries queued reports in order, stopping at the first
// failure so order is preserved across outages.
func (c *Client) FlushPending(ctx context.Context) {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i, rep := range queued {
		if rep.NumberID == 0 && rep.PhoneNumber == "" {
			c.logger.Debug("dropping queued report without number", "status", rep.Status)
			continue
		}
		if err := c.do(ctx, http.MethodPost, "/api/dialer/report-result", rep, nil); err != nil {
			c.logger.Warn("flush failed, requeueing remainder", "queued", len(queued)-i, "error", err)
			c.mu.Lock()
			c.pending = append(queued[i:], c.pending...)
			if len(c.pending) > c.maxPend {
				c.pending = c.pending[len(c.pending)-c.maxPend:]
			}
			c.mu.Unlock()
			return
		}
		c.logger.Info("flushed queued report", "number_id", rep.NumberID, "status", rep.Status)
	}
}

// Run flushes the retry queue in the background until ctx is done. The
// flush interval backs off while the panel stays unreachable.
func (c *Client) Run(ctx context.Context) {
	interval := 5 * time.Second
	const maxInterval = time.Minute
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			// Last best-effort flush during shutdown.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.FlushPending(flushCtx)
			cancel()
			return
		case <-timer.C:
			before := c.PendingCount()
			if before > 0 {
				c.FlushPending(ctx)
			}
			if c.PendingCount() > 0 && before > 0 {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = 5 * time.Second
			}
			timer.Reset(interval)
		}
	}
}

// Package sms sends admin alerts through the Melipayamak gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://console.melipayamak.com/api/send/advanced"

// Client posts alert messages to the configured admin numbers. A client
// without recipients or API key is a no-op so alerting stays optional.
type Client struct {
	baseURL string
	apiKey  string
	from    string
	admins  []string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(apiKey, from string, admins []string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		from:    from,
		admins:  admins,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("subsystem", "sms"),
	}
}

// Send delivers text to the given recipients, defaulting to the
// configured admin list.
func (c *Client) Send(ctx context.Context, text string, to ...string) error {
	if c.apiKey == "" {
		c.logger.Warn("sms api key missing, skipping send")
		return nil
	}
	recipients := to
	if len(recipients) == 0 {
		recipients = c.admins
	}
	if len(recipients) == 0 {
		c.logger.Warn("no sms recipients configured, skipping send")
		return nil
	}

	payload := struct {
		From string   `json:"from"`
		To   []string `json:"to"`
		Text string   `json:"text"`
		UDH  string   `json:"udh"`
	}{c.from, recipients, text, ""}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding sms payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.apiKey, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sms send: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sms send: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	c.logger.Info("sms sent", "recipients", len(recipients))
	return nil
}

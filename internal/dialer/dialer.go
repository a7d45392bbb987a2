// Package dialer originates outbound calls under per-line and global
// limits, yields to inbound traffic, and pauses itself on cascading
// failures or external-service quota exhaustion.
package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dialflow/dialflow/internal/ari"
	"github.com/dialflow/dialflow/internal/config"
	"github.com/dialflow/dialflow/internal/panel"
	"github.com/dialflow/dialflow/internal/report"
	"github.com/dialflow/dialflow/internal/scenario"
	"github.com/dialflow/dialflow/internal/session"
	"github.com/dialflow/dialflow/internal/sms"
)

// watchdogGrace is added to the origination timeout before an attempt
// with no telephony events is declared missed.
const watchdogGrace = 15 * time.Second

// panelPollInterval spaces next-batch requests when the previous batch
// did not name a retry delay.
const panelPollInterval = 60 * time.Second

// Flows is the slice of the scenario engine the dialer drives: picking
// the scenario for each contact and applying batch updates.
type Flows interface {
	NextOutboundScenario() *scenario.Scenario
	UpdateScenarios(refs []panel.ScenarioRef)
	UpdateAgents(inbound, outbound []panel.Agent)
}

// contact is one queued outbound target.
type contact struct {
	id      int64
	number  string
	batchID string
}

// Dialer runs the outbound origination loop and owns all per-line
// counters. It implements session.LineRegistry and engine.Pauser.
type Dialer struct {
	cfg      *config.Config
	ari      *ari.Client
	sessions *session.Manager
	flows    Flows
	panel    *panel.Client
	sms      *sms.Client
	logger   *slog.Logger
	limiter  *rate.Limiter

	mu              sync.Mutex
	lines           []*lineState
	byPhone         map[string]*lineState
	contacts        []contact
	unmappedInbound int
	paused          bool
	pauseReason     string
	failStreak      int
	lastAttempt     contact
	nextPanelPoll   time.Time
	originations    uint64
}

func New(
	cfg *config.Config,
	client *ari.Client,
	sessions *session.Manager,
	flows Flows,
	panelClient *panel.Client,
	smsClient *sms.Client,
	logger *slog.Logger,
) *Dialer {
	d := &Dialer{
		cfg:      cfg,
		ari:      client,
		sessions: sessions,
		flows:    flows,
		panel:    panelClient,
		sms:      smsClient,
		logger:   logger.With("subsystem", "dialer"),
		byPhone:  make(map[string]*lineState),
	}
	if rps := cfg.Dialer.MaxOriginationsPerSecond; rps > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	now := time.Now()
	for _, number := range cfg.Dialer.OutboundNumbers {
		phone := digits(number)
		if phone == "" {
			continue
		}
		l := &lineState{phone: phone, dailyMarker: now}
		d.lines = append(d.lines, l)
		d.byPhone[phone] = l
	}
	for _, number := range cfg.Dialer.StaticContacts {
		if n := digits(number); n != "" {
			d.contacts = append(d.contacts, contact{number: n})
		}
	}
	return d
}

// Run drives the origination loop until ctx is cancelled. The loop is
// sequential at the decide-next-call layer; in-flight calls run in
// their own session goroutines.
func (d *Dialer) Run(ctx context.Context) error {
	d.logger.Info("dialer started",
		"lines", len(d.lines), "queued_contacts", d.QueueLen())

	for {
		if err := ctx.Err(); err != nil {
			d.logger.Info("dialer stopped")
			return err
		}

		// Refill runs even while paused so a permissive panel batch can
		// lift a cascade pause.
		d.refill(ctx)

		if reason, paused := d.Paused(); paused {
			d.logger.Debug("dialer paused", "reason", reason)
			d.sleep(ctx, 2*time.Second)
			continue
		}

		c, ok := d.nextContact()
		if !ok {
			d.sleep(ctx, 5*time.Second)
			continue
		}

		line := d.pickLine(time.Now())
		if line == nil {
			// Inbound-priority yield point.
			d.requeueFront(c)
			d.sleep(ctx, 100*time.Millisecond)
			continue
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		if err := d.originate(ctx, c, line); err != nil {
			d.logger.Error("origination failed",
				"number", c.number, "line", line.phone, "error", err)
		}
		d.sleep(ctx, 50*time.Millisecond)
	}
}

// Pause stops new originations; in-flight calls complete normally.
func (d *Dialer) Pause(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return
	}
	d.paused = true
	d.pauseReason = reason
	d.logger.Warn("dialer paused", "reason", reason)
}

// Resume lifts a pause and clears the failure streak.
func (d *Dialer) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return
	}
	d.paused = false
	d.pauseReason = ""
	d.failStreak = 0
	d.logger.Info("dialer resumed")
}

// Paused reports the pause state and its reason.
func (d *Dialer) Paused() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pauseReason, d.paused
}

// PauseWithAlert implements engine.Pauser: pause, notify the admins by
// SMS, and ask the panel to hold further batches.
func (d *Dialer) PauseWithAlert(reason string) {
	d.Pause(reason)
	d.alert(fmt.Sprintf("Dialer paused: %s", reason))
	d.notifyPanelPaused(reason)
}

// Originations returns the cumulative number of origination requests.
func (d *Dialer) Originations() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.originations
}

func (d *Dialer) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contacts)
}

// InFlight returns the outbound and inbound in-flight totals.
func (d *Dialer) InFlight() (outbound, inbound int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.lines {
		outbound += l.outbound
		inbound += l.inbound
	}
	inbound += d.unmappedInbound
	return outbound, inbound
}

// AddContacts queues extra numbers, e.g. from the ops API.
func (d *Dialer) AddContacts(numbers []string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	added := 0
	for _, number := range numbers {
		if n := digits(number); n != "" {
			d.contacts = append(d.contacts, contact{number: n})
			added++
		}
	}
	return added
}

func (d *Dialer) nextContact() (contact, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.contacts) == 0 {
		return contact{}, false
	}
	c := d.contacts[0]
	d.contacts = d.contacts[1:]
	return c, true
}

func (d *Dialer) requeueFront(c contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts = append([]contact{c}, d.contacts...)
}

// refill tops the contact queue up from the panel and applies the
// batch's scenario and agent updates.
func (d *Dialer) refill(ctx context.Context) {
	if d.panel == nil {
		return
	}
	d.mu.Lock()
	due := time.Now().After(d.nextPanelPoll)
	queued := len(d.contacts)
	d.mu.Unlock()
	if !due || queued >= d.cfg.Dialer.BatchSize {
		return
	}

	batch := d.panel.NextBatch(ctx, d.cfg.Dialer.BatchSize)

	if batch.CallAllowed {
		if reason, paused := d.Paused(); paused && reason != "manual" {
			d.logger.Info("panel re-enabled calls, resuming dialer")
			d.Resume()
		}
	} else {
		retry := time.Duration(batch.RetryAfterSeconds) * time.Second
		if retry <= 0 {
			retry = time.Duration(d.cfg.Dialer.DefaultRetry) * time.Second
		}
		d.mu.Lock()
		d.nextPanelPoll = time.Now().Add(retry)
		d.mu.Unlock()
		d.logger.Info("panel disallowed calls",
			"retry_after", retry, "reason", batch.Reason)
		return
	}

	d.flows.UpdateScenarios(batch.ActiveScenarios)
	d.flows.UpdateAgents(batch.InboundAgents, batch.OutboundAgents)

	refs := make([]lineRef, 0, len(batch.OutboundLines))
	for _, l := range batch.OutboundLines {
		refs = append(refs, lineRef{id: l.ID, phone: l.PhoneNumber})
	}
	d.updateLineIDs(refs)

	d.mu.Lock()
	for _, c := range batch.Contacts {
		if n := digits(c.PhoneNumber); n != "" {
			d.contacts = append(d.contacts, contact{id: c.ID, number: n, batchID: batch.BatchID})
		}
	}
	d.nextPanelPoll = time.Now().Add(panelPollInterval)
	d.mu.Unlock()

	if len(batch.Contacts) > 0 {
		d.logger.Info("queued panel batch",
			"batch_id", batch.BatchID, "contacts", len(batch.Contacts))
	}
}

// originate places one outbound call and registers its watchdog.
func (d *Dialer) originate(ctx context.Context, c contact, line *lineState) error {
	sc := d.flows.NextOutboundScenario()
	if sc == nil {
		d.requeueFront(c)
		return fmt.Errorf("no active scenario")
	}

	s := d.sessions.CreateOutbound(line.phone, c.id, c.number, c.batchID, sc.Name)
	if line.id != 0 {
		s.SetMeta("outbound_line_id", strconv.FormatInt(line.id, 10))
	}

	endpoint := "PJSIP/" + lastFour(line.phone) + digits(c.number) + "@" + d.cfg.Dialer.OutboundTrunk

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeouts.ARI)
	ch, err := d.ari.Originate(callCtx, ari.OriginateRequest{
		Endpoint: endpoint,
		AppArgs:  "outbound," + s.ID,
		CallerID: d.cfg.Dialer.DefaultCallerID,
		Timeout:  d.cfg.Dialer.OriginationTimeout,
	})
	cancel()
	if err != nil {
		s.SetResult("failed:origination")
		d.sessions.Cleanup(s, "origination request failed")
		return err
	}
	d.sessions.TrackChannel(s.ID, ch.ID)

	now := time.Now()
	d.mu.Lock()
	line.outbound++
	line.attempts = append(line.attempts, now)
	line.daily++
	line.lastOrigination = now
	d.lastAttempt = c
	d.originations++
	d.mu.Unlock()

	d.logger.Info("origination requested",
		"session_id", s.ID, "number", c.number, "line", line.phone, "scenario", sc.Name)

	go d.watchOrigination(s)
	return nil
}

// watchOrigination marks the attempt missed when no telephony events
// arrive inside the origination timeout.
func (d *Dialer) watchOrigination(s *session.Session) {
	timeout := time.Duration(d.cfg.Dialer.OriginationTimeout)*time.Second + watchdogGrace
	select {
	case <-s.Context().Done():
		return
	case <-time.After(timeout):
	}
	if s.Answered() || s.Result() != "" {
		return
	}
	d.logger.Warn("origination timed out with no events",
		"session_id", s.ID, "number", s.Number)
	s.SetResultIfEmpty(report.ResultMissed)
	d.sessions.Cleanup(s, "origination timeout")
}

// recordOutcome updates the consecutive-failure streak and trips the
// cascade pause at the configured threshold.
func (d *Dialer) recordOutcome(result string) {
	switch report.Translate(result, false).Status {
	case report.StatusConnected, report.StatusNotInterested, report.StatusHangup,
		report.StatusDisconnected, report.StatusUnknown, report.StatusInboundCall:
		d.mu.Lock()
		if !d.paused {
			d.failStreak = 0
		}
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	d.failStreak++
	streak := d.failStreak
	threshold := d.cfg.SMS.FailAlertThreshold
	alreadyPaused := d.paused
	last := d.lastAttempt
	d.mu.Unlock()

	if threshold <= 0 || streak < threshold || alreadyPaused {
		return
	}

	d.Pause("consecutive_failures")
	msg := fmt.Sprintf("Dialer paused after %d consecutive failures. Last result=%s", streak, result)
	d.logger.Error(msg)
	d.alert(msg)
	d.notifyPanelPausedFor(result, last)
}

func (d *Dialer) alert(text string) {
	if d.sms == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.sms.Send(ctx, text); err != nil {
		d.logger.Warn("sms alert failed", "error", err)
	}
}

func (d *Dialer) notifyPanelPaused(reason string) {
	d.mu.Lock()
	last := d.lastAttempt
	d.mu.Unlock()
	d.notifyPanelPausedFor(reason, last)
}

// notifyPanelPausedFor tells the panel to hold batches by attaching
// call_allowed=false to a failure report for the last attempted contact.
func (d *Dialer) notifyPanelPausedFor(reason string, last contact) {
	if d.panel == nil || (last.id == 0 && last.number == "") {
		return
	}
	disallowed := false
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	d.panel.ReportResult(ctx, panel.Report{
		NumberID:    last.id,
		PhoneNumber: last.number,
		Status:      report.StatusFailed,
		Reason:      reason,
		AttemptedAt: time.Now().Format(time.RFC3339),
		BatchID:     last.batchID,
		CallAllowed: &disallowed,
	})
}

func (d *Dialer) sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

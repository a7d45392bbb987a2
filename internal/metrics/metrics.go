// Package metrics exposes engine state to Prometheus. All values are
// gathered from live providers at scrape time; nothing is counted here.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionCounter exposes the number of live sessions.
type SessionCounter interface {
	Count() int
}

// DialerStats exposes the dialer's pause state and load.
type DialerStats interface {
	Paused() (reason string, paused bool)
	QueueLen() int
	InFlight() (outbound, inbound int)
	Originations() uint64
}

// FlowStats exposes the flow engine's cumulative outcome counters.
type FlowStats interface {
	ResultCounts() map[string]uint64
	STTFailures() uint64
	LLMFailures() uint64
}

// ReportQueue exposes the panel adapter's retry backlog.
type ReportQueue interface {
	PendingCount() int
}

// Collector is a prometheus.Collector that gathers dialflow metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	sessions  SessionCounter
	dialer    DialerStats
	flow      FlowStats
	reports   ReportQueue
	startTime time.Time

	activeSessionsDesc *prometheus.Desc
	dialerPausedDesc   *prometheus.Desc
	contactQueueDesc   *prometheus.Desc
	outboundDesc       *prometheus.Desc
	inboundDesc        *prometheus.Desc
	originationsDesc   *prometheus.Desc
	resultsDesc        *prometheus.Desc
	sttFailuresDesc    *prometheus.Desc
	llmFailuresDesc    *prometheus.Desc
	pendingReportsDesc *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

func NewCollector(sessions SessionCounter, dialer DialerStats, flow FlowStats, reports ReportQueue, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		dialer:    dialer,
		flow:      flow,
		reports:   reports,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"dialflow_active_sessions",
			"Number of live call sessions (inbound + outbound)",
			nil, nil,
		),
		dialerPausedDesc: prometheus.NewDesc(
			"dialflow_dialer_paused",
			"Whether the dialer is paused (1) and why",
			[]string{"reason"}, nil,
		),
		contactQueueDesc: prometheus.NewDesc(
			"dialflow_contact_queue",
			"Contacts waiting to be dialed",
			nil, nil,
		),
		outboundDesc: prometheus.NewDesc(
			"dialflow_outbound_in_flight",
			"Outbound calls currently in flight",
			nil, nil,
		),
		inboundDesc: prometheus.NewDesc(
			"dialflow_inbound_in_flight",
			"Inbound calls currently in flight",
			nil, nil,
		),
		originationsDesc: prometheus.NewDesc(
			"dialflow_originations_total",
			"Total outbound origination requests",
			nil, nil,
		),
		resultsDesc: prometheus.NewDesc(
			"dialflow_results_total",
			"Total finished sessions by reported status",
			[]string{"status"}, nil,
		),
		sttFailuresDesc: prometheus.NewDesc(
			"dialflow_stt_failures_total",
			"Total failed transcription requests",
			nil, nil,
		),
		llmFailuresDesc: prometheus.NewDesc(
			"dialflow_llm_failures_total",
			"Total failed intent-classification requests",
			nil, nil,
		),
		pendingReportsDesc: prometheus.NewDesc(
			"dialflow_panel_pending_reports",
			"Call-result reports queued for panel retry",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dialflow_uptime_seconds",
			"Seconds since the dialflow process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.dialerPausedDesc
	ch <- c.contactQueueDesc
	ch <- c.outboundDesc
	ch <- c.inboundDesc
	ch <- c.originationsDesc
	ch <- c.resultsDesc
	ch <- c.sttFailuresDesc
	ch <- c.llmFailuresDesc
	ch <- c.pendingReportsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Count()),
		)
	}

	if c.dialer != nil {
		reason, paused := c.dialer.Paused()
		val := 0.0
		if paused {
			val = 1.0
		} else {
			reason = ""
		}
		ch <- prometheus.MustNewConstMetric(c.dialerPausedDesc, prometheus.GaugeValue, val, reason)
		ch <- prometheus.MustNewConstMetric(
			c.contactQueueDesc, prometheus.GaugeValue,
			float64(c.dialer.QueueLen()),
		)
		outbound, inbound := c.dialer.InFlight()
		ch <- prometheus.MustNewConstMetric(c.outboundDesc, prometheus.GaugeValue, float64(outbound))
		ch <- prometheus.MustNewConstMetric(c.inboundDesc, prometheus.GaugeValue, float64(inbound))
		ch <- prometheus.MustNewConstMetric(
			c.originationsDesc, prometheus.CounterValue,
			float64(c.dialer.Originations()),
		)
	}

	if c.flow != nil {
		for status, n := range c.flow.ResultCounts() {
			ch <- prometheus.MustNewConstMetric(c.resultsDesc, prometheus.CounterValue, float64(n), status)
		}
		ch <- prometheus.MustNewConstMetric(c.sttFailuresDesc, prometheus.CounterValue, float64(c.flow.STTFailures()))
		ch <- prometheus.MustNewConstMetric(c.llmFailuresDesc, prometheus.CounterValue, float64(c.flow.LLMFailures()))
	}

	if c.reports != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pendingReportsDesc, prometheus.GaugeValue,
			float64(c.reports.PendingCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

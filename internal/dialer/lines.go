package dialer

import (
	"strings"
	"time"

	"github.com/dialflow/dialflow/internal/session"
)

// lineState tracks the live counters of one outbound line. All access
// goes through the dialer mutex.
type lineState struct {
	id    int64 // panel id, zero until the first batch
	phone string

	outbound int
	inbound  int

	attempts        []time.Time // origination timestamps inside the last minute
	daily           int
	dailyMarker     time.Time
	lastOrigination time.Time
}

func (l *lineState) total() int { return l.outbound + l.inbound }

// prune drops attempts that slid out of the per-minute window and
// resets the daily counter when the local date rolls over.
func (l *lineState) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(l.attempts) && l.attempts[i].Before(cutoff) {
		i++
	}
	l.attempts = l.attempts[i:]

	y1, m1, d1 := l.dailyMarker.Date()
	y2, m2, d2 := now.Date()
	if y1 != y2 || m1 != m2 || d1 != d2 {
		l.daily = 0
		l.dailyMarker = now
	}
}

// digits strips every non-digit character.
func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func lastFour(s string) string {
	d := digits(s)
	if len(d) <= 4 {
		return d
	}
	return d[len(d)-4:]
}

// MatchLine implements session.LineRegistry. An inbound DID maps to a
// configured line when the last four digits agree.
func (d *Dialer) MatchLine(did string) (string, bool) {
	suffix := lastFour(did)
	if suffix == "" {
		return "", false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.lines {
		if lastFour(l.phone) == suffix {
			return l.phone, true
		}
	}
	return "", false
}

// InboundStarted reserves inbound capacity on a line. Unmapped lines
// only consume the global inbound cap.
func (d *Dialer) InboundStarted(line string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if max := d.cfg.Dialer.MaxConcurrentInbound; max > 0 {
		total := d.unmappedInbound
		for _, l := range d.lines {
			total += l.inbound
		}
		if total >= max {
			return false
		}
	}

	if line == session.LineUnmapped {
		d.unmappedInbound++
		return true
	}
	l := d.byPhone[line]
	if l == nil {
		return true
	}
	if l.total() >= d.cfg.Dialer.MaxConcurrentCalls {
		return false
	}
	l.inbound++
	return true
}

func (d *Dialer) InboundEnded(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if line == session.LineUnmapped {
		if d.unmappedInbound > 0 {
			d.unmappedInbound--
		}
		return
	}
	if l := d.byPhone[line]; l != nil && l.inbound > 0 {
		l.inbound--
	}
}

// OutboundEnded releases the line and feeds the result into the
// consecutive-failure accounting.
func (d *Dialer) OutboundEnded(line, result string) {
	d.mu.Lock()
	if l := d.byPhone[line]; l != nil && l.outbound > 0 {
		l.outbound--
	}
	d.mu.Unlock()
	d.recordOutcome(result)
}

// pickLine chooses the least-loaded permissible line. nil means every
// line is saturated, throttled or yielding to queued inbound callers.
func (d *Dialer) pickLine(now time.Time) *lineState {
	spacing := d.perLineSpacing()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Global outbound ceiling across all lines, on top of the per-line
	// concurrency cap.
	if max := d.cfg.Dialer.MaxConcurrentOutbound; max > 0 {
		total := 0
		for _, l := range d.lines {
			total += l.outbound
		}
		if total >= max {
			return nil
		}
	}

	var best *lineState
	for _, l := range d.lines {
		l.prune(now)
		if d.sessions.InboundQueued(l.phone) {
			continue
		}
		if l.total() >= d.cfg.Dialer.MaxConcurrentCalls {
			continue
		}
		if max := d.cfg.Dialer.MaxCallsPerMinute; max > 0 && len(l.attempts) >= max {
			continue
		}
		if max := d.cfg.Dialer.MaxCallsPerDay; max > 0 && l.daily >= max {
			continue
		}
		if spacing > 0 && now.Sub(l.lastOrigination) < spacing {
			continue
		}
		if best == nil || lessLoaded(l, best) {
			best = l
		}
	}
	return best
}

// lessLoaded orders lines by in-flight total, then by recent attempts.
// Equal lines keep configuration order.
func lessLoaded(a, b *lineState) bool {
	if a.total() != b.total() {
		return a.total() < b.total()
	}
	return len(a.attempts) < len(b.attempts)
}

func (d *Dialer) perLineSpacing() time.Duration {
	rps := d.cfg.Dialer.MaxOriginationsPerSecond
	if rps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / rps)
}

// updateLineIDs remembers the panel's id for each configured line.
func (d *Dialer) updateLineIDs(lines []lineRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ref := range lines {
		suffix := lastFour(ref.phone)
		for _, l := range d.lines {
			if lastFour(l.phone) == suffix {
				l.id = ref.id
			}
		}
	}
}

type lineRef struct {
	id    int64
	phone string
}

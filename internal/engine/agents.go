package engine

import (
	"sync"

	"github.com/dialflow/dialflow/internal/panel"
)

// agent is one operator endpoint with its transient busy flag.
type agent struct {
	id    int64
	phone string
	busy  bool
}

// Roster is the set of live operators for one direction. Rosters are
// replaced wholesale on each panel batch; busy flags survive the
// replacement for agents that remain.
type Roster struct {
	mu     sync.Mutex
	agents []*agent
	cursor int
	seeded bool
}

func NewRoster() *Roster {
	return &Roster{}
}

// Seed installs the static fallback roster. It is replaced by the first
// non-empty panel roster and never restored.
func (r *Roster) Seed(list []panel.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = fromPanel(list, nil)
	r.seeded = true
}

// Update replaces the roster from a panel batch. An empty list keeps
// the current roster so a panel glitch does not strand transfers.
func (r *Roster) Update(list []panel.Agent) {
	if len(list) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	busyByPhone := make(map[string]bool, len(r.agents))
	for _, a := range r.agents {
		if a.busy {
			busyByPhone[a.phone] = true
		}
	}
	r.agents = fromPanel(list, busyByPhone)
	r.seeded = false
	if r.cursor >= len(r.agents) {
		r.cursor = 0
	}
}

func fromPanel(list []panel.Agent, busy map[string]bool) []*agent {
	out := make([]*agent, 0, len(list))
	for _, a := range list {
		if a.PhoneNumber == "" {
			continue
		}
		out = append(out, &agent{id: a.ID, phone: a.PhoneNumber, busy: busy[a.PhoneNumber]})
	}
	return out
}

// Snapshot returns the roster as panel agents, for diagnostics.
func (r *Roster) Snapshot() []panel.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]panel.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, panel.Agent{ID: a.id, PhoneNumber: a.phone})
	}
	return out
}

// Acquire picks the next non-busy agent round-robin, skipping any in
// exclude, and marks it busy. ok is false when every agent is busy or
// excluded.
func (r *Roster) Acquire(exclude map[string]bool) (id int64, phone string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.agents)
	for i := 0; i < n; i++ {
		a := r.agents[(r.cursor+i)%n]
		if a.busy || exclude[a.phone] {
			continue
		}
		a.busy = true
		r.cursor = (r.cursor + i + 1) % n
		return a.id, a.phone, true
	}
	return 0, "", false
}

// Release clears an agent's busy flag.
func (r *Roster) Release(phone string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.phone == phone {
			a.busy = false
			return
		}
	}
}

// scenarioIDMap remembers the panel's id for each scenario name.
type scenarioIDMap struct {
	mu sync.Mutex
	m  map[string]int64
}

func newScenarioIDMap() *scenarioIDMap {
	return &scenarioIDMap{m: make(map[string]int64)}
}

func (s *scenarioIDMap) update(refs []panel.ScenarioRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		s.m[ref.Name] = ref.ID
	}
}

func (s *scenarioIDMap) lookup(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[name]
}

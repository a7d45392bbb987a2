package scenario

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry loads scenario YAML files and assigns scenarios round-robin:
// one cursor for outbound contacts, an independent cursor for inbound calls
// restricted to scenarios that declare an inbound flow.
type Registry struct {
	mu             sync.Mutex
	scenarios      map[string]*Scenario
	enabled        []string
	outboundCursor int
	inboundCursor  int
	company        string
	logger         *slog.Logger
}

// LoadRegistry reads every *.yaml / *.yml file in dir. Scenarios tagged
// with a different company are skipped. A directory with no loadable
// scenarios is an error: the engine cannot run without flows.
func LoadRegistry(dir, company string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		scenarios: make(map[string]*Scenario),
		company:   strings.ToLower(strings.TrimSpace(company)),
		logger:    logger.With("subsystem", "scenarios"),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scenarios dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		path := filepath.Join(dir, name)
		sc, err := loadFile(path)
		if err != nil {
			r.logger.Error("failed to load scenario", "file", name, "error", err)
			continue
		}
		if sc.Name == "" {
			sc.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if sc.DisplayName == "" {
			sc.DisplayName = sc.Name
		}
		scCompany := strings.ToLower(strings.TrimSpace(sc.Company))
		if r.company != "" && scCompany != "" && scCompany != r.company {
			r.logger.Info("skipping scenario for other company",
				"scenario", sc.Name, "company", scCompany)
			continue
		}
		applyDefaults(sc)
		if err := validate(sc); err != nil {
			r.logger.Error("invalid scenario", "file", name, "error", err)
			continue
		}
		r.scenarios[sc.Name] = sc
		r.enabled = append(r.enabled, sc.Name)
		r.logger.Info("loaded scenario",
			"scenario", sc.Name,
			"outbound_steps", len(sc.Flow),
			"inbound_steps", len(sc.InboundFlow),
			"transfer_to_operator", sc.TransferToOperator,
		)
	}

	if len(r.scenarios) == 0 {
		return nil, fmt.Errorf("no usable scenarios in %s", dir)
	}
	return r, nil
}

func loadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// Accept both a bare scenario document and one nested under "scenario:".
	var wrapper struct {
		Scenario *Scenario `yaml:"scenario"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err == nil && wrapper.Scenario != nil {
		return wrapper.Scenario, nil
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("unmarshaling scenario: %w", err)
	}
	return &sc, nil
}

func applyDefaults(sc *Scenario) {
	if sc.STT.MaxDuration <= 0 {
		sc.STT.MaxDuration = 10
	}
	if sc.STT.MaxSilence <= 0 {
		sc.STT.MaxSilence = 2
	}
	if len(sc.LLM.IntentCategories) == 0 {
		sc.LLM.IntentCategories = []string{"yes", "no", "number_question", "unknown"}
	}
}

// validate checks the flow graphs for dangling edges.
func validate(sc *Scenario) error {
	if len(sc.Flow) == 0 {
		return fmt.Errorf("scenario %s has no outbound flow", sc.Name)
	}
	for _, inbound := range []bool{false, true} {
		steps := sc.Flow
		if inbound {
			steps = sc.InboundFlow
		}
		for _, st := range steps {
			if err := requireEdges(&st); err != nil {
				return fmt.Errorf("scenario %s: %w", sc.Name, err)
			}
			for _, target := range stepTargets(&st) {
				if target == "" {
					continue
				}
				if sc.Step(target, inbound) == nil {
					return fmt.Errorf("step %q references missing step %q", st.ID, target)
				}
			}
		}
	}
	return nil
}

// requireEdges checks that a step declares every edge its kind can take
// at runtime, so a flow can never dead-end with the call still up.
func requireEdges(st *Step) error {
	missing := func(edge string) error {
		return fmt.Errorf("step %q (%s) is missing %s", st.ID, st.Type, edge)
	}
	switch st.Type {
	case StepEntry, StepPlayPrompt, StepSetResult:
		if st.Next == "" {
			return missing("next")
		}
	case StepRecord, StepClassifyIntent:
		if st.Next == "" {
			return missing("next")
		}
		if st.OnFailure == "" {
			return missing("on_failure")
		}
	case StepRouteByIntent:
		if len(st.Routes) == 0 {
			return missing("routes")
		}
	case StepCheckRetryLimit:
		if st.Exceeded == "" {
			return missing("exceeded")
		}
	case StepTransferToOperator:
		if st.OnSuccess == "" {
			return missing("on_success")
		}
		if st.OnFailure == "" {
			return missing("on_failure")
		}
	}
	return nil
}

func stepTargets(st *Step) []string {
	targets := []string{st.Next, st.OnEmpty, st.OnFailure, st.OnSuccess, st.WithinLimit, st.Exceeded}
	for _, t := range st.Routes {
		targets = append(targets, t)
	}
	return targets
}

// Get returns a scenario by name, or nil.
func (r *Registry) Get(name string) *Scenario {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scenarios[name]
}

// Names returns the names of every loaded scenario.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.scenarios))
	for name := range r.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every loaded scenario.
func (r *Registry) All() []*Scenario {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Scenario, 0, len(r.scenarios))
	for _, name := range r.enabledLocked() {
		out = append(out, r.scenarios[name])
	}
	return out
}

func (r *Registry) enabledLocked() []string {
	return append([]string(nil), r.enabled...)
}

// SetEnabled restricts round-robin selection to the intersection of the
// panel's active scenarios and the locally loaded set. An empty or fully
// unknown list leaves the previous selection untouched.
func (r *Registry) SetEnabled(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var valid []string
	for _, name := range names {
		if _, ok := r.scenarios[name]; ok {
			valid = append(valid, name)
		}
	}
	if len(valid) == 0 {
		r.logger.Warn("no locally loaded scenario in active set", "active", names)
		return
	}
	r.enabled = valid
	r.outboundCursor = 0
	r.inboundCursor = 0
	r.logger.Info("active scenarios updated", "scenarios", valid)
}

// NextOutbound round-robins over the enabled scenarios for the next
// outbound contact. Returns nil when nothing is enabled.
func (r *Registry) NextOutbound() *Scenario {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.enabled) == 0 {
		return nil
	}
	name := r.enabled[r.outboundCursor%len(r.enabled)]
	r.outboundCursor = (r.outboundCursor + 1) % len(r.enabled)
	return r.scenarios[name]
}

// NextInbound round-robins over enabled scenarios that declare an inbound
// flow. Returns nil when none does (callers fall back to direct-to-agent).
func (r *Registry) NextInbound() *Scenario {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []string
	for _, name := range r.enabled {
		if sc := r.scenarios[name]; sc != nil && sc.HasInboundFlow() {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	name := candidates[r.inboundCursor%len(candidates)]
	r.inboundCursor = (r.inboundCursor + 1) % len(candidates)
	return r.scenarios[name]
}

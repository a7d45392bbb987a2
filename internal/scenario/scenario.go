// Package scenario holds the declarative call-flow definitions. A scenario
// names its prompts, STT/LLM tuning, and two step graphs: the outbound flow
// (required) and an optional inbound flow. Scenarios are immutable once
// loaded; the registry hands them out round-robin.
package scenario

// STTSettings tunes recording and transcription for a scenario.
type STTSettings struct {
	Hotwords    []string `yaml:"hotwords"`
	MaxDuration int      `yaml:"max_duration"`
	MaxSilence  int      `yaml:"max_silence"`
}

// LLMSettings configures intent classification. PromptTemplate may contain
// a {transcript} placeholder. FallbackTokens maps each intent category to
// substrings tried against the transcript when the LLM is unavailable.
type LLMSettings struct {
	PromptTemplate   string              `yaml:"prompt_template"`
	IntentCategories []string            `yaml:"intent_categories"`
	FallbackTokens   map[string][]string `yaml:"fallback_tokens"`
}

// Step kinds.
const (
	StepEntry              = "entry"
	StepPlayPrompt         = "play_prompt"
	StepRecord             = "record"
	StepClassifyIntent     = "classify_intent"
	StepRouteByIntent      = "route_by_intent"
	StepCheckRetryLimit    = "check_retry_limit"
	StepSetResult          = "set_result"
	StepTransferToOperator = "transfer_to_operator"
	StepDisconnect         = "disconnect"
	StepHangup             = "hangup"
	StepWait               = "wait"
)

// Step is one node of a flow graph. All transitions are explicit edges;
// there is no implicit fallthrough.
type Step struct {
	ID   string `yaml:"step"`
	Type string `yaml:"type"`

	Next string `yaml:"next"`

	// play_prompt
	Prompt string `yaml:"prompt"`

	// record / classify_intent / transfer_to_operator
	OnEmpty   string `yaml:"on_empty"`
	OnFailure string `yaml:"on_failure"`

	// route_by_intent
	Routes map[string]string `yaml:"routes"`

	// check_retry_limit
	Counter     string `yaml:"counter"`
	MaxCount    int    `yaml:"max_count"`
	WithinLimit string `yaml:"within_limit"`
	Exceeded    string `yaml:"exceeded"`

	// set_result
	Result string `yaml:"result"`

	// transfer_to_operator
	AgentType string `yaml:"agent_type"` // "inbound" or "outbound"
	OnSuccess string `yaml:"on_success"`
}

// Scenario is a full call-flow definition loaded from one YAML file.
type Scenario struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Company     string `yaml:"company"`

	// TransferToOperator controls whether a YES branch bridges the caller
	// to a live operator rather than concluding with a prompt.
	TransferToOperator bool `yaml:"transfer_to_operator"`

	// Prompts maps a prompt key to a media reference the telephony server
	// understands, e.g. "sound:custom/hello".
	Prompts map[string]string `yaml:"prompts"`

	STT STTSettings `yaml:"stt"`
	LLM LLMSettings `yaml:"llm"`

	Flow        []Step `yaml:"flow"`
	InboundFlow []Step `yaml:"inbound_flow"`
}

// Step looks up a step by id in the requested flow. Returns nil when absent.
func (s *Scenario) Step(id string, inbound bool) *Step {
	steps := s.Flow
	if inbound {
		steps = s.InboundFlow
	}
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i]
		}
	}
	return nil
}

// EntryStep finds the entry node of the requested flow, falling back to the
// first step when no explicit entry is declared.
func (s *Scenario) EntryStep(inbound bool) *Step {
	steps := s.Flow
	if inbound {
		steps = s.InboundFlow
	}
	for i := range steps {
		if steps[i].Type == StepEntry {
			return &steps[i]
		}
	}
	if len(steps) > 0 {
		return &steps[0]
	}
	return nil
}

// HasInboundFlow reports whether this scenario declares an inbound flow.
func (s *Scenario) HasInboundFlow() bool {
	return len(s.InboundFlow) > 0
}

// Media resolves a prompt key to its media reference, defaulting to the
// shared custom sound directory for keys the scenario does not override.
func (s *Scenario) Media(promptKey string) string {
	if m, ok := s.Prompts[promptKey]; ok && m != "" {
		return m
	}
	return "sound:custom/" + promptKey
}

package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dialflow/dialflow/internal/llm"
	"github.com/dialflow/dialflow/internal/report"
	"github.com/dialflow/dialflow/internal/scenario"
	"github.com/dialflow/dialflow/internal/session"
	"github.com/dialflow/dialflow/internal/stt"
)

// stepClassifyIntent transcribes the pending recording, classifies the
// transcript and stores both on the session.
func (e *Engine) stepClassifyIntent(s *session.Session, sc *scenario.Scenario, st *scenario.Step) (string, error) {
	audio := s.TakeAudio()
	if len(audio) == 0 {
		e.logger.Warn("classify step without audio", "session_id", s.ID)
		return st.OnFailure, nil
	}

	res, err := e.stt.Transcribe(s.Context(), audio, sc.STT.Hotwords)
	if err != nil {
		e.sttFailures.Add(1)
		if errors.Is(err, stt.ErrQuota) {
			e.handleQuota(s, report.ResultSTTQuota)
			return "", nil
		}
		if errors.Is(err, stt.ErrEmptyAudio) {
			// The service rejected the audio outright; the caller said
			// nothing usable and is treated as having hung up.
			s.SetResult(report.ResultHangup)
			e.finish(s, "service rejected empty audio")
			return "", nil
		}
		e.logger.Warn("transcription failed", "session_id", s.ID, "error", err)
		return st.OnFailure, nil
	}

	transcript := strings.TrimSpace(res.Text)
	if transcript == "" {
		e.logger.Info("empty transcript", "session_id", s.ID, "status", res.Status)
		return st.OnFailure, nil
	}

	s.SetTranscript(transcript)
	s.AddResponse(st.ID, transcript)
	e.logger.Info("transcript", "session_id", s.ID, "text", transcript)

	intent, err := e.detectIntent(s, sc, transcript)
	if err != nil {
		if errors.Is(err, llm.ErrQuota) {
			e.handleQuota(s, report.ResultLLMQuota)
			return "", nil
		}
		intent = "unknown"
	}
	s.SetIntent(intent)
	e.logIntent(s, intent, transcript)
	return st.Next, nil
}

// detectIntent asks the LLM for a category and falls back to scenario
// token matching when the model is unavailable or answers nonsense.
// Quota errors propagate; they must pause the campaign, not degrade.
func (e *Engine) detectIntent(s *session.Session, sc *scenario.Scenario, transcript string) (string, error) {
	if e.llm.Configured() {
		prompt := buildPrompt(sc, transcript)
		reply, err := e.llm.Chat(s.Context(), prompt, 0.2)
		if err != nil {
			e.llmFailures.Add(1)
			if errors.Is(err, llm.ErrQuota) {
				return "", err
			}
			e.logger.Warn("llm classification failed, falling back to tokens",
				"session_id", s.ID, "error", err)
		} else if intent := matchCategory(sc, reply); intent != "" {
			return intent, nil
		}
	}
	return fallbackIntent(sc, transcript), nil
}

// buildPrompt renders the scenario's template, or a generic
// classification prompt built from its categories and example tokens.
func buildPrompt(sc *scenario.Scenario, transcript string) string {
	if sc.LLM.PromptTemplate != "" {
		p := strings.ReplaceAll(sc.LLM.PromptTemplate, "{transcript}", transcript)
		return strings.ReplaceAll(p, "{intent_categories}", strings.Join(sc.LLM.IntentCategories, ", "))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Classify the user's reply into exactly one word: %s.\n",
		strings.Join(sc.LLM.IntentCategories, " / "))
	for _, cat := range sc.LLM.IntentCategories {
		tokens := sc.LLM.FallbackTokens[cat]
		if len(tokens) == 0 {
			continue
		}
		if len(tokens) > 30 {
			tokens = tokens[:30]
		}
		fmt.Fprintf(&b, "Examples %s: %s.\n", strings.ToUpper(cat), strings.Join(tokens, "; "))
	}
	fmt.Fprintf(&b, "User: %s", transcript)
	return b.String()
}

// matchCategory extracts a declared category from the model's reply.
// The first word wins; a category mentioned anywhere is second choice.
func matchCategory(sc *scenario.Scenario, reply string) string {
	normalized := strings.ToLower(strings.TrimSpace(reply))
	if normalized == "" {
		return ""
	}
	first := strings.Trim(strings.Fields(normalized)[0], " ,.;!?\"'")
	for _, cat := range sc.LLM.IntentCategories {
		if first == cat {
			return cat
		}
	}
	// Affirmative synonyms for a declared yes category.
	switch first {
	case "y", "yeah", "ok", "okay":
		if hasCategory(sc, "yes") {
			return "yes"
		}
	case "nah", "nope":
		if hasCategory(sc, "no") {
			return "no"
		}
	}
	for _, cat := range sc.LLM.IntentCategories {
		if cat == "unknown" {
			continue
		}
		if strings.Contains(normalized, cat) {
			return cat
		}
	}
	return ""
}

func hasCategory(sc *scenario.Scenario, cat string) bool {
	for _, c := range sc.LLM.IntentCategories {
		if c == cat {
			return true
		}
	}
	return false
}

// fallbackIntent is the graceful-degradation path: first category whose
// declared tokens substring-match the transcript wins.
func fallbackIntent(sc *scenario.Scenario, transcript string) string {
	text := strings.ToLower(transcript)
	for _, cat := range sc.LLM.IntentCategories {
		for _, token := range sc.LLM.FallbackTokens[cat] {
			if token != "" && strings.Contains(text, strings.ToLower(token)) {
				return cat
			}
		}
	}
	return "unknown"
}

// logIntent routes the transcript into the per-intent trace logs.
func (e *Engine) logIntent(s *session.Session, intent, transcript string) {
	switch intent {
	case "yes":
		e.logs.PositiveSTT.Info("transcript", "session_id", s.ID, "text", transcript)
	case "no":
		e.logs.NegativeSTT.Info("transcript", "session_id", s.ID, "text", transcript)
	default:
		e.logs.UnknownSTT.Info("transcript", "session_id", s.ID, "intent", intent, "text", transcript)
	}
}

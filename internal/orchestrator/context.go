package orchestrator

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nextlevelbuilder/replydesk/internal/providers"
	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// Quality tiers for knowledge snippets, derived from similarity score.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// QualityTier maps a similarity score to a tier.
func QualityTier(score float64) string {
	switch {
	case score >= 0.85:
		return TierHigh
	case score >= 0.70:
		return TierMedium
	default:
		return TierLow
	}
}

// GreetingInstruction is prepended to the prompt when the message opens with a greeting.
const GreetingInstruction = "The customer opened with a greeting. Greet them back briefly and warmly before answering."

// DefaultGreetings is used when no greeting phrases are configured.
var DefaultGreetings = []string{
	"hi", "hello", "hey", "good morning", "good afternoon", "good evening",
	"oi", "olá", "ola", "bom dia", "boa tarde", "boa noite",
	"hola", "buenos dias", "buenas tardes", "buenas noches",
}

// IsGreeting reports whether text opens with one of phrases as a whole word.
func IsGreeting(text string, phrases []string) bool {
	if len(phrases) == 0 {
		phrases = DefaultGreetings
	}
	t := strings.ToLower(strings.TrimSpace(text))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || !strings.HasPrefix(t, p) {
			continue
		}
		rest := []rune(t[len(p):])
		if len(rest) == 0 || !unicode.IsLetter(rest[0]) && !unicode.IsDigit(rest[0]) {
			return true
		}
	}
	return false
}

// formatHistory renders prior turns one per line.
func formatHistory(turns []store.ConversationMessage) string {
	var b strings.Builder
	for _, m := range turns {
		label := "Customer"
		switch m.Role {
		case store.RoleAssistant:
			label = "Assistant"
		case store.RoleSystem:
			label = "System"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatSnippets renders knowledge snippets annotated with their tier.
func formatSnippets(snippets []providers.Snippet) string {
	var b strings.Builder
	for _, s := range snippets {
		if strings.TrimSpace(s.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", QualityTier(s.Score), strings.TrimSpace(s.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

// assembleSystemPrompt joins the base prompt with the greeting hint,
// conversation history and knowledge sections.
func assembleSystemPrompt(base string, greeting bool, history, knowledge string) string {
	var parts []string
	if greeting {
		parts = append(parts, GreetingInstruction)
	}
	if base != "" {
		parts = append(parts, base)
	}
	if history != "" {
		parts = append(parts, "## Conversation so far\n"+history)
	}
	if knowledge != "" {
		parts = append(parts, "## Relevant knowledge\n"+knowledge)
	}
	return strings.Join(parts, "\n\n")
}

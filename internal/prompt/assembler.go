// Package prompt assembles the system instructions and tool list for one
// generation request, applying the channel persona, caller preferences and
// guardrails.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"guidance-agent/internal/config"
	"guidance-agent/internal/domain"
)

// SMSMaxLength is the longest reply sent over messaging.
const SMSMaxLength = 1500

// Preferences are the caller settings that shape the prompt.
type Preferences struct {
	FirstName   string
	Translation string
}

// Spec is everything the generation engine needs besides the conversation.
type Spec struct {
	SystemInstructions []string
	Tools              []domain.ToolDescriptor
	// Crisis is set when the crisis directive replaced the persona. Tools
	// are never offered in that state.
	Crisis bool
}

// ToolLister is satisfied by *tools.Registry.
type ToolLister interface {
	Descriptors() []domain.ToolDescriptor
}

type Assembler struct {
	cfg       *config.Config
	tools     ToolLister
	profanity *regexp.Regexp
}

func NewAssembler(cfg *config.Config, tools ToolLister) (*Assembler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("prompt: config must not be nil")
	}
	a := &Assembler{cfg: cfg, tools: tools}
	if words := cfg.Guardrails.Profanity; len(words) > 0 {
		quoted := make([]string, 0, len(words))
		for _, w := range words {
			if w = strings.TrimSpace(w); w != "" {
				quoted = append(quoted, regexp.QuoteMeta(w))
			}
		}
		if len(quoted) > 0 {
			re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
			if err != nil {
				return nil, fmt.Errorf("prompt: compile profanity pattern: %w", err)
			}
			a.profanity = re
		}
	}
	return a, nil
}

// Build returns the prompt for an inbound message on channel ch.
func (a *Assembler) Build(ch domain.Channel, prefs Preferences, inbound string) Spec {
	if a.IsCrisis(inbound) {
		return Spec{SystemInstructions: []string{a.cfg.Crisis.Directive}, Crisis: true}
	}

	persona := a.cfg.PersonaFor(ch)
	if name := sanitize(prefs.FirstName, 40); name != "" {
		persona += fmt.Sprintf("\n\nThe person's first name is %s. Use it naturally, not in every reply.", name)
	}
	if tr := sanitize(prefs.Translation, 32); tr != "" {
		persona += fmt.Sprintf("\n\nIMPORTANT: When citing Bible verses, always use the %s translation. "+
			"The user has specifically requested this version.", tr)
	}

	spec := Spec{SystemInstructions: []string{persona}}
	if a.profanity != nil && a.profanity.MatchString(inbound) && a.cfg.Guardrails.RedirectPrompt != "" {
		spec.SystemInstructions = append(spec.SystemInstructions, "GUIDANCE: "+a.cfg.Guardrails.RedirectPrompt)
	}
	if a.tools != nil {
		spec.Tools = a.tools.Descriptors()
	}
	return spec
}

// IsCrisis reports whether text contains a configured crisis keyword.
func (a *Assembler) IsCrisis(text string) bool {
	lower := strings.ToLower(collapseSpace(text))
	for _, kw := range a.cfg.Crisis.Keywords {
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Conversation converts stored history plus the inbound text into chat
// messages, oldest first. System instructions are not included; the engine
// prepends them on every model call.
func Conversation(history []domain.Message, inbound string) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		switch m.Role {
		case domain.RoleUser:
			out = append(out, domain.ChatMessage{Role: "user", Content: text})
		case domain.RoleAssistant:
			out = append(out, domain.ChatMessage{Role: "assistant", Content: text})
		}
	}
	return append(out, domain.ChatMessage{Role: "user", Content: inbound})
}

// FormatReply applies channel limits to a final reply.
func FormatReply(ch domain.Channel, text string) string {
	text = strings.TrimSpace(text)
	if ch != domain.ChannelSMS {
		return text
	}
	runes := []rune(text)
	if len(runes) <= SMSMaxLength {
		return text
	}
	return string(runes[:SMSMaxLength-3]) + "..."
}

// sanitize keeps a preference value safe to splice into instructions.
func sanitize(s string, max int) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '\'' || r == '.' {
			b.WriteRune(r)
		}
	}
	out := collapseSpace(b.String())
	if len([]rune(out)) > max {
		out = string([]rune(out)[:max])
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package broker

import (
	"fmt"
	"strings"
)

// messages holds the user-facing chat strings for one language.
// Anything not covered by a known language falls back to English.
type messages struct {
	busy              string
	aborted           string
	failed            string
	permissionTimeout string
	permissionHeader  string
	questionHeader    string
	timeoutNote       string
	denyHint          string
}

var messageSets = map[string]messages{
	"en": {
		busy:              "⏳ Still working on the previous request. Send /stop to abort.",
		aborted:           "🛑 Aborted.",
		failed:            "⚠️ Something went wrong. Please try again.",
		permissionTimeout: "⏱️ No response — permission denied automatically.",
		permissionHeader:  "🔐 The agent wants to use *%s*",
		questionHeader:    "❓ %s",
		timeoutNote:       "Reply within %ds or it will be denied.",
		denyHint:          "Reply *yes* to allow, anything else to deny.",
	},
	"de": {
		busy:              "⏳ Ich arbeite noch an der vorherigen Anfrage. /stop zum Abbrechen.",
		aborted:           "🛑 Abgebrochen.",
		failed:            "⚠️ Etwas ist schiefgelaufen. Bitte versuche es erneut.",
		permissionTimeout: "⏱️ Keine Antwort — Berechtigung automatisch abgelehnt.",
		permissionHeader:  "🔐 Der Agent möchte *%s* verwenden",
		questionHeader:    "❓ %s",
		timeoutNote:       "Antworte innerhalb von %ds, sonst wird abgelehnt.",
		denyHint:          "Antworte *ja* zum Erlauben, alles andere lehnt ab.",
	},
}

// affirmatives maps a language to the extra tokens accepted as "allow"
// in chat replies, on top of the universal set.
var affirmatives = map[string][]string{
	"en": {"allow", "yes", "y", "1"},
	"de": {"allow", "yes", "y", "1", "ja", "j"},
}

func messagesFor(lang string) messages {
	if m, ok := messageSets[lang]; ok {
		return m
	}
	return messageSets["en"]
}

func isAffirmative(lang, text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	tokens, ok := affirmatives[lang]
	if !ok {
		tokens = affirmatives["en"]
	}
	for _, tok := range tokens {
		if t == tok {
			return true
		}
	}
	return false
}

// permissionPrompt renders the chat prompt for a pending request.
func permissionPrompt(m messages, p *Pending, timeoutSec int) string {
	var b strings.Builder
	if p.Kind == KindQuestion {
		for i, q := range p.Questions {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, m.questionHeader, q.Question)
			for j, opt := range q.Options {
				fmt.Fprintf(&b, "\n%d. %s", j+1, opt)
			}
		}
	} else {
		fmt.Fprintf(&b, m.permissionHeader, p.ToolName)
		if summary := inputSummary(p.ToolInput); summary != "" {
			b.WriteString("\n")
			b.WriteString(summary)
		}
		b.WriteString("\n")
		b.WriteString(m.denyHint)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, m.timeoutNote, timeoutSec)
	return b.String()
}

// inputSummary renders the interesting parts of a tool input for the
// chat prompt, truncated per value.
func inputSummary(input map[string]interface{}) string {
	var parts []string
	for _, key := range []string{"command", "file_path", "path", "url", "pattern"} {
		if v, ok := input[key].(string); ok && v != "" {
			if len(v) > 200 {
				v = v[:200] + "…"
			}
			parts = append(parts, fmt.Sprintf("`%s`", v))
		}
	}
	return strings.Join(parts, "\n")
}

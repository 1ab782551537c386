package scoring

import (
	"strings"
	"unicode/utf8"
)

const (
	descriptionPlaceholder = "{description}"
	namePlaceholder        = "{name}"
	DefaultMaxTextRunes    = 5000
)

const DefaultPromptTemplate = `You are screening companies as prospects for cross-border financial services.

Company: {name}
Business description:
{description}

Decide which of these business types the company is engaged in:
- "cross-border payment": international payments, settlement, remittance or currency exchange
- "overseas loan": overseas lending, cross-border financing, trade or export credit
- "other financial": any other financial service

Rate the company's willingness to pay for such services from 1 (very unlikely) to 10 (very likely).

Reply with a single JSON object and nothing else:
{"business_types": ["..."], "payment_willingness_score": 1-10, "confidence": 0.0-1.0, "reason": "one or two sentences"}`

// BuildPrompt fills the template. Text longer than maxRunes is truncated;
// maxRunes <= 0 disables truncation.
func BuildPrompt(template, name, text string, maxRunes int) string {
	if template == "" {
		template = DefaultPromptTemplate
	}
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		text = string([]rune(text)[:maxRunes])
	}
	return strings.NewReplacer(
		descriptionPlaceholder, text,
		namePlaceholder, name,
	).Replace(template)
}

package carrier

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"
)

// MaxBodyLen is the longest body sent; Twilio rejects anything over 1600
// characters.
const MaxBodyLen = 1600

// DefaultTemplate is used when a trigger has no message template.
const DefaultTemplate = `New {{.event_type}} event on {{.domain}}`

// TemplateData is what a message template can reference:
// {{.event_type}}, {{.domain}} and {{.metadata.<key>}}.
func TemplateData(eventType, domain string, payload json.RawMessage) map[string]any {
	metadata := map[string]any{}
	if len(payload) > 0 {
		// non-object payloads simply leave metadata empty
		_ = json.Unmarshal(payload, &metadata)
	}
	return map[string]any{
		"event_type": eventType,
		"domain":     domain,
		"metadata":   metadata,
	}
}

// Render executes tmpl against data. Missing keys render empty rather than
// "<no value>". The result is trimmed and cut to MaxBodyLen runes.
func Render(tmpl string, data map[string]any) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultTemplate
	}

	t, err := template.New("sms").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	body := strings.ReplaceAll(strings.TrimSpace(b.String()), "<no value>", "")
	if utf8.RuneCountInString(body) > MaxBodyLen {
		body = string([]rune(body)[:MaxBodyLen])
	}
	return body, nil
}

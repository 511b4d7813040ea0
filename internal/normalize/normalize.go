// Package normalize maps third-party webhook bodies onto the canonical
// (event_type, payload) pair. Rules are tried in order and the first match
// wins; anything unrecognised becomes webhook:generic with the whole body as
// payload.
package normalize

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"
)

// MaxEventTypeLen is the longest event type, in characters, the event store
// accepts.
const MaxEventTypeLen = 50

// GenericEventType is used when no rule recognises the body.
const GenericEventType = "webhook:generic"

// Shapes reported in Result.Shape.
const (
	ShapeBilling  = "billing"
	ShapeForm     = "form"
	ShapeEnvelope = "envelope"
	ShapeZapier   = "zapier"
	ShapeGeneric  = "generic"
)

// ErrInvalidBody means the body was not a JSON object. It is the only way
// normalization fails.
var ErrInvalidBody = errors.New("body must be a JSON object")

type Result struct {
	EventType string
	Payload   json.RawMessage
	Shape     string
}

type document map[string]json.RawMessage

type rule struct {
	name  string
	match func(doc document, h http.Header) bool
	apply func(doc document, raw []byte, h http.Header) Result
}

var defaultRules = []rule{billingRule, formRule, zapierRule, envelopeRule}

// Everything arriving on the Zapier endpoint is a zap, marked or not.
var zapierRoute = rule{
	name:  ShapeZapier,
	match: func(document, http.Header) bool { return true },
	apply: zapierRule.apply,
}

// Normalize maps a webhook body using the default rule order.
func Normalize(raw []byte, h http.Header) (Result, error) {
	return apply(defaultRules, raw, h)
}

// NormalizeZapier maps bodies posted to the dedicated Zapier endpoint.
func NormalizeZapier(raw []byte, h http.Header) (Result, error) {
	return apply([]rule{zapierRoute}, raw, h)
}

func apply(rules []rule, raw []byte, h http.Header) (Result, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return Result{}, ErrInvalidBody
	}
	if h == nil {
		h = http.Header{}
	}

	for _, r := range rules {
		if r.match(doc, h) {
			res := r.apply(doc, raw, h)
			if res.EventType == "" {
				continue
			}
			res.EventType = clampEventType(res.EventType)
			if len(res.Payload) == 0 {
				res.Payload = json.RawMessage(raw)
			}
			return res, nil
		}
	}

	return Result{EventType: GenericEventType, Payload: json.RawMessage(raw), Shape: ShapeGeneric}, nil
}

func clampEventType(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxEventTypeLen {
		return s
	}
	return string([]rune(s)[:MaxEventTypeLen])
}

func (d document) str(key string) string {
	v, ok := d[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

func (d document) object(key string) document {
	v, ok := d[key]
	if !ok {
		return nil
	}
	var obj document
	if err := json.Unmarshal(v, &obj); err != nil {
		return nil
	}
	return obj
}

func (d document) has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := d[k]; ok {
			return true
		}
	}
	return false
}

// Billing providers sign with a dedicated header and wrap the resource in
// data.object.
var billingRule = rule{
	name: ShapeBilling,
	match: func(doc document, h http.Header) bool {
		if doc.str("type") == "" {
			return false
		}
		if h.Get("Stripe-Signature") != "" {
			return true
		}
		data := doc.object("data")
		return data != nil && data.object("object") != nil
	},
	apply: func(doc document, raw []byte, h http.Header) Result {
		res := Result{EventType: "billing:" + doc.str("type"), Shape: ShapeBilling}
		if data := doc.object("data"); data != nil {
			res.Payload = data["object"]
		}
		return res
	},
}

var formRule = rule{
	name: ShapeForm,
	match: func(doc document, h http.Header) bool {
		return h.Get("X-Form-Provider") != "" ||
			doc.has("form_id", "formId", "form_name", "form_response")
	},
	apply: func(doc document, raw []byte, h http.Header) Result {
		res := Result{EventType: "form:submission", Shape: ShapeForm}
		// Typeform nests the answers; other providers post them flat
		if doc.object("form_response") != nil {
			res.Payload = doc["form_response"]
		}
		return res
	},
}

// The envelope is what our own SDK and most hand-written integrations send:
// a type field plus a data or metadata object.
var envelopeRule = rule{
	name: ShapeEnvelope,
	match: func(doc document, h http.Header) bool {
		return doc.str("event_type") != "" || doc.str("type") != ""
	},
	apply: func(doc document, raw []byte, h http.Header) Result {
		eventType := doc.str("event_type")
		if eventType == "" {
			eventType = doc.str("type")
		}
		res := Result{EventType: eventType, Shape: ShapeEnvelope}
		for _, key := range []string{"metadata", "data"} {
			if doc.object(key) != nil {
				res.Payload = doc[key]
				break
			}
		}
		if res.Payload == nil {
			res.Payload = json.RawMessage("{}")
		}
		return res
	},
}

var zapierRule = rule{
	name: ShapeZapier,
	match: func(doc document, h http.Header) bool {
		return h.Get("X-Zapier-Source") != "" || doc.has("zap_id", "zap")
	},
	apply: func(doc document, raw []byte, h http.Header) Result {
		name := doc.str("event")
		if name == "" {
			name = doc.str("event_type")
		}
		if name == "" {
			name = "webhook"
		}
		if !strings.HasPrefix(name, "zapier:") {
			name = "zapier:" + name
		}
		return Result{EventType: name, Payload: raw, Shape: ShapeZapier}
	},
}

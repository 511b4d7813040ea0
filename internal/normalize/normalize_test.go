package normalize

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"
)

func payloadField(t *testing.T, payload json.RawMessage, key string) any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("payload is not an object: %v (%s)", err, payload)
	}
	return m[key]
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		headers   map[string]string
		wantType  string
		wantShape string
		wantKey   string // a key expected at the top level of the payload
	}{
		{
			name:      "envelope with metadata",
			body:      `{"event_type":"user:signup","metadata":{"plan":"pro"}}`,
			wantType:  "user:signup",
			wantShape: ShapeEnvelope,
			wantKey:   "plan",
		},
		{
			name:      "envelope with type and data",
			body:      `{"type":"order:paid","data":{"order_id":"o_1"}}`,
			wantType:  "order:paid",
			wantShape: ShapeEnvelope,
			wantKey:   "order_id",
		},
		{
			name:      "billing by nested object",
			body:      `{"type":"invoice.paid","data":{"object":{"id":"in_1","amount_paid":500}}}`,
			wantType:  "billing:invoice.paid",
			wantShape: ShapeBilling,
			wantKey:   "amount_paid",
		},
		{
			name:      "billing by signature header",
			body:      `{"type":"customer.created","data":{"id":"cus_1"}}`,
			headers:   map[string]string{"Stripe-Signature": "t=1,v1=abc"},
			wantType:  "billing:customer.created",
			wantShape: ShapeBilling,
			wantKey:   "type",
		},
		{
			name:      "typeform response",
			body:      `{"event_id":"x","form_response":{"form_id":"f1","answers":[]}}`,
			wantType:  "form:submission",
			wantShape: ShapeForm,
			wantKey:   "answers",
		},
		{
			name:      "flat form post",
			body:      `{"form_name":"contact","email":"a@example.com"}`,
			wantType:  "form:submission",
			wantShape: ShapeForm,
			wantKey:   "email",
		},
		{
			name:      "form by provider header",
			body:      `{"name":"A"}`,
			headers:   map[string]string{"X-Form-Provider": "webflow"},
			wantType:  "form:submission",
			wantShape: ShapeForm,
			wantKey:   "name",
		},
		{
			name:      "zapier by header",
			body:      `{"event":"new_lead","email":"a@example.com"}`,
			headers:   map[string]string{"X-Zapier-Source": "zap"},
			wantType:  "zapier:new_lead",
			wantShape: ShapeZapier,
			wantKey:   "email",
		},
		{
			name:      "zapier by zap id",
			body:      `{"zap_id":"123","lead":"x"}`,
			wantType:  "zapier:webhook",
			wantShape: ShapeZapier,
			wantKey:   "lead",
		},
		{
			name:      "unrecognised shape falls back",
			body:      `{"foo":"bar","nested":{"a":1}}`,
			wantType:  GenericEventType,
			wantShape: ShapeGeneric,
			wantKey:   "foo",
		},
		{
			name:      "empty object falls back",
			body:      `{}`,
			wantType:  GenericEventType,
			wantShape: ShapeGeneric,
		},
		{
			name:      "non-string type falls back",
			body:      `{"type":42,"data":{}}`,
			wantType:  GenericEventType,
			wantShape: ShapeGeneric,
			wantKey:   "type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			res, err := Normalize([]byte(tt.body), h)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.EventType != tt.wantType {
				t.Errorf("EventType = %q, want %q", res.EventType, tt.wantType)
			}
			if res.Shape != tt.wantShape {
				t.Errorf("Shape = %q, want %q", res.Shape, tt.wantShape)
			}
			if tt.wantKey != "" && payloadField(t, res.Payload, tt.wantKey) == nil {
				t.Errorf("payload %s missing key %q", res.Payload, tt.wantKey)
			}
		})
	}
}

func TestNormalize_InvalidBody(t *testing.T) {
	for _, body := range []string{``, `not json`, `[1,2,3]`, `"string"`, `null`} {
		if _, err := Normalize([]byte(body), nil); !errors.Is(err, ErrInvalidBody) {
			t.Errorf("body %q: expected ErrInvalidBody, got %v", body, err)
		}
	}
}

func TestNormalize_ClampsEventType(t *testing.T) {
	long := strings.Repeat("x", 80)
	res, err := Normalize([]byte(`{"event_type":"`+long+`"}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.EventType) != MaxEventTypeLen {
		t.Errorf("expected event type clamped to %d, got %d", MaxEventTypeLen, len(res.EventType))
	}
}

func TestNormalize_ClampsByCharacter(t *testing.T) {
	tests := []struct {
		name string
		typ  string
		want string
	}{
		// "billing:" + 41 letters + "é" is 50 characters but 51 bytes
		{"fits in characters", strings.Repeat("a", 41) + "é", "billing:" + strings.Repeat("a", 41) + "é"},
		{"multi-byte rune on the boundary", strings.Repeat("a", 41) + "éé", "billing:" + strings.Repeat("a", 41) + "é"},
		{"all multi-byte", strings.Repeat("日", 60), "billing:" + strings.Repeat("日", 42)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"type":"` + tt.typ + `","data":{"object":{}}}`
			res, err := Normalize([]byte(body), nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !utf8.ValidString(res.EventType) {
				t.Fatalf("event type is not valid UTF-8: %q", res.EventType)
			}
			if res.EventType != tt.want {
				t.Errorf("event type = %q, want %q", res.EventType, tt.want)
			}
			if n := utf8.RuneCountInString(res.EventType); n > MaxEventTypeLen {
				t.Errorf("event type has %d characters", n)
			}
		})
	}
}

func TestNormalizeZapier(t *testing.T) {
	tests := []struct {
		body     string
		wantType string
	}{
		{`{"event":"deal_won","amount":10}`, "zapier:deal_won"},
		{`{"event_type":"lead:new"}`, "zapier:lead:new"},
		{`{"event":"zapier:custom"}`, "zapier:custom"},
		{`{"anything":"goes"}`, "zapier:webhook"},
	}

	for _, tt := range tests {
		res, err := NormalizeZapier([]byte(tt.body), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.EventType != tt.wantType {
			t.Errorf("%s: EventType = %q, want %q", tt.body, res.EventType, tt.wantType)
		}
		if res.Shape != ShapeZapier {
			t.Errorf("%s: Shape = %q", tt.body, res.Shape)
		}
	}
}

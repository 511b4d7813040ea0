package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/circuitbreaker"
)

type fakeTwilio struct {
	sid    string
	err    error
	block  chan struct{}
	params *twilioapi.CreateMessageParams
}

func (f *fakeTwilio) CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error) {
	f.params = params
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &twilioapi.ApiV2010Message{Sid: &f.sid}, nil
}

func TestTwilio_Send(t *testing.T) {
	fake := &fakeTwilio{sid: "SM123"}
	c := newTwilio(fake, TwilioConfig{FromNumber: "+15550000000"}, zap.NewNop())

	sid, err := c.Send(context.Background(), Outbound{
		MessageID:   "m-1",
		To:          "+15551234567",
		Body:        "hello",
		CallbackURL: "https://relay.example.com/webhooks/carrier/status",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if sid != "SM123" {
		t.Errorf("sid = %q", sid)
	}
	if *fake.params.To != "+15551234567" || *fake.params.From != "+15550000000" {
		t.Errorf("to/from = %s/%s", *fake.params.To, *fake.params.From)
	}
	if fake.params.StatusCallback == nil {
		t.Error("status callback should be set")
	}
}

func TestTwilio_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		code      string
	}{
		{"invalid number", &twilioclient.TwilioRestError{Status: 400, Code: 21211, Message: "invalid To"}, false, "21211"},
		{"unsubscribed", &twilioclient.TwilioRestError{Status: 400, Code: 21610, Message: "unsubscribed"}, false, "21610"},
		{"throttled", &twilioclient.TwilioRestError{Status: 429, Code: 20429, Message: "too many requests"}, true, "20429"},
		{"server error", &twilioclient.TwilioRestError{Status: 503, Code: 20500, Message: "unavailable"}, true, "20500"},
		{"network", errors.New("connection reset"), true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTwilio(&fakeTwilio{err: tt.err}, TwilioConfig{}, zap.NewNop())
			_, err := c.Send(context.Background(), Outbound{To: "+1", Body: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
			if ErrorCode(err) != tt.code {
				t.Errorf("code = %q, want %q", ErrorCode(err), tt.code)
			}
		})
	}
}

func TestTwilio_Timeout(t *testing.T) {
	fake := &fakeTwilio{sid: "SM1", block: make(chan struct{})}
	defer close(fake.block)
	c := newTwilio(fake, TwilioConfig{Timeout: 20 * time.Millisecond}, zap.NewNop())

	start := time.Now()
	_, err := c.Send(context.Background(), Outbound{To: "+1", Body: "x"})
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("timeouts are retryable")
	}
	if time.Since(start) > time.Second {
		t.Error("send did not honour its timeout")
	}
}

type fakeSNS struct {
	in  *sns.PublishInput
	err error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func TestSNS_Send(t *testing.T) {
	fake := &fakeSNS{}
	c := newSNS(fake, SNSConfig{SenderID: "Relay"}, zap.NewNop())

	id, err := c.Send(context.Background(), Outbound{To: "+15551234567", Body: "sale", Class: "marketing"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if id != "sns-1" {
		t.Errorf("id = %q", id)
	}
	if aws.ToString(fake.in.PhoneNumber) != "+15551234567" {
		t.Errorf("phone = %s", aws.ToString(fake.in.PhoneNumber))
	}
	if got := aws.ToString(fake.in.MessageAttributes["AWS.SNS.SMS.SMSType"].StringValue); got != "Promotional" {
		t.Errorf("SMSType = %s", got)
	}
	if _, ok := fake.in.MessageAttributes["AWS.SNS.SMS.SenderID"]; !ok {
		t.Error("sender id attribute missing")
	}
}

func TestSNS_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"server fault", &smithy.GenericAPIError{Code: "InternalError", Message: "boom", Fault: smithy.FaultServer}, true},
		{"throttled", &smithy.GenericAPIError{Code: "Throttling", Message: "slow down", Fault: smithy.FaultClient}, true},
		{"invalid parameter", &smithy.GenericAPIError{Code: "InvalidParameter", Message: "bad number", Fault: smithy.FaultClient}, false},
		{"network", errors.New("dial tcp: timeout"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newSNS(&fakeSNS{err: tt.err}, SNSConfig{}, zap.NewNop())
			_, err := c.Send(context.Background(), Outbound{To: "+1", Body: "x"})
			if IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v (%v)", IsRetryable(err), tt.retryable, err)
			}
		})
	}
}

func TestLog_Send(t *testing.T) {
	id, err := NewLog(zap.NewNop()).Send(context.Background(), Outbound{To: "+1", Body: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(id, "log-") {
		t.Errorf("id = %q", id)
	}
}

type scriptedCarrier struct {
	errs  []error
	calls int
}

func (s *scriptedCarrier) Name() string { return "scripted" }

func (s *scriptedCarrier) Send(context.Context, Outbound) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	return "ok", nil
}

func TestProtected_OpenCircuitIsRetryable(t *testing.T) {
	down := Retryablef("scripted", nil, "down")
	inner := &scriptedCarrier{errs: []error{down, down}}
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "scripted", MaxFailures: 2, RecoveryTimeout: time.Hour}, zap.NewNop())
	p := NewProtected(inner, breaker, zap.NewNop())

	p.Send(context.Background(), Outbound{})
	p.Send(context.Background(), Outbound{})

	_, err := p.Send(context.Background(), Outbound{MessageID: "m-3"})
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("open circuit must be retryable")
	}
	if inner.calls != 2 {
		t.Errorf("carrier called %d times, want 2", inner.calls)
	}
}

func TestProtected_TerminalErrorsKeepCircuitClosed(t *testing.T) {
	bad := Terminalf("scripted", "21211", nil, "invalid number")
	inner := &scriptedCarrier{errs: []error{bad, bad, bad, bad}}
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "scripted", MaxFailures: 2}, zap.NewNop())
	p := NewProtected(inner, breaker, zap.NewNop())

	for i := 0; i < 4; i++ {
		p.Send(context.Background(), Outbound{})
	}
	if breaker.GetState() != circuitbreaker.StateClosed {
		t.Fatalf("state = %s", breaker.GetState())
	}
	if id, err := p.Send(context.Background(), Outbound{}); err != nil || id != "ok" {
		t.Fatalf("send = %q, %v", id, err)
	}
}

func TestRender(t *testing.T) {
	data := TemplateData("form:submission", "acme.com", json.RawMessage(`{"name":"Ada","plan":"pro"}`))

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"default", "", "New form:submission event on acme.com"},
		{"metadata", "{{.metadata.name}} signed up for {{.metadata.plan}}", "Ada signed up for pro"},
		{"missing key", "Hi {{.metadata.nope}}!", "Hi !"},
		{"trimmed", "  {{.domain}}  ", "acme.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, data)
			if err != nil {
				t.Fatalf("render failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_Truncates(t *testing.T) {
	got, err := Render(strings.Repeat("é", MaxBodyLen+50), nil)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if n := len([]rune(got)); n != MaxBodyLen {
		t.Errorf("len = %d, want %d", n, MaxBodyLen)
	}
}

func TestRender_BadTemplate(t *testing.T) {
	if _, err := Render("{{.event_type", nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTemplateData_NonObjectPayload(t *testing.T) {
	data := TemplateData("x", "d", json.RawMessage(`[1,2]`))
	if m, ok := data["metadata"].(map[string]any); !ok || len(m) != 0 {
		t.Errorf("metadata = %#v", data["metadata"])
	}
}

package carrier

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// TwilioConfig holds Twilio credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Timeout    time.Duration
}

type messageCreator interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
}

// Twilio sends SMS through the Twilio Messages API.
type Twilio struct {
	api     messageCreator
	from    string
	timeout time.Duration
	logger  *zap.Logger
}

func NewTwilio(cfg TwilioConfig, logger *zap.Logger) *Twilio {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilio(client.Api, cfg, logger)
}

func newTwilio(api messageCreator, cfg TwilioConfig, logger *zap.Logger) *Twilio {
	return &Twilio{
		api:     api,
		from:    cfg.FromNumber,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) Send(ctx context.Context, msg Outbound) (string, error) {
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(t.from)
	params.SetBody(msg.Body)
	if msg.CallbackURL != "" {
		params.SetStatusCallback(msg.CallbackURL)
	}

	sid, err := sendWithTimeout(ctx, t.timeout, func() (string, error) {
		resp, err := t.api.CreateMessage(params)
		if err != nil {
			return "", err
		}
		if resp.Sid == nil {
			return "", Retryablef(t.Name(), nil, "response missing message sid")
		}
		return *resp.Sid, nil
	})
	if err != nil {
		return "", classifyTwilio(err)
	}

	t.logger.Debug("sms accepted by twilio",
		zap.String("message_id", msg.MessageID),
		zap.String("sid", sid),
	)
	return sid, nil
}

// classifyTwilio maps a Twilio failure onto the retry taxonomy: throttling
// and server errors are transient, other API rejections (invalid number,
// unsubscribed recipient) are final.
func classifyTwilio(err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	var rest *twilioclient.TwilioRestError
	if errors.As(err, &rest) {
		code := strconv.Itoa(rest.Code)
		if rest.Status == http.StatusTooManyRequests || rest.Status >= 500 {
			e := Retryablef("twilio", err, "%s", rest.Message)
			e.Code, e.Status = code, rest.Status
			return e
		}
		e := Terminalf("twilio", code, err, "%s", rest.Message)
		e.Status = rest.Status
		return e
	}

	// network errors and timeouts
	return Retryablef("twilio", err, "%v", err)
}

package carrier

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Log is a development carrier that logs each message and reports success.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(ctx context.Context, msg Outbound) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "log-" + uuid.NewString()
	l.logger.Info("sms sent (log carrier)",
		zap.String("message_id", msg.MessageID),
		zap.String("provider_message_id", id),
		zap.String("to", msg.To),
		zap.String("class", msg.Class),
		zap.String("body", msg.Body),
	)
	return id, nil
}

package messaging

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogProvider accepts every message and only logs it. Used in development.
type LogProvider struct {
	log *zap.Logger
}

// NewLogProvider returns a provider that writes sends to log.
func NewLogProvider(log *zap.Logger) *LogProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogProvider{log: log}
}

// Name identifies the provider.
func (p *LogProvider) Name() string { return "log" }

// Send logs the request and returns a synthetic message id.
func (p *LogProvider) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(req.To) == "" {
		return SendResult{}, &ProviderError{Message: "recipient is required"}
	}

	sid := "SM" + strings.ReplaceAll(uuid.NewString(), "-", "")
	p.log.Info("message sent",
		zap.String("provider_message_id", sid),
		zap.String("to", req.To),
		zap.String("template_id", req.TemplateID),
		zap.String("dispatch_token", req.IdempotencyKey),
		zap.Int("variables", len(req.Variables)),
	)
	return SendResult{MessageID: sid, Status: "queued"}, nil
}

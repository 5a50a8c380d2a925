package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LogGateway records sends instead of contacting a push provider.
// Every token is reported as delivered.
type LogGateway struct {
	logger *zap.Logger
}

// NewLogGateway constructs a LogGateway.
func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger}
}

// SendMulticast logs the message and reports success for each token.
func (g *LogGateway) SendMulticast(_ context.Context, tokens []string, message Message) ([]Result, error) {
	if len(tokens) > MaxMulticastTokens {
		return nil, fmt.Errorf("%w: %d", ErrTooManyTokens, len(tokens))
	}
	g.logger.Info("push send (log gateway)",
		zap.Int("token_count", len(tokens)),
		zap.String("title", message.Title),
		zap.String("collapse_key", message.CollapseKey))

	results := make([]Result, len(tokens))
	for index, token := range tokens {
		results[index] = Result{Token: token, MessageID: fmt.Sprintf("log-%d", index)}
	}
	return results, nil
}

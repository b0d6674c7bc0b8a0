package aiexecutor

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/logger"
)

// EchoModelClient is a placeholder ModelClient that echoes the prompt back
// as output without calling any real model provider. Wire a real client
// (whichever model backend is configured) in its place for production use.
type EchoModelClient struct {
	logger *logger.Logger
}

// NewEchoModelClient creates a new placeholder model client.
func NewEchoModelClient(log *logger.Logger) *EchoModelClient {
	return &EchoModelClient{
		logger: log.WithFields(zap.String("component", "echo_model_client")),
	}
}

// Complete mocks a model call by echoing the prompt back as output.
func (m *EchoModelClient) Complete(ctx context.Context, sessionID string, history []HistoryEntry, prompt string) (string, int64, error) {
	m.logger.Info("mock: completing prompt",
		zap.String("session_id", sessionID),
		zap.Int("history_len", len(history)))

	return "echo: " + prompt, int64(len(prompt)), nil
}

package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogStorage - журнал без БД: события уходят в лог. Для локального запуска.
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	return &LogStorage{logger: logger.Named("journal")}
}

func (s *LogStorage) WriteBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		s.logger.Debug("verification event",
			zap.String("kind", string(e.Kind)),
			zap.String("agent_id", e.AgentID),
			zap.String("session_id", e.SessionID),
			zap.String("challenge_id", e.ChallengeID),
			zap.String("status", e.Status),
			zap.Any("payload", e.Payload),
		)
	}
	return nil
}

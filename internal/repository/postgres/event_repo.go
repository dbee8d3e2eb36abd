package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-verifier/internal/audit"
)

var eventColumns = []string{
	"id", "kind", "agent_id", "session_id", "challenge_id",
	"payload", "status", "error", "duration_ms", "timestamp",
}

// EventRepo - append-only журнал верификации
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// WriteBatch пишет пачку одним COPY, вызывается воркером audit.Journal
func (r *EventRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	rows, err := eventRows(events)
	if err != nil {
		return err
	}

	_, err = r.pool.CopyFrom(ctx, pgx.Identifier{"verification_events"}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("postgres: failed to write %d events: %w", len(events), err)
	}
	return nil
}

// eventRows раскладывает события по колонкам verification_events
func eventRows(events []audit.Event) ([][]any, error) {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		var payload []byte
		if len(e.Payload) > 0 {
			b, err := json.Marshal(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("postgres: event %s payload: %w", e.ID, err)
			}
			payload = b
		}
		rows = append(rows, []any{
			e.ID, string(e.Kind), e.AgentID, e.SessionID, e.ChallengeID,
			payload, e.Status, e.Error, e.DurationMs, e.Timestamp,
		})
	}
	return rows, nil
}

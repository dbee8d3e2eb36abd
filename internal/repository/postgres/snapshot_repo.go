package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// SnapshotRepo хранит последнюю версию записи верифицированного агента.
// Рабочее состояние живет в памяти, здесь - копия для рестарта и соседних инстансов.
type SnapshotRepo struct {
	pool *pgxpool.Pool
}

func NewSnapshotRepo(pool *pgxpool.Pool) *SnapshotRepo {
	return &SnapshotRepo{pool: pool}
}

// SaveVerifiedAgent - upsert записи целиком
func (r *SnapshotRepo) SaveVerifiedAgent(ctx context.Context, a *domain.VerifiedAgent) error {
	record, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode agent %s: %w", a.AgentID, err)
	}

	query := `
		INSERT INTO verified_agents (agent_id, trust_tier, record, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (agent_id) DO UPDATE
		SET trust_tier = EXCLUDED.trust_tier, record = EXCLUDED.record, updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, query, a.AgentID, string(a.TrustTier), record); err != nil {
		return fmt.Errorf("postgres: failed to save agent %s: %w", a.AgentID, err)
	}
	return nil
}

// DeleteVerifiedAgent удаляет снапшот и историю спот-чеков после отзыва
func (r *SnapshotRepo) DeleteVerifiedAgent(ctx context.Context, agentID string) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM verified_agents WHERE agent_id = $1`, agentID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM spot_check_results WHERE agent_id = $1`, agentID)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: failed to delete agent %s: %w", agentID, err)
	}
	return nil
}

// LoadVerifiedAgents читает все снапшоты (прогрев кэша при старте)
func (r *SnapshotRepo) LoadVerifiedAgents(ctx context.Context) ([]*domain.VerifiedAgent, error) {
	rows, err := r.pool.Query(ctx, `SELECT record FROM verified_agents`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query verified agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.VerifiedAgent
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		a, err := decodeAgent(record)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// LoadVerifiedAgent - один снапшот; domain.ErrAgentNotVerified, если записи нет
func (r *SnapshotRepo) LoadVerifiedAgent(ctx context.Context, agentID string) (*domain.VerifiedAgent, error) {
	var record []byte
	err := r.pool.QueryRow(ctx, `SELECT record FROM verified_agents WHERE agent_id = $1`, agentID).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAgentNotVerified
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load agent %s: %w", agentID, err)
	}
	return decodeAgent(record)
}

func decodeAgent(record []byte) (*domain.VerifiedAgent, error) {
	var a domain.VerifiedAgent
	if err := json.Unmarshal(record, &a); err != nil {
		return nil, fmt.Errorf("postgres: corrupted agent snapshot: %w", err)
	}
	return &a, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
)

// StateRepo - durable копия незавершенной работы: активные сессии, очередь
// спот-чеков и история их исходов, общая для всех инстансов.
type StateRepo struct {
	pool *pgxpool.Pool
}

func NewStateRepo(pool *pgxpool.Pool) *StateRepo {
	return &StateRepo{pool: pool}
}

// --- Sessions ---

// SaveSession - upsert; более старая версия не перетирает новую
func (r *StateRepo) SaveSession(ctx context.Context, sess *domain.VerificationSession) error {
	record, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode session %s: %w", sess.ID, err)
	}

	query := `
		INSERT INTO verification_sessions (id, agent_id, status, version, record, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, version = EXCLUDED.version, record = EXCLUDED.record, updated_at = NOW()
		WHERE verification_sessions.version < EXCLUDED.version`

	if _, err := r.pool.Exec(ctx, query, sess.ID, sess.AgentID, string(sess.Status), sess.Version, record); err != nil {
		return fmt.Errorf("postgres: failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

// LoadSession - одна сессия; domain.ErrSessionNotFound, если записи нет
func (r *StateRepo) LoadSession(ctx context.Context, id string) (*domain.VerificationSession, error) {
	var record []byte
	err := r.pool.QueryRow(ctx, `SELECT record FROM verification_sessions WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load session %s: %w", id, err)
	}
	return decodeSession(record)
}

// LoadActiveSessions - нетерминальные сессии для регидратации после рестарта
func (r *StateRepo) LoadActiveSessions(ctx context.Context) ([]*domain.VerificationSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT record FROM verification_sessions
		WHERE status IN ($1, $2)`,
		string(domain.SessionPending), string(domain.SessionInProgress))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query active sessions: %w", err)
	}
	return collectRecords(rows, decodeSession)
}

// --- Spot checks ---

func (r *StateRepo) SaveSpotCheck(ctx context.Context, sc *domain.SpotCheck) error {
	record, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode spot check %s: %w", sc.ID, err)
	}

	query := `
		INSERT INTO spot_checks (id, agent_id, scheduled_for, record)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET scheduled_for = EXCLUDED.scheduled_for, record = EXCLUDED.record`

	if _, err := r.pool.Exec(ctx, query, sc.ID, sc.AgentID, sc.ScheduledFor, record); err != nil {
		return fmt.Errorf("postgres: failed to save spot check %s: %w", sc.ID, err)
	}
	return nil
}

// ClaimSpotCheck удаляет запись; DELETE выигрывает ровно один инстанс
func (r *StateRepo) ClaimSpotCheck(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM spot_checks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to claim spot check %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *StateRepo) DeleteSpotChecksForAgent(ctx context.Context, agentID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM spot_checks WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("postgres: failed to delete spot checks of %s: %w", agentID, err)
	}
	return nil
}

func (r *StateRepo) LoadSpotChecks(ctx context.Context) ([]*domain.SpotCheck, error) {
	rows, err := r.pool.Query(ctx, `SELECT record FROM spot_checks ORDER BY scheduled_for`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query spot checks: %w", err)
	}
	return collectRecords(rows, decodeSpotCheck)
}

// --- Spot check history ---

func (r *StateRepo) AppendSpotCheckResult(ctx context.Context, agentID string, res domain.SpotCheckResult) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO spot_check_results (agent_id, at, passed) VALUES ($1, $2, $3)`,
		agentID, res.At, res.Passed)
	if err != nil {
		return fmt.Errorf("postgres: failed to append spot check result of %s: %w", agentID, err)
	}
	return nil
}

// SpotCheckWindow - статистика окна по исходам со всех инстансов
func (r *StateRepo) SpotCheckWindow(ctx context.Context, agentID string, since time.Time) (domain.SpotCheckWindowStats, error) {
	var st domain.SpotCheckWindowStats
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT passed)
		FROM spot_check_results
		WHERE agent_id = $1 AND at >= $2`, agentID, since).Scan(&st.Checks, &st.Failures)
	if err != nil {
		return st, fmt.Errorf("postgres: failed to read spot check window of %s: %w", agentID, err)
	}
	if st.Checks > 0 {
		st.FailureRate = float64(st.Failures) / float64(st.Checks)
	}
	return st, nil
}

func collectRecords[T any](rows pgx.Rows, decode func([]byte) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		v, err := decode(record)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func decodeSession(record []byte) (*domain.VerificationSession, error) {
	var s domain.VerificationSession
	if err := json.Unmarshal(record, &s); err != nil {
		return nil, fmt.Errorf("postgres: corrupted session record: %w", err)
	}
	return &s, nil
}

func decodeSpotCheck(record []byte) (*domain.SpotCheck, error) {
	var sc domain.SpotCheck
	if err := json.Unmarshal(record, &sc); err != nil {
		return nil, fmt.Errorf("postgres: corrupted spot check record: %w", err)
	}
	return &sc, nil
}

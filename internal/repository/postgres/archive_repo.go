package postgres

/*
Файл archive_repo.go — архивное хранилище терминальных сессий.
Живые сессии лежат в KV-сторе; сюда запись попадает один раз,
на терминальном переходе, и больше не мутируется.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/guestgate-engine/internal/domain"
)

type ArchiveRepo struct {
	pool *pgxpool.Pool
}

func NewArchiveRepo(pool *pgxpool.Pool) *ArchiveRepo {
	return &ArchiveRepo{pool: pool}
}

// ArchiveSession пишет терминальную сессию в архив. ON CONFLICT DO NOTHING
// делает запись идемпотентной: повторный EndSession не плодит дублей.
func (r *ArchiveRepo) ArchiveSession(ctx context.Context, s *domain.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("postgres: marshal session: %w", err)
	}

	query := `
		INSERT INTO session_archive (id, host_id, guest_id, resource_id, status, end_reason, payload, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err = r.pool.Exec(ctx, query,
		s.ID, s.HostID, s.GuestID, s.ResourceID,
		string(s.Status), string(s.Metadata.EndReason), payload, s.CreatedAt, s.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to archive session: %w", err)
	}
	return nil
}

// GetArchived возвращает архивную запись по ID
func (r *ArchiveRepo) GetArchived(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT payload FROM session_archive WHERE id = $1`

	var payload []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("archived session %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: failed to fetch archived session: %w", err)
	}

	var s domain.Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("postgres: corrupt archive payload: %w", err)
	}
	return &s, nil
}

// ListArchived — последние терминальные сессии хоста (для консоли)
func (r *ArchiveRepo) ListArchived(ctx context.Context, hostID string, limit int) ([]*domain.Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `SELECT payload FROM session_archive WHERE host_id = $1 ORDER BY ended_at DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, hostID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query archive: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.Session, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan archive row: %w", err)
		}
		var s domain.Session
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, fmt.Errorf("postgres: corrupt archive payload: %w", err)
		}
		results = append(results, &s)
	}

	// Проверка на ошибки итерации (стандарт качества pgx)
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

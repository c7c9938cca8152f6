package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/guestgate-engine/internal/audit"
)

// AuditRepo — физическое хранилище журнала аудита. Пишется только
// батчами из воркера Trail, построчных вставок в hot path нет.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// WriteBatch сохраняет пачку записей одним INSERT (Bulk Insert).
// Динамически собираем плейсхолдеры $1..$N под размер батча.
func (r *AuditRepo) WriteBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	valueStrings := make([]string, 0, len(entries))
	valueArgs := make([]interface{}, 0, len(entries)*7)

	for i, e := range entries {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("postgres: marshal audit details: %w", err)
		}

		base := i * 7
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		valueArgs = append(valueArgs,
			e.ID, e.SessionID, e.Event, e.Actor, e.Status, details, e.Timestamp)
	}

	query := fmt.Sprintf(`
		INSERT INTO audit_log (id, session_id, event, actor, status, details, created_at)
		VALUES %s
		ON CONFLICT (id) DO NOTHING`, strings.Join(valueStrings, ", "))

	if _, err := r.pool.Exec(ctx, query, valueArgs...); err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

// FetchEntries возвращает хронологию аудита по сессии (для консоли хоста)
func (r *AuditRepo) FetchEntries(ctx context.Context, sessionID string, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	query := `
		SELECT id, session_id, event, actor, status, details, created_at
		FROM audit_log
		WHERE session_id = $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]audit.Entry, 0)
	for rows.Next() {
		var e audit.Entry
		var details []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Event, &e.Actor, &e.Status, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit row: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("postgres: corrupt audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return entries, nil
}

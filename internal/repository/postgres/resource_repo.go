package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/guestgate-engine/internal/domain"
)

// ResourceRepo — каталог ресурсов и их владельцев. Реестр через него
// узнает, какому хосту адресовать запрос на сессию.
type ResourceRepo struct {
	pool *pgxpool.Pool
}

func NewResourceRepo(pool *pgxpool.Pool) *ResourceRepo {
	return &ResourceRepo{pool: pool}
}

// ResolveOwner возвращает владельца ресурса. Ресурс без владельца
// не обслуживается: ErrNotFound, запрос сессии отклоняется.
func (r *ResourceRepo) ResolveOwner(ctx context.Context, resourceID string) (string, string, error) {
	query := `
		SELECT u.id, u.username
		FROM resources res
		JOIN users u ON u.id = res.owner_id
		WHERE res.id = $1`

	var hostID, hostName string
	err := r.pool.QueryRow(ctx, query, resourceID).Scan(&hostID, &hostName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", fmt.Errorf("resource %s: %w", resourceID, domain.ErrNotFound)
		}
		return "", "", fmt.Errorf("postgres: failed to resolve resource owner: %w", err)
	}
	return hostID, hostName, nil
}

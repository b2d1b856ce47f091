package plan

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository defines plan data access
type Repository interface {
	GetPlanByID(ctx context.Context, id Type) (*Plan, error)
	GetActivePlanForUser(ctx context.Context, userID uuid.UUID) (*Plan, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates plan repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetPlanByID(ctx context.Context, id Type) (*Plan, error) {
	query := `
		SELECT
			id, name, nsfw_allowed, weekly_image_quota, max_batch_size,
			allowed_models, is_active, created_at
		FROM plans
		WHERE id = $1 AND is_active = true
	`
	var p Plan
	err := r.db.GetContext(ctx, &p, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// GetActivePlanForUser resolves the user's current plan through their active
// subscription, falling back to the free plan when none exists.
func (r *repository) GetActivePlanForUser(ctx context.Context, userID uuid.UUID) (*Plan, error) {
	query := `
		SELECT
			p.id, p.name, p.nsfw_allowed, p.weekly_image_quota, p.max_batch_size,
			p.allowed_models, p.is_active, p.created_at
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.user_id = $1 AND s.status = 'active'
		ORDER BY s.created_at DESC
		LIMIT 1
	`
	var p Plan
	err := r.db.GetContext(ctx, &p, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.GetPlanByID(ctx, TypeFree)
		}
		return nil, err
	}
	return &p, nil
}

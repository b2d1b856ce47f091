package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository persists admin audit logs
type Repository interface {
	InsertAuditLog(ctx context.Context, entry AuditLog) error
	ListAuditLogs(ctx context.Context, adminID uuid.UUID, limit, offset int) ([]AuditLog, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates admin repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) InsertAuditLog(ctx context.Context, entry AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, admin_id, action, entity_type, entity_id, details, reason, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.AdminID, entry.Action, entry.EntityType, entry.EntityID,
		entry.Details, entry.Reason, entry.IPAddress, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (r *repository) ListAuditLogs(ctx context.Context, adminID uuid.UUID, limit, offset int) ([]AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	logs := make([]AuditLog, 0)

	query := `SELECT * FROM audit_logs`
	args := []interface{}{}
	if adminID != uuid.Nil {
		query += ` WHERE admin_id = $1`
		args = append(args, adminID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	if err := r.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return logs, nil
}

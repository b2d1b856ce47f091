package admin

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditLog represents an admin action log entry
type AuditLog struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	AdminID    uuid.NullUUID   `db:"admin_id" json:"admin_id,omitempty"`
	Action     string          `db:"action" json:"action"`
	EntityType string          `db:"entity_type" json:"entity_type"`
	EntityID   uuid.NullUUID   `db:"entity_id" json:"entity_id,omitempty"`
	Details    json.RawMessage `db:"details" json:"details,omitempty"`
	Reason     sql.NullString  `db:"reason" json:"reason,omitempty"`
	IPAddress  sql.NullString  `db:"ip_address" json:"ip_address,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

package plan

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Type identifies a subscription tier.
type Type string

const (
	TypeFree    Type = "free"
	TypePremium Type = "premium"
	TypeStudio  Type = "studio"
)

// Plan is a subscription tier row.
type Plan struct {
	ID               Type           `db:"id"`
	Name             string         `db:"name"`
	NSFWAllowed      bool           `db:"nsfw_allowed"`
	WeeklyImageQuota int            `db:"weekly_image_quota"` // -1 = unlimited
	MaxBatchSize     int            `db:"max_batch_size"`
	AllowedModels    pq.StringArray `db:"allowed_models"`
	IsActive         bool           `db:"is_active"`
	CreatedAt        time.Time      `db:"created_at"`
}

// Info is the per-request snapshot of a user's plan consumed by the
// access policy engine. Not persisted.
type Info struct {
	UserID               uuid.UUID
	PlanType             Type
	NSFWAllowed          bool
	WeeklyQuotaRemaining int // -1 = unlimited
	MaxBatchSize         int
	AllowedModels        []string
}

// IsPremium reports whether the plan is a paid tier.
func (i *Info) IsPremium() bool {
	return i.PlanType != TypeFree
}

// AllowsModel reports whether the plan may use the given generation model.
// An empty list means no model gating for the plan.
func (i *Info) AllowsModel(model string) bool {
	if len(i.AllowedModels) == 0 {
		return true
	}
	for _, m := range i.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

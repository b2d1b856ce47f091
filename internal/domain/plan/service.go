package plan

import (
	"context"

	"github.com/google/uuid"
)

// Provider resolves the per-request plan snapshot for a user.
type Provider interface {
	GetInfo(ctx context.Context, userID uuid.UUID) (*Info, error)
	ConsumeQuota(ctx context.Context, userID uuid.UUID, images int) error
}

type Service struct {
	repo  Repository
	quota QuotaCounter
}

func NewService(repo Repository, quota QuotaCounter) *Service {
	return &Service{repo: repo, quota: quota}
}

// GetInfo snapshots the user's plan and remaining weekly quota.
func (s *Service) GetInfo(ctx context.Context, userID uuid.UUID) (*Info, error) {
	p, err := s.repo.GetActivePlanForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPlanNotFound
	}

	remaining := p.WeeklyImageQuota
	if p.WeeklyImageQuota >= 0 {
		used, err := s.quota.Used(ctx, userID)
		if err != nil {
			return nil, err
		}
		remaining = p.WeeklyImageQuota - used
		if remaining < 0 {
			remaining = 0
		}
	}

	return &Info{
		UserID:               userID,
		PlanType:             p.ID,
		NSFWAllowed:          p.NSFWAllowed,
		WeeklyQuotaRemaining: remaining,
		MaxBatchSize:         p.MaxBatchSize,
		AllowedModels:        p.AllowedModels,
	}, nil
}

// ConsumeQuota records generated images against the weekly counter.
func (s *Service) ConsumeQuota(ctx context.Context, userID uuid.UUID, images int) error {
	return s.quota.Consume(ctx, userID, images)
}

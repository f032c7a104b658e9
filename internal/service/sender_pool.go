package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
	"github.com/unclebandit/mailcampaign-backend/internal/repository"
)

// SenderPool hands out the From identity for the next message of a tenant.
type SenderPool interface {
	Acquire(ctx context.Context, tenantID uuid.UUID) (*model.FromAddress, error)
}

// LRUSenderPool rotates through the tenant's verified senders, least recently used first.
type LRUSenderPool struct {
	Catalog repository.CatalogRepositoryInterface
}

func (p *LRUSenderPool) Acquire(ctx context.Context, tenantID uuid.UUID) (*model.FromAddress, error) {
	from, err := p.Catalog.AcquireSender(ctx, tenantID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			return nil, appErrors.NewSetup("no verified sender address", nil)
		}
		return nil, err
	}
	return from, nil
}

var _ SenderPool = (*LRUSenderPool)(nil)

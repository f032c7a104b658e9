package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
	"github.com/unclebandit/mailcampaign-backend/internal/repository"
)

// RecipientSource yields the member leads of one list or extraction job.
type RecipientSource interface {
	ListMembers(ctx context.Context) ([]model.Lead, error)
}

type listSource struct {
	catalog  repository.CatalogRepositoryInterface
	leads    repository.LeadRepositoryInterface
	tenantID uuid.UUID
	listID   uuid.UUID
}

func (s listSource) ListMembers(ctx context.Context) ([]model.Lead, error) {
	list, err := s.catalog.GetRecipientList(ctx, s.tenantID, s.listID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			return nil, appErrors.NewValidation("sources", fmt.Sprintf("recipient list %s not found", s.listID))
		}
		return nil, err
	}
	leads, err := s.leads.ListByIDs(ctx, s.tenantID, list.Members)
	if err != nil {
		return nil, err
	}
	// keep the list's own member order
	byID := make(map[uuid.UUID]model.Lead, len(leads))
	for _, l := range leads {
		byID[l.ID] = l
	}
	ordered := make([]model.Lead, 0, len(leads))
	for _, id := range list.Members {
		if l, ok := byID[id]; ok {
			ordered = append(ordered, l)
		}
	}
	return ordered, nil
}

type extractionJobSource struct {
	leads    repository.LeadRepositoryInterface
	tenantID uuid.UUID
	jobID    uuid.UUID
}

func (s extractionJobSource) ListMembers(ctx context.Context) ([]model.Lead, error) {
	return s.leads.ListByExtractionJob(ctx, s.tenantID, s.jobID)
}

// RecipientResolver turns a campaign's sources into a deduplicated, sendable recipient set.
type RecipientResolver struct {
	Leads   repository.LeadRepositoryInterface
	Catalog repository.CatalogRepositoryInterface
}

func (r *RecipientResolver) Sources(c *model.Campaign) ([]RecipientSource, error) {
	out := make([]RecipientSource, 0, len(c.Sources))
	for _, ref := range c.Sources {
		switch ref.Kind {
		case model.SourceList:
			out = append(out, listSource{catalog: r.Catalog, leads: r.Leads, tenantID: c.TenantID, listID: ref.ID})
		case model.SourceExtractionJob:
			out = append(out, extractionJobSource{leads: r.Leads, tenantID: c.TenantID, jobID: ref.ID})
		default:
			return nil, appErrors.NewValidation("sources", fmt.Sprintf("unknown source kind %q", ref.Kind))
		}
	}
	return out, nil
}

// Resolve returns recipients in first-seen order. Emails are trimmed and lowercased before
// deduplication, and leads that bounced, unsubscribed or are invalid are skipped.
func (r *RecipientResolver) Resolve(ctx context.Context, c *model.Campaign) ([]model.Recipient, error) {
	sources, err := r.Sources(c)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []model.Recipient
	for _, src := range sources {
		members, err := src.ListMembers(ctx)
		if err != nil {
			return nil, err
		}
		for _, l := range members {
			if !l.Status.Sendable() {
				continue
			}
			email := NormalizeEmail(l.Email)
			if email == "" {
				continue
			}
			if _, dup := seen[email]; dup {
				continue
			}
			seen[email] = struct{}{}
			out = append(out, model.Recipient{LeadID: l.ID, Email: email, FirstName: l.FirstName, LastName: l.LastName})
		}
	}
	if len(out) == 0 {
		return nil, &appErrors.NoRecipientsError{CampaignID: c.ID}
	}
	return out, nil
}

// NormalizeEmail trims and lowercases. Strings without an @ normalize to "".
func NormalizeEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if at := strings.Index(s, "@"); at <= 0 || at == len(s)-1 {
		return ""
	}
	return s
}

package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
)

// LeadRepositoryInterface defines the lead reads and the one status write the pipeline needs.
type LeadRepositoryInterface interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Lead, error)
	ListByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]model.Lead, error)
	ListByExtractionJob(ctx context.Context, tenantID, jobID uuid.UUID) ([]model.Lead, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.LeadStatus) error
}

// LeadRepository is the Postgres implementation
type LeadRepository struct {
	DB *sql.DB
}

const leadColumns = `id, tenant_id, email, first_name, last_name, status, extraction_job_id`

// GetByID fetches a lead by ID
func (r *LeadRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Lead, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	l, err := scanLead(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

// ListByIDs returns the tenant's leads among ids, ordered by creation so list order is stable.
func (r *LeadRepository) ListByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]model.Lead, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
        SELECT ` + leadColumns + `
        FROM leads
        WHERE tenant_id = $1 AND id = ANY($2::uuid[])
        ORDER BY created_at, id
    `
	return r.query(ctx, query, tenantID, uuidArray(ids))
}

func (r *LeadRepository) ListByExtractionJob(ctx context.Context, tenantID, jobID uuid.UUID) ([]model.Lead, error) {
	query := `
        SELECT ` + leadColumns + `
        FROM leads
        WHERE tenant_id = $1 AND extraction_job_id = $2
        ORDER BY created_at, id
    `
	return r.query(ctx, query, tenantID, jobID)
}

func (r *LeadRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.LeadStatus) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE leads SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	return err
}

func (r *LeadRepository) query(ctx context.Context, query string, args ...any) ([]model.Lead, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leads := []model.Lead{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

func scanLead(row rowScanner) (model.Lead, error) {
	var l model.Lead
	var first, last sql.NullString
	err := row.Scan(&l.ID, &l.TenantID, &l.Email, &first, &last, &l.Status, &l.ExtractionJobID)
	l.FirstName, l.LastName = first.String, last.String
	return l, err
}

var _ LeadRepositoryInterface = (*LeadRepository)(nil)

package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
)

// CatalogRepositoryInterface covers the tenant-owned records the dispatch pipeline only reads:
// templates, recipient lists, sender identities and mail settings.
type CatalogRepositoryInterface interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error)
	ListTemplates(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]model.Template, error)
	GetRecipientList(ctx context.Context, tenantID, id uuid.UUID) (*model.RecipientList, error)
	GetMailSettings(ctx context.Context, tenantID uuid.UUID) (*model.MailSettings, error)

	// AcquireSender returns the tenant's least recently used verified sender and marks it used.
	AcquireSender(ctx context.Context, tenantID uuid.UUID) (*model.FromAddress, error)
}

type CatalogRepository struct {
	DB *sql.DB
}

func (r *CatalogRepository) GetTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	var t model.Template
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, subject, html FROM templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.TenantID, &t.Name, &t.Subject, &t.HTML)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *CatalogRepository) ListTemplates(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]model.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, tenant_id, name, subject, html
        FROM templates
        WHERE tenant_id = $1 AND id = ANY($2::uuid[])
    `, tenantID, uuidArray(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		var t model.Template
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.Subject, &t.HTML); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *CatalogRepository) GetRecipientList(ctx context.Context, tenantID, id uuid.UUID) (*model.RecipientList, error) {
	var l model.RecipientList
	var members pq.StringArray
	err := r.DB.QueryRowContext(ctx, `
        SELECT l.id, l.tenant_id, l.name,
               COALESCE(ARRAY(SELECT m.lead_id::text FROM recipient_list_members m
                              WHERE m.list_id = l.id ORDER BY m.position), '{}')
        FROM recipient_lists l
        WHERE l.tenant_id = $1 AND l.id = $2
    `, tenantID, id).Scan(&l.ID, &l.TenantID, &l.Name, &members)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, err
	}
	if l.Members, err = parseUUIDs(members); err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *CatalogRepository) GetMailSettings(ctx context.Context, tenantID uuid.UUID) (*model.MailSettings, error) {
	var s model.MailSettings
	var provider sql.NullString
	var host, user, pass, security, gTenant, gClient, gSecret sql.NullString
	var port sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `
        SELECT tenant_id, provider, smtp_host, smtp_port, smtp_username, smtp_password, smtp_security,
               graph_tenant_id, graph_client_id, graph_client_secret
        FROM mail_settings WHERE tenant_id = $1
    `, tenantID).Scan(&s.TenantID, &provider, &host, &port, &user, &pass, &security, &gTenant, &gClient, &gSecret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, err
	}
	s.Provider = model.MailProvider(provider.String)
	s.SMTPHost, s.SMTPPort, s.SMTPUsername, s.SMTPPassword = host.String, int(port.Int64), user.String, pass.String
	s.SMTPSecurity = security.String
	s.GraphTenantID, s.GraphClientID, s.GraphClientSecret = gTenant.String, gClient.String, gSecret.String
	return &s, nil
}

func (r *CatalogRepository) AcquireSender(ctx context.Context, tenantID uuid.UUID) (*model.FromAddress, error) {
	var f model.FromAddress
	err := r.DB.QueryRowContext(ctx, `
        UPDATE from_addresses SET last_used_at = NOW()
        WHERE id = (
            SELECT id FROM from_addresses
            WHERE tenant_id = $1 AND verified
            ORDER BY last_used_at ASC, id
            LIMIT 1
            FOR UPDATE
        )
        RETURNING id, tenant_id, full_name, email, verified, last_used_at
    `, tenantID).Scan(&f.ID, &f.TenantID, &f.FullName, &f.Email, &f.Verified, &f.LastUsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

var _ CatalogRepositoryInterface = (*CatalogRepository)(nil)

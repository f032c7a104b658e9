package repository

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "github.com/google/uuid"
    "github.com/lib/pq"

    appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
    "github.com/unclebandit/mailcampaign-backend/internal/model"
)

// StatusChange is a compare-and-swap on campaigns.status. Optional fields are written in the same statement.
type StatusChange struct {
    From            model.CampaignStatus
    To              model.CampaignStatus
    TotalRecipients *int
    LastError       *string
    LastSentAt      *time.Time
}

type CampaignRepositoryInterface interface {
    Create(ctx context.Context, c *model.Campaign) error
    GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
    // Update writes content fields and c.Status only while the stored status equals expected
    // and is still editable.
    Update(ctx context.Context, c *model.Campaign, expected model.CampaignStatus) error
    Delete(ctx context.Context, id uuid.UUID) error
    // NameTaken reports whether another campaign of the tenant already uses name (case-insensitive).
    NameTaken(ctx context.Context, tenantID uuid.UUID, name string, exclude uuid.UUID) (bool, error)
    ListCampaigns(ctx context.Context, tenantID uuid.UUID, offset, limit int, status string) ([]*model.Campaign, int, error)
    ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)

    // CompareAndSwapStatus applies the change only if the stored status still equals From.
    CompareAndSwapStatus(ctx context.Context, id uuid.UUID, change StatusChange) (bool, error)
    IncrementCounter(ctx context.Context, id uuid.UUID, column string) error
    TouchLastSent(ctx context.Context, id uuid.UUID, at time.Time) error
}

type CampaignRepository struct {
    DB *sql.DB
}

var counterColumns = map[string]bool{
    "emails_sent":         true,
    "emails_opened":       true,
    "emails_clicked":      true,
    "emails_converted":    true,
    "emails_failed":       true,
    "emails_bounced":      true,
    "emails_unsubscribed": true,
}

const campaignColumns = `id, tenant_id, name, subject, template_ids, sources, status, schedule_type, scheduled_at,
        total_recipients, emails_sent, emails_opened, emails_clicked, emails_converted, emails_failed,
        emails_bounced, emails_unsubscribed, last_sent_at, last_error, created_by, created_at, updated_at`

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
    if c.ID == uuid.Nil {
        c.ID = uuid.New()
    }
    c.CreatedAt = time.Now().UTC()
    if c.Status == "" {
        c.Status = model.StatusDraft
    }
    if c.ScheduleType == "" {
        c.ScheduleType = model.ScheduleImmediate
    }
    sources, err := json.Marshal(c.Sources)
    if err != nil {
        return err
    }
    query := `
        INSERT INTO campaigns (id, tenant_id, name, subject, template_ids, sources, status, schedule_type,
                               scheduled_at, total_recipients, created_by, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `
    _, err = r.DB.ExecContext(ctx, query, c.ID, c.TenantID, c.Name, c.Subject, uuidArray(c.TemplateIDs), sources,
        c.Status, c.ScheduleType, c.ScheduledAt, c.TotalRecipients, c.CreatedBy, c.CreatedAt)
    return nameConflict(err)
}

// nameConflict turns a hit on uq_campaigns_tenant_name into the validation error the pre-check returns.
func nameConflict(err error) error {
    var pqErr *pq.Error
    if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "uq_campaigns_tenant_name" {
        return appErrors.NewValidation("name", "a campaign with this name already exists")
    }
    return err
}

// Update writes the editable fields, guarded by the status the caller read. Counters are never touched here.
func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign, expected model.CampaignStatus) error {
    sources, err := json.Marshal(c.Sources)
    if err != nil {
        return err
    }
    query := `
        UPDATE campaigns
        SET name=$1, subject=$2, template_ids=$3, sources=$4, schedule_type=$5, scheduled_at=$6,
            total_recipients=$7, status=$8, updated_at=NOW()
        WHERE id=$9 AND status=$10 AND status IN ('Draft', 'Scheduled', 'Paused')
    `
    res, err := r.DB.ExecContext(ctx, query, c.Name, c.Subject, uuidArray(c.TemplateIDs), sources,
        c.ScheduleType, c.ScheduledAt, c.TotalRecipients, c.Status, c.ID, expected)
    if err != nil {
        return nameConflict(err)
    }
    if n, _ := res.RowsAffected(); n == 1 {
        return nil
    }
    cur, err := r.GetByID(ctx, c.ID)
    if err != nil {
        return err
    }
    return updateRejected(cur, expected)
}

// updateRejected explains why a guarded update matched no row.
func updateRejected(cur *model.Campaign, expected model.CampaignStatus) error {
    if !cur.Status.Editable() {
        return &appErrors.CampaignLockedError{Status: string(cur.Status)}
    }
    return &appErrors.ConcurrencyConflict{CampaignID: cur.ID, Expected: string(expected)}
}

func (r *CampaignRepository) Delete(ctx context.Context, id uuid.UUID) error {
    _, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
    return err
}

func (r *CampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
    query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
    c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) {
            return nil, appErrors.NewCampaignNotFound(id)
        }
        return nil, err
    }
    return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, tenantID uuid.UUID, offset, limit int, status string) ([]*model.Campaign, int, error) {
    campaigns := []*model.Campaign{}
    query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE tenant_id=$1`
    args := []interface{}{tenantID}
    argPos := 2

    if status != "" {
        query += fmt.Sprintf(" AND status=$%d", argPos)
        args = append(args, status)
        argPos++
    }

    query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
    args = append(args, limit, offset)

    rows, err := r.DB.QueryContext(ctx, query, args...)
    if err != nil {
        return nil, 0, err
    }
    defer rows.Close()

    for rows.Next() {
        c, err := scanCampaign(rows)
        if err != nil {
            return nil, 0, err
        }
        campaigns = append(campaigns, c)
    }
    if err := rows.Err(); err != nil {
        return nil, 0, err
    }

    countQuery := `SELECT COUNT(*) FROM campaigns WHERE tenant_id=$1`
    argsCount := []interface{}{tenantID}
    if status != "" {
        countQuery += " AND status=$2"
        argsCount = append(argsCount, status)
    }

    var total int
    if err := r.DB.QueryRowContext(ctx, countQuery, argsCount...).Scan(&total); err != nil {
        return nil, 0, err
    }

    return campaigns, total, nil
}

func (r *CampaignRepository) NameTaken(ctx context.Context, tenantID uuid.UUID, name string, exclude uuid.UUID) (bool, error) {
    var taken bool
    err := r.DB.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM campaigns WHERE tenant_id=$1 AND lower(name)=lower($2) AND id<>$3
        )`, tenantID, name, exclude).Scan(&taken)
    return taken, err
}

func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
    query := `SELECT ` + campaignColumns + `
        FROM campaigns
        WHERE status=$1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
        ORDER BY scheduled_at
        LIMIT $3`
    rows, err := r.DB.QueryContext(ctx, query, model.StatusScheduled, now, limit)
    if err != nil {
        return nil, err
    }
    defer rows.Close()

    var out []*model.Campaign
    for rows.Next() {
        c, err := scanCampaign(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, c)
    }
    return out, rows.Err()
}

// ====================== Status & counters ======================

func (r *CampaignRepository) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, change StatusChange) (bool, error) {
    query := `
        UPDATE campaigns
        SET status=$1,
            total_recipients=COALESCE($2, total_recipients),
            last_error=COALESCE($3, last_error),
            last_sent_at=COALESCE($4, last_sent_at),
            updated_at=NOW()
        WHERE id=$5 AND status=$6
    `
    var total sql.NullInt64
    if change.TotalRecipients != nil {
        total = sql.NullInt64{Int64: int64(*change.TotalRecipients), Valid: true}
    }
    var lastErr sql.NullString
    if change.LastError != nil {
        lastErr = sql.NullString{String: *change.LastError, Valid: true}
    }
    var lastSent sql.NullTime
    if change.LastSentAt != nil {
        lastSent = sql.NullTime{Time: *change.LastSentAt, Valid: true}
    }
    res, err := r.DB.ExecContext(ctx, query, change.To, total, lastErr, lastSent, id, change.From)
    if err != nil {
        return false, err
    }
    n, err := res.RowsAffected()
    if err != nil {
        return false, err
    }
    return n == 1, nil
}

func (r *CampaignRepository) IncrementCounter(ctx context.Context, id uuid.UUID, column string) error {
    if !counterColumns[column] {
        return fmt.Errorf("unknown campaign counter %q", column)
    }
    // column is whitelisted above
    query := fmt.Sprintf(`UPDATE campaigns SET %s = %s + 1 WHERE id=$1`, column, column)
    _, err := r.DB.ExecContext(ctx, query, id)
    return err
}

func (r *CampaignRepository) TouchLastSent(ctx context.Context, id uuid.UUID, at time.Time) error {
    _, err := r.DB.ExecContext(ctx,
        `UPDATE campaigns SET last_sent_at=GREATEST(COALESCE(last_sent_at, $1), $1) WHERE id=$2`, at, id)
    return err
}

type rowScanner interface {
    Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
    var c model.Campaign
    var templateIDs pq.StringArray
    var sources []byte
    var lastErr sql.NullString
    err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Subject, &templateIDs, &sources, &c.Status, &c.ScheduleType,
        &c.ScheduledAt, &c.TotalRecipients, &c.EmailsSent, &c.EmailsOpened, &c.EmailsClicked, &c.EmailsConverted,
        &c.EmailsFailed, &c.EmailsBounced, &c.EmailsUnsubscribed, &c.LastSentAt, &lastErr, &c.CreatedBy,
        &c.CreatedAt, &c.UpdatedAt)
    if err != nil {
        return nil, err
    }
    c.LastError = lastErr.String
    if c.TemplateIDs, err = parseUUIDs(templateIDs); err != nil {
        return nil, err
    }
    if len(sources) > 0 {
        if err := json.Unmarshal(sources, &c.Sources); err != nil {
            return nil, fmt.Errorf("decode campaign sources: %w", err)
        }
    }
    return &c, nil
}

func uuidArray(ids []uuid.UUID) interface{} {
    out := make([]string, len(ids))
    for i, id := range ids {
        out[i] = id.String()
    }
    return pq.Array(out)
}

func parseUUIDs(in []string) ([]uuid.UUID, error) {
    out := make([]uuid.UUID, 0, len(in))
    for _, s := range in {
        id, err := uuid.Parse(s)
        if err != nil {
            return nil, err
        }
        out = append(out, id)
    }
    return out, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

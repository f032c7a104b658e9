package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/mailcampaign-backend/internal/model"
)

type EventRepositoryInterface interface {
	Append(ctx context.Context, ev *model.CampaignEvent) error
	HasEvent(ctx context.Context, campaignID uuid.UUID, email string, eventType model.EventType) (bool, error)
	// AppendIfAbsent inserts ev unless an event of the same type already exists for (campaign, recipient).
	AppendIfAbsent(ctx context.Context, ev *model.CampaignEvent) (bool, error)
	// ListByCampaign filters by type and by a case-insensitive recipient email substring; empty means any.
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, eventType, search string, offset, limit int) ([]model.CampaignEvent, int, error)
	CountByType(ctx context.Context, campaignID uuid.UUID) (map[model.EventType]int, error)
	TopClickedURLs(ctx context.Context, campaignID uuid.UUID, limit int) ([]model.URLClicks, error)
	DeleteByCampaign(ctx context.Context, campaignID uuid.UUID) (int, error)
}

type EventRepository struct {
	DB *sql.DB
}

const eventColumns = `id, tenant_id, campaign_id, lead_id, recipient_email, event_type, template_id, from_email,
        message_id, attempts, url, reason, ip_address, user_agent, timestamp`

func prepareEvent(ev *model.CampaignEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
}

const insertEvent = `
    INSERT INTO campaign_events (` + eventColumns + `)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`

func eventArgs(ev *model.CampaignEvent) []any {
	return []any{ev.ID, ev.TenantID, ev.CampaignID, ev.LeadID, ev.RecipientEmail, ev.Type, ev.TemplateID,
		ev.FromEmail, ev.MessageID, ev.Attempts, ev.URL, ev.Reason, ev.IPAddress, ev.UserAgent, ev.Timestamp}
}

func (r *EventRepository) Append(ctx context.Context, ev *model.CampaignEvent) error {
	prepareEvent(ev)
	_, err := r.DB.ExecContext(ctx, insertEvent, eventArgs(ev)...)
	return err
}

func (r *EventRepository) HasEvent(ctx context.Context, campaignID uuid.UUID, email string, eventType model.EventType) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM campaign_events
            WHERE campaign_id = $1 AND recipient_email = $2 AND event_type = $3
        )`, campaignID, email, eventType).Scan(&exists)
	return exists, err
}

// AppendIfAbsent serializes writers of the same (campaign, recipient, type) key with a transaction-scoped
// advisory lock, then checks and inserts inside that transaction.
func (r *EventRepository) AppendIfAbsent(ctx context.Context, ev *model.CampaignEvent) (bool, error) {
	prepareEvent(ev)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	key := fmt.Sprintf("%s|%s|%s", ev.CampaignID, ev.RecipientEmail, ev.Type)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return false, err
	}

	var exists bool
	err = tx.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM campaign_events
            WHERE campaign_id = $1 AND recipient_email = $2 AND event_type = $3
        )`, ev.CampaignID, ev.RecipientEmail, ev.Type).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists {
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, insertEvent, eventArgs(ev)...); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (r *EventRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, eventType, search string, offset, limit int) ([]model.CampaignEvent, int, error) {
	where := ` WHERE campaign_id = $1`
	args := []any{campaignID}
	if eventType != "" {
		args = append(args, eventType)
		where += fmt.Sprintf(` AND event_type = $%d`, len(args))
	}
	if search != "" {
		args = append(args, search)
		where += fmt.Sprintf(` AND recipient_email ILIKE '%%' || $%d || '%%'`, len(args))
	}
	query := `SELECT ` + eventColumns + ` FROM campaign_events` + where
	countQuery := `SELECT COUNT(*) FROM campaign_events` + where
	countArgs := append([]any{}, args...)
	query += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := []model.CampaignEvent{}
	for rows.Next() {
		var ev model.CampaignEvent
		var from, msgID, url, reason, ip, ua sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.CampaignID, &ev.LeadID, &ev.RecipientEmail, &ev.Type,
			&ev.TemplateID, &from, &msgID, &ev.Attempts, &url, &reason, &ip, &ua, &ev.Timestamp); err != nil {
			return nil, 0, err
		}
		ev.FromEmail, ev.MessageID, ev.URL, ev.Reason = from.String, msgID.String, url.String, reason.String
		ev.IPAddress, ev.UserAgent = ip.String, ua.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (r *EventRepository) CountByType(ctx context.Context, campaignID uuid.UUID) (map[model.EventType]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM campaign_events WHERE campaign_id = $1 GROUP BY event_type`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[model.EventType]int{}
	for rows.Next() {
		var t model.EventType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		stats[t] = n
	}
	return stats, rows.Err()
}

func (r *EventRepository) TopClickedURLs(ctx context.Context, campaignID uuid.UUID, limit int) ([]model.URLClicks, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT url, COUNT(*) AS clicks
        FROM campaign_events
        WHERE campaign_id = $1 AND event_type = 'Clicked' AND url <> ''
        GROUP BY url
        ORDER BY clicks DESC, url
        LIMIT $2`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.URLClicks{}
	for rows.Next() {
		var u model.URLClicks
		if err := rows.Scan(&u.URL, &u.Clicks); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *EventRepository) DeleteByCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaign_events WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ EventRepositoryInterface = (*EventRepository)(nil)

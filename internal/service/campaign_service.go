// internal/service/campaign_service.go
package service

import (
    "context"
    "errors"
    "fmt"
    "math/rand/v2"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/rs/zerolog"

    appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
    "github.com/unclebandit/mailcampaign-backend/internal/mailer"
    "github.com/unclebandit/mailcampaign-backend/internal/metrics"
    "github.com/unclebandit/mailcampaign-backend/internal/model"
    "github.com/unclebandit/mailcampaign-backend/internal/queue"
    "github.com/unclebandit/mailcampaign-backend/internal/repository"
)

const (
    TemplateFirst  = "first"
    TemplateRandom = "random"
)

type DispatchOptions struct {
    BaseDelay         time.Duration
    PerItemDelay      time.Duration
    TemplateSelection string // first | random
}

type CampaignService struct {
    CampaignRepo repository.CampaignRepositoryInterface
    LeadRepo     repository.LeadRepositoryInterface
    CatalogRepo  repository.CatalogRepositoryInterface
    EventRepo    repository.EventRepositoryInterface
    Queue        queue.DispatchQueue
    Resolver     *RecipientResolver
    States       *StateMachine
    Transports   mailer.TransportProvider
    Renderer     Renderer
    Dispatch     DispatchOptions
    Log          zerolog.Logger
}

type CreateCampaignInput struct {
    TenantID     uuid.UUID
    CreatedBy    uuid.UUID
    Name         string
    Subject      string
    TemplateIDs  []uuid.UUID
    Sources      []model.SourceRef
    ScheduleType model.ScheduleType
    ScheduledAt  *time.Time
}

// UpdateCampaignInput leaves nil fields untouched.
type UpdateCampaignInput struct {
    Name         *string
    Subject      *string
    TemplateIDs  []uuid.UUID
    Sources      []model.SourceRef
    ScheduleType *model.ScheduleType
    ScheduledAt  *time.Time
}

// SendCampaignResult reports what a send enqueued.
type SendCampaignResult struct {
    CampaignID     uuid.UUID            `json:"campaign_id"`
    Status         model.CampaignStatus `json:"status"`
    MessagesQueued int                  `json:"messages_queued"`
}

// CampaignStatusView is the status + counters snapshot returned to API callers.
type CampaignStatusView struct {
    CampaignID  uuid.UUID            `json:"campaign_id"`
    Status      model.CampaignStatus `json:"status"`
    Counters    model.Counters       `json:"counters"`
    OpenRate    float64              `json:"open_rate"`
    ClickRate   float64              `json:"click_rate"`
    Outstanding int                  `json:"outstanding"`
    LastSentAt  *time.Time           `json:"last_sent_at,omitempty"`
    LastError   string               `json:"last_error,omitempty"`
}

// CampaignAnalytics breaks the event log down by type next to the live counters.
type CampaignAnalytics struct {
    CampaignID   uuid.UUID               `json:"campaign_id"`
    Status       model.CampaignStatus    `json:"status"`
    Counters     model.Counters          `json:"counters"`
    OpenRate     float64                 `json:"open_rate"`
    ClickRate    float64                 `json:"click_rate"`
    EventsByType map[model.EventType]int `json:"events_by_type"`
    TopURLs      []model.URLClicks       `json:"top_urls"`
}

const topURLLimit = 10

// ====================== CRUD ======================

func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
    if strings.TrimSpace(in.Name) == "" {
        return nil, appErrors.NewValidation("name", "is required")
    }
    if len(in.TemplateIDs) == 0 {
        return nil, appErrors.NewValidation("template_ids", "at least one template is required")
    }
    if in.ScheduleType == "" {
        in.ScheduleType = model.ScheduleImmediate
    }
    if err := s.ensureNameFree(ctx, in.TenantID, in.Name, uuid.Nil); err != nil {
        return nil, err
    }
    if err := s.ensureTemplates(ctx, in.TenantID, in.TemplateIDs); err != nil {
        return nil, err
    }

    c := &model.Campaign{
        TenantID:     in.TenantID,
        CreatedBy:    in.CreatedBy,
        Name:         strings.TrimSpace(in.Name),
        Subject:      in.Subject,
        TemplateIDs:  in.TemplateIDs,
        Sources:      in.Sources,
        Status:       model.StatusDraft,
        ScheduleType: in.ScheduleType,
        ScheduledAt:  in.ScheduledAt,
    }
    switch in.ScheduleType {
    case model.ScheduleImmediate:
        c.ScheduledAt = nil
    case model.ScheduleScheduled:
        if in.ScheduledAt == nil {
            return nil, appErrors.NewValidation("scheduled_at", "is required for scheduled campaigns")
        }
        c.Status = model.StatusScheduled
    default:
        return nil, appErrors.NewValidation("schedule_type", fmt.Sprintf("unknown schedule type %q", in.ScheduleType))
    }

    total, err := s.countRecipients(ctx, c)
    if err != nil {
        return nil, err
    }
    c.TotalRecipients = total

    if err := s.CampaignRepo.Create(ctx, c); err != nil {
        return nil, err
    }
    s.Log.Info().Str("campaign_id", c.ID.String()).Str("tenant_id", c.TenantID.String()).Msg("campaign created")
    return c, nil
}

// UpdateCampaign edits content while the campaign is still editable. The recipient total is
// recomputed whenever the sources change.
func (s *CampaignService) UpdateCampaign(ctx context.Context, tenantID, id uuid.UUID, in UpdateCampaignInput) (*model.Campaign, error) {
    c, err := s.getOwned(ctx, tenantID, id)
    if err != nil {
        return nil, err
    }
    if err := s.States.EnsureEditable(c); err != nil {
        return nil, err
    }

    expected := c.Status
    if in.Name != nil {
        name := strings.TrimSpace(*in.Name)
        if name == "" {
            return nil, appErrors.NewValidation("name", "must not be empty")
        }
        if err := s.ensureNameFree(ctx, c.TenantID, name, c.ID); err != nil {
            return nil, err
        }
        c.Name = name
    }
    if in.Subject != nil {
        c.Subject = *in.Subject
    }
    if in.TemplateIDs != nil {
        if len(in.TemplateIDs) == 0 {
            return nil, appErrors.NewValidation("template_ids", "at least one template is required")
        }
        if err := s.ensureTemplates(ctx, c.TenantID, in.TemplateIDs); err != nil {
            return nil, err
        }
        c.TemplateIDs = in.TemplateIDs
    }
    if in.ScheduleType != nil {
        c.ScheduleType = *in.ScheduleType
    }
    if in.ScheduledAt != nil {
        c.ScheduledAt = in.ScheduledAt
    }
    switch c.ScheduleType {
    case model.ScheduleImmediate:
        c.ScheduledAt = nil
        if c.Status == model.StatusScheduled {
            c.Status = model.StatusDraft
        }
    case model.ScheduleScheduled:
        if c.ScheduledAt == nil {
            return nil, appErrors.NewValidation("scheduled_at", "is required for scheduled campaigns")
        }
        if c.Status == model.StatusDraft {
            c.Status = model.StatusScheduled
        }
    default:
        return nil, appErrors.NewValidation("schedule_type", fmt.Sprintf("unknown schedule type %q", c.ScheduleType))
    }
    if in.Sources != nil {
        c.Sources = in.Sources
        total, err := s.countRecipients(ctx, c)
        if err != nil {
            return nil, err
        }
        c.TotalRecipients = total
    }

    // guarded by the status read above, so a concurrent send cannot be overwritten
    if err := s.CampaignRepo.Update(ctx, c, expected); err != nil {
        return nil, err
    }
    if c.Status != expected {
        metrics.IncTransition(string(expected), string(c.Status))
        s.Log.Info().
            Str("campaign_id", c.ID.String()).
            Str("from", string(expected)).
            Str("to", string(c.Status)).
            Msg("campaign schedule changed")
    }
    return c, nil
}

func (s *CampaignService) ensureNameFree(ctx context.Context, tenantID uuid.UUID, name string, exclude uuid.UUID) error {
    taken, err := s.CampaignRepo.NameTaken(ctx, tenantID, strings.TrimSpace(name), exclude)
    if err != nil {
        return err
    }
    if taken {
        return appErrors.NewValidation("name", "a campaign with this name already exists")
    }
    return nil
}

// ensureTemplates rejects template ids that do not belong to the tenant.
func (s *CampaignService) ensureTemplates(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) error {
    found, err := s.CatalogRepo.ListTemplates(ctx, tenantID, ids)
    if err != nil {
        return err
    }
    known := make(map[uuid.UUID]bool, len(found))
    for _, t := range found {
        known[t.ID] = true
    }
    for _, id := range ids {
        if !known[id] {
            return appErrors.NewValidation("template_ids", "unknown template "+id.String())
        }
    }
    return nil
}

// DeleteCampaign removes the campaign with its queued units and events. Active and Scheduled
// campaigns must be paused or cancelled first.
func (s *CampaignService) DeleteCampaign(ctx context.Context, tenantID, id uuid.UUID) error {
    c, err := s.getOwned(ctx, tenantID, id)
    if err != nil {
        return err
    }
    if c.Status == model.StatusActive || c.Status == model.StatusScheduled {
        return &appErrors.CampaignLockedError{Status: string(c.Status)}
    }
    if _, err := s.Queue.CancelAll(ctx, id); err != nil {
        return fmt.Errorf("drop queued units: %w", err)
    }
    if _, err := s.EventRepo.DeleteByCampaign(ctx, id); err != nil {
        return fmt.Errorf("delete events: %w", err)
    }
    return s.CampaignRepo.Delete(ctx, id)
}

func (s *CampaignService) GetCampaign(ctx context.Context, tenantID, id uuid.UUID) (*model.Campaign, error) {
    return s.getOwned(ctx, tenantID, id)
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, tenantID uuid.UUID, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
    page, pageSize = normalizePage(page, pageSize)
    offset := (page - 1) * pageSize

    ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, tenantID, offset, pageSize, status)
    if err != nil {
        return nil, nil, err
    }

    campaigns := make([]model.Campaign, len(ptrs))
    for i, c := range ptrs {
        campaigns[i] = *c
    }

    return campaigns, pagination(page, pageSize, total), nil
}

// ListEvents pages through a campaign's event log, newest first. search matches part of the
// recipient email, ignoring case.
func (s *CampaignService) ListEvents(ctx context.Context, tenantID, id uuid.UUID, eventType, search string, page, pageSize int) ([]model.CampaignEvent, map[string]int, error) {
    if _, err := s.getOwned(ctx, tenantID, id); err != nil {
        return nil, nil, err
    }
    if eventType != "" && !model.EventType(eventType).Valid() {
        return nil, nil, appErrors.NewValidation("type", fmt.Sprintf("unknown event type %q", eventType))
    }
    page, pageSize = normalizePage(page, pageSize)
    events, total, err := s.EventRepo.ListByCampaign(ctx, id, eventType, strings.TrimSpace(search), (page-1)*pageSize, pageSize)
    if err != nil {
        return nil, nil, err
    }
    return events, pagination(page, pageSize, total), nil
}

func normalizePage(page, pageSize int) (int, int) {
    if page < 1 {
        page = 1
    }
    if pageSize < 1 {
        pageSize = 20
    }
    if pageSize > 100 {
        pageSize = 100
    }
    return page, pageSize
}

func pagination(page, pageSize, total int) map[string]int {
    totalPages := (total + pageSize - 1) / pageSize
    return map[string]int{
        "page":        page,
        "page_size":   pageSize,
        "total_count": total,
        "total_pages": totalPages,
    }
}

// ====================== Lifecycle ======================

// SendCampaign resolves recipients, activates the campaign and enqueues one unit per recipient.
// A transport that cannot be set up fails the campaign before anything is queued.
func (s *CampaignService) SendCampaign(ctx context.Context, tenantID, id uuid.UUID) (*SendCampaignResult, error) {
    c, err := s.getOwned(ctx, tenantID, id)
    if err != nil {
        return nil, err
    }
    if !CanTransition(c.Status, model.StatusActive) || c.Status == model.StatusPaused {
        return nil, &appErrors.InvalidTransitionError{From: string(c.Status), To: string(model.StatusActive)}
    }

    recipients, err := s.Resolver.Resolve(ctx, c)
    if err != nil {
        return nil, err
    }
    templates, err := s.templatesFor(ctx, c)
    if err != nil {
        return nil, err
    }

    transport, setupErr := s.Transports.For(ctx, c.TenantID)
    var setup *appErrors.SetupError
    if setupErr != nil && !errors.As(setupErr, &setup) {
        return nil, setupErr
    }

    if err := s.States.Activate(ctx, c, len(recipients)); err != nil {
        return nil, err
    }

    if setupErr == nil {
        setupErr = transport.Verify(ctx)
        if setupErr != nil && !errors.As(setupErr, &setup) {
            setupErr = appErrors.NewSetup("transport verification failed", setupErr)
        }
    }
    if setupErr != nil {
        s.Log.Error().Err(setupErr).Str("campaign_id", c.ID.String()).Msg("mail transport setup failed")
        if err := s.States.Fail(ctx, c.ID, setupErr.Error()); err != nil {
            s.Log.Error().Err(err).Str("campaign_id", c.ID.String()).Msg("failed to mark campaign failed")
        }
        return nil, setupErr
    }

    queued, err := s.enqueue(ctx, c, recipients, templates)
    if err != nil {
        return nil, err
    }
    return &SendCampaignResult{CampaignID: c.ID, Status: c.Status, MessagesQueued: queued}, nil
}

func (s *CampaignService) enqueue(ctx context.Context, c *model.Campaign, recipients []model.Recipient, templates []model.Template) (int, error) {
    units := make([]model.DispatchUnit, len(recipients))
    for i, r := range recipients {
        units[i] = model.DispatchUnit{
            CampaignID: c.ID,
            TenantID:   c.TenantID,
            LeadID:     r.LeadID,
            Email:      r.Email,
            FirstName:  r.FirstName,
            LastName:   r.LastName,
            TemplateID: s.pickTemplate(templates).ID,
            Index:      i,
        }
    }
    opts := queue.EnqueueOptions{BaseDelay: s.Dispatch.BaseDelay, PerItemDelay: s.Dispatch.PerItemDelay}
    if err := s.Queue.Enqueue(ctx, units, opts); err != nil {
        reason := "enqueue failed: " + err.Error()
        if ferr := s.States.Fail(ctx, c.ID, reason); ferr != nil {
            s.Log.Error().Err(ferr).Str("campaign_id", c.ID.String()).Msg("failed to mark campaign failed")
        }
        return 0, err
    }
    metrics.AddUnitsEnqueued(len(units))
    s.Log.Info().Str("campaign_id", c.ID.String()).Int("units", len(units)).Msg("campaign enqueued")
    return len(units), nil
}

func (s *CampaignService) pickTemplate(templates []model.Template) model.Template {
    if s.Dispatch.TemplateSelection == TemplateRandom && len(templates) > 1 {
        return templates[rand.IntN(len(templates))]
    }
    return templates[0]
}

// templatesFor loads the campaign's templates in the order the campaign lists them.
func (s *CampaignService) templatesFor(ctx context.Context, c *model.Campaign) ([]model.Template, error) {
    found, err := s.CatalogRepo.ListTemplates(ctx, c.TenantID, c.TemplateIDs)
    if err != nil {
        return nil, err
    }
    byID := make(map[uuid.UUID]model.Template, len(found))
    for _, t := range found {
        byID[t.ID] = t
    }
    out := make([]model.Template, 0, len(found))
    for _, id := range c.TemplateIDs {
        if t, ok := byID[id]; ok {
            out = append(out, t)
        }
    }
    if len(out) == 0 {
        return nil, appErrors.NewValidation("template_ids", "no usable template")
    }
    return out, nil
}

// PauseCampaign stops new units from starting. Units already sending finish.
func (s *CampaignService) PauseCampaign(ctx context.Context, tenantID, id uuid.UUID) (*model.Campaign, error) {
    c, err := s.getOwned(ctx, tenantID, id)
    if err != nil {
        return nil, err
    }
    prev := c.Status
    if err := s.States.Swap(ctx, c, repository.StatusChange{From: prev, To: model.StatusPaused}); err != nil {
        return nil, err
    }
    if prev == model.StatusActive {
        n, err := s.Queue.Hold(ctx, id)
        if err != nil {
            return c, fmt.Errorf("hold queued units: %w", err)
        }
        s.Log.Info().Str("campaign_id", id.String()).Int("held", n).Msg("campaign paused")
    }
    return c, nil
}

// ResumeCampaign re-activates a paused campaign and releases its parked units in order.
// A campaign paused before it ever dispatched is dispatched now.
func (s *CampaignService) ResumeCampaign(ctx context.Context, tenantID, id uuid.UUID) (*model.Campaign, error) {
    c, err := s.getOwned(ctx, tenantID, id)
    if err != nil {
        return nil, err
    }
    if err := s.States.Swap(ctx, c, repository.StatusChange{From: model.StatusPaused, To: model.StatusActive}); err != nil {
        return nil, err
    }

    released, err := s.Queue.Release(ctx, id, s.Dispatch.PerItemDelay)
    if err != nil {
        return c, fmt.Errorf("release parked units: %w", err)
    }
    outstanding, err := s.Queue.Outstanding(ctx, id)
    if err != nil {
        return c, err
    }
    s.Log.Info().Str("campaign_id", id.String()).Int("released", released).Msg("campaign resumed")

    dispatched := released > 0 || outstanding > 0 || c.EmailsSent+c.EmailsFailed > 0
    if !dispatched {
        if err := s.dispatchResumed(ctx, c); err != nil {
            return c, err
        }
        return c, nil
    }

    if _, err := s.States.CompleteIfDrained(ctx, id); err != nil {
        return c, err
    }
    return s.CampaignRepo.GetByID(ctx, id)
}

func (s *CampaignService) dispatchResumed(ctx context.Context, c *model.Campaign) error {
    recipients, err := s.Resolver.Resolve(ctx, c)
    if err == nil {
        var templates []model.Template
        if templates, err = s.templatesFor(ctx, c); err == nil {
            if err = s.States.Retotal(ctx, c, len(recipients)); err == nil {
                _, err = s.enqueue(ctx, c, recipients, templates)
                return err
            }
        }
    }
    if ferr := s.States.Fail(ctx, c.ID, err.Error()); ferr != nil {
        s.Log.Error().Err(ferr).Str("campaign_id", c.ID.String()).Msg("failed to mark campaign failed")
    }
    return err
}

// CancelCampaign is allowed from Draft, Scheduled and Paused and drops everything still queued.
func (s *CampaignService) CancelCampaign(ctx context.Context, tenantID, id uuid.UUID) (*model.Campaign, error) {
    c, err := s.getOwned(ctx, tenantID, id)
    if err != nil {
        return nil, err
    }
    if err := s.States.Swap(ctx, c, repository.StatusChange{From: c.Status, To: model.StatusCancelled}); err != nil {
        return nil, err
    }
    n, err := s.Queue.CancelAll(ctx, id)
    if err != nil {
        return c, fmt.Errorf("drop queued units: %w", err)
    }
    s.Log.Info().Str("campaign_id", id.String()).Int("dropped", n).Msg("campaign cancelled")
    return c, nil
}

func (s *CampaignService) GetCampaignStatus(ctx context.Context, tenantID, id uuid.UUID) (*CampaignStatusView, error) {
    c, err := s.getOwned(ctx, tenantID, id)
    if err != nil {
        return nil, err
    }
    outstanding, err := s.Queue.Outstanding(ctx, id)
    if err != nil {
        return nil, err
    }
    counters := c.Counters()
    open, click := counters.Rates()
    return &CampaignStatusView{
        CampaignID:  c.ID,
        Status:      c.Status,
        Counters:    counters,
        OpenRate:    open,
        ClickRate:   click,
        Outstanding: outstanding,
        LastSentAt:  c.LastSentAt,
        LastError:   c.LastError,
    }, nil
}

func (s *CampaignService) GetCampaignAnalytics(ctx context.Context, tenantID, id uuid.UUID) (*CampaignAnalytics, error) {
    c, err := s.getOwned(ctx, tenantID, id)
    if err != nil {
        return nil, err
    }
    byType, err := s.EventRepo.CountByType(ctx, id)
    if err != nil {
        return nil, err
    }
    top, err := s.EventRepo.TopClickedURLs(ctx, id, topURLLimit)
    if err != nil {
        return nil, err
    }
    counters := c.Counters()
    open, click := counters.Rates()
    return &CampaignAnalytics{
        CampaignID:   c.ID,
        Status:       c.Status,
        Counters:     counters,
        OpenRate:     open,
        ClickRate:    click,
        EventsByType: byType,
        TopURLs:      top,
    }, nil
}

// RenderPreview renders a campaign template for one lead without tracking.
func (s *CampaignService) RenderPreview(ctx context.Context, tenantID, id, leadID uuid.UUID, templateID *uuid.UUID) (*Rendered, error) {
    c, err := s.getOwned(ctx, tenantID, id)
    if err != nil {
        return nil, err
    }
    lead, err := s.LeadRepo.GetByID(ctx, leadID)
    if err != nil || lead.TenantID != tenantID {
        return nil, appErrors.NewValidation("lead_id", "lead not found")
    }

    var tpl *model.Template
    if templateID != nil {
        tpl, err = s.CatalogRepo.GetTemplate(ctx, *templateID)
        if err != nil || tpl.TenantID != tenantID {
            return nil, appErrors.NewValidation("template_id", "template not found")
        }
    } else {
        templates, err := s.templatesFor(ctx, c)
        if err != nil {
            return nil, err
        }
        tpl = &templates[0]
    }

    out := s.Renderer.Render(tpl, c.Subject, RenderData{
        CampaignID: c.ID,
        LeadID:     lead.ID,
        Email:      lead.Email,
        FirstName:  lead.FirstName,
        LastName:   lead.LastName,
    }, false)
    return &out, nil
}

// ====================== helpers ======================

func (s *CampaignService) getOwned(ctx context.Context, tenantID, id uuid.UUID) (*model.Campaign, error) {
    c, err := s.CampaignRepo.GetByID(ctx, id)
    if err != nil {
        return nil, err
    }
    if c.TenantID != tenantID {
        return nil, appErrors.NewCampaignNotFound(id)
    }
    return c, nil
}

// countRecipients is the resolved recipient total, zero when the sources yield nobody yet.
func (s *CampaignService) countRecipients(ctx context.Context, c *model.Campaign) (int, error) {
    if len(c.Sources) == 0 {
        return 0, nil
    }
    recipients, err := s.Resolver.Resolve(ctx, c)
    var none *appErrors.NoRecipientsError
    if errors.As(err, &none) {
        return 0, nil
    }
    if err != nil {
        return 0, err
    }
    return len(recipients), nil
}

// internal/controller/campaign_controller.go
package controller

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "strconv"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/go-playground/validator/v10"
    "github.com/google/uuid"
    "github.com/rs/zerolog"

    appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
    "github.com/unclebandit/mailcampaign-backend/internal/model"
    "github.com/unclebandit/mailcampaign-backend/internal/service"
)

const (
    TenantHeader = "X-Tenant-ID"
    UserHeader   = "X-User-ID"
)

type CampaignController struct {
    CampaignService *service.CampaignService
    Validate        *validator.Validate
    Log             zerolog.Logger
}

func NewCampaignController(svc *service.CampaignService, log zerolog.Logger) *CampaignController {
    return &CampaignController{CampaignService: svc, Validate: validator.New(), Log: log}
}

// Routes mounts the campaign management API.
func (c *CampaignController) Routes(r chi.Router) {
    r.Post("/campaigns", c.CreateCampaign)
    r.Get("/campaigns", c.ListCampaigns)
    r.Route("/campaigns/{id}", func(r chi.Router) {
        r.Get("/", c.GetCampaignDetails)
        r.Patch("/", c.UpdateCampaign)
        r.Delete("/", c.DeleteCampaign)
        r.Post("/send", c.SendCampaign)
        r.Post("/pause", c.PauseCampaign)
        r.Post("/resume", c.ResumeCampaign)
        r.Post("/cancel", c.CancelCampaign)
        r.Post("/preview", c.PersonalizedPreview)
    })
}

type sourceBody struct {
    Kind string `json:"kind" validate:"required,oneof=list extraction_job"`
    ID   string `json:"id" validate:"required,uuid"`
}

type createCampaignBody struct {
    Name         string       `json:"name" validate:"required,max=255"`
    Subject      string       `json:"subject" validate:"max=998"`
    TemplateIDs  []string     `json:"template_ids" validate:"required,min=1,dive,uuid"`
    Sources      []sourceBody `json:"sources" validate:"dive"`
    ScheduleType string       `json:"schedule_type" validate:"omitempty,oneof=immediate scheduled"`
    ScheduledAt  *time.Time   `json:"scheduled_at"`
}

type updateCampaignBody struct {
    Name         *string      `json:"name" validate:"omitempty,max=255"`
    Subject      *string      `json:"subject" validate:"omitempty,max=998"`
    TemplateIDs  []string     `json:"template_ids" validate:"omitempty,min=1,dive,uuid"`
    Sources      []sourceBody `json:"sources" validate:"omitempty,dive"`
    ScheduleType *string      `json:"schedule_type" validate:"omitempty,oneof=immediate scheduled"`
    ScheduledAt  *time.Time   `json:"scheduled_at"`
}

type previewBody struct {
    LeadID     string  `json:"lead_id" validate:"required,uuid"`
    TemplateID *string `json:"template_id" validate:"omitempty,uuid"`
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
    tenantID, ok := c.tenant(w, r)
    if !ok {
        return
    }
    var body createCampaignBody
    if !c.decode(w, r, &body) {
        return
    }

    in := service.CreateCampaignInput{
        TenantID:     tenantID,
        Name:         body.Name,
        Subject:      body.Subject,
        TemplateIDs:  parseIDs(body.TemplateIDs),
        Sources:      parseSources(body.Sources),
        ScheduleType: model.ScheduleType(body.ScheduleType),
        ScheduledAt:  body.ScheduledAt,
    }
    if user, err := uuid.Parse(r.Header.Get(UserHeader)); err == nil {
        in.CreatedBy = user
    }

    campaign, err := c.CampaignService.CreateCampaign(r.Context(), in)
    if err != nil {
        c.fail(w, r, err)
        return
    }
    writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
    tenantID, id, ok := c.target(w, r)
    if !ok {
        return
    }
    var body updateCampaignBody
    if !c.decode(w, r, &body) {
        return
    }

    in := service.UpdateCampaignInput{
        Name:        body.Name,
        Subject:     body.Subject,
        ScheduledAt: body.ScheduledAt,
    }
    if body.TemplateIDs != nil {
        in.TemplateIDs = parseIDs(body.TemplateIDs)
    }
    if body.Sources != nil {
        in.Sources = parseSources(body.Sources)
    }
    if body.ScheduleType != nil {
        st := model.ScheduleType(*body.ScheduleType)
        in.ScheduleType = &st
    }

    campaign, err := c.CampaignService.UpdateCampaign(r.Context(), tenantID, id, in)
    if err != nil {
        c.fail(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
    tenantID, id, ok := c.target(w, r)
    if !ok {
        return
    }
    if err := c.CampaignService.DeleteCampaign(r.Context(), tenantID, id); err != nil {
        c.fail(w, r, err)
        return
    }
    w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
    tenantID, ok := c.tenant(w, r)
    if !ok {
        return
    }
    // Parse query parameters
    page, _ := strconv.Atoi(r.URL.Query().Get("page"))
    pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
    status := r.URL.Query().Get("status")
    if status != "" && !model.CampaignStatus(status).Valid() {
        c.fail(w, r, appErrors.NewValidation("status", "unknown campaign status"))
        return
    }

    campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), tenantID, page, pageSize, status)
    if err != nil {
        c.fail(w, r, err)
        return
    }

    writeJSON(w, http.StatusOK, map[string]interface{}{
        "data":       campaigns,
        "pagination": pagination, // already contains total_count, total_pages, page, page_size
    })
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
    tenantID, id, ok := c.target(w, r)
    if !ok {
        return
    }
    campaign, err := c.CampaignService.GetCampaign(r.Context(), tenantID, id)
    if err != nil {
        c.fail(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
    tenantID, id, ok := c.target(w, r)
    if !ok {
        return
    }
    result, err := c.CampaignService.SendCampaign(r.Context(), tenantID, id)
    if err != nil {
        c.fail(w, r, err)
        return
    }
    writeJSON(w, http.StatusAccepted, result)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
    c.lifecycle(w, r, c.CampaignService.PauseCampaign)
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
    c.lifecycle(w, r, c.CampaignService.ResumeCampaign)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
    c.lifecycle(w, r, c.CampaignService.CancelCampaign)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
    tenantID, id, ok := c.target(w, r)
    if !ok {
        return
    }
    var body previewBody
    if !c.decode(w, r, &body) {
        return
    }

    var templateID *uuid.UUID
    if body.TemplateID != nil {
        tid := uuid.MustParse(*body.TemplateID)
        templateID = &tid
    }
    rendered, err := c.CampaignService.RenderPreview(r.Context(), tenantID, id, uuid.MustParse(body.LeadID), templateID)
    if err != nil {
        c.fail(w, r, err)
        return
    }

    writeJSON(w, http.StatusOK, map[string]interface{}{
        "subject": rendered.Subject,
        "html":    rendered.HTML,
        "text":    rendered.Text,
        "lead_id": body.LeadID,
    })
}

type lifecycleFunc func(ctx context.Context, tenantID, id uuid.UUID) (*model.Campaign, error)

func (c *CampaignController) lifecycle(w http.ResponseWriter, r *http.Request, fn lifecycleFunc) {
    tenantID, id, ok := c.target(w, r)
    if !ok {
        return
    }
    campaign, err := fn(r.Context(), tenantID, id)
    if err != nil {
        c.fail(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, campaign)
}

// ====================== helpers ======================

func (c *CampaignController) tenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
    id, err := uuid.Parse(r.Header.Get(TenantHeader))
    if err != nil {
        writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or invalid " + TenantHeader + " header"})
        return uuid.Nil, false
    }
    return id, true
}

func (c *CampaignController) target(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
    tenantID, ok := c.tenant(w, r)
    if !ok {
        return uuid.Nil, uuid.Nil, false
    }
    id, err := uuid.Parse(chi.URLParam(r, "id"))
    if err != nil {
        writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid campaign id"})
        return uuid.Nil, uuid.Nil, false
    }
    return tenantID, id, true
}

func (c *CampaignController) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
    if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
        writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
        return false
    }
    if err := c.Validate.Struct(dst); err != nil {
        var verrs validator.ValidationErrors
        if errors.As(err, &verrs) {
            fields := make(map[string]string, len(verrs))
            for _, fe := range verrs {
                fields[fe.Namespace()] = fe.Tag()
            }
            writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "validation failed", "fields": fields})
            return false
        }
        writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
        return false
    }
    return true
}

func (c *CampaignController) fail(w http.ResponseWriter, r *http.Request, err error) {
    status := appErrors.HTTPStatus(err)
    if status >= http.StatusInternalServerError {
        c.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
    }
    writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    json.NewEncoder(w).Encode(v)
}

// parseIDs expects ids already checked by the validator.
func parseIDs(in []string) []uuid.UUID {
    out := make([]uuid.UUID, 0, len(in))
    for _, s := range in {
        out = append(out, uuid.MustParse(s))
    }
    return out
}

func parseSources(in []sourceBody) []model.SourceRef {
    out := make([]model.SourceRef, 0, len(in))
    for _, s := range in {
        out = append(out, model.SourceRef{Kind: model.SourceKind(s.Kind), ID: uuid.MustParse(s.ID)})
    }
    return out
}

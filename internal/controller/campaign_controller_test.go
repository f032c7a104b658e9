package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailcampaign-backend/internal/controller"
	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/logger"
	"github.com/unclebandit/mailcampaign-backend/internal/mailer"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
	"github.com/unclebandit/mailcampaign-backend/internal/queue"
	"github.com/unclebandit/mailcampaign-backend/internal/repository"
	"github.com/unclebandit/mailcampaign-backend/internal/service"
)

type nopTransport struct{ verifyErr error }

func (nopTransport) Send(ctx context.Context, m mailer.Message) (string, error) { return "<1@test>", nil }
func (t nopTransport) Verify(ctx context.Context) error                        { return t.verifyErr }

type staticProvider struct{ t mailer.Transport }

func (p staticProvider) For(ctx context.Context, tenantID uuid.UUID) (mailer.Transport, error) {
	return p.t, nil
}

type fixture struct {
	router   http.Handler
	store    *repository.MemoryStore
	queue    *queue.MemoryQueue
	tenant   uuid.UUID
	template model.Template
	list     model.RecipientList
	lead     model.Lead
}

func newFixture(t *testing.T, transport mailer.Transport) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	q := queue.NewMemoryQueue(0)
	log := logger.Nop()
	tenant := uuid.New()

	tpl := store.AddTemplate(model.Template{TenantID: tenant, Subject: "Hi {{name}}", HTML: "<p>Hello {{name}}</p>"})
	lead := store.AddLead(model.Lead{TenantID: tenant, Email: "jo@x.com", FirstName: "Jo", LastName: "Doe"})
	list := store.AddList(model.RecipientList{TenantID: tenant, Name: "vip", Members: []uuid.UUID{lead.ID}})

	svc := &service.CampaignService{
		CampaignRepo: store.Campaigns(),
		LeadRepo:     store.Leads(),
		CatalogRepo:  store.Catalog(),
		EventRepo:    store.Events(),
		Queue:        q,
		Resolver:     &service.RecipientResolver{Leads: store.Leads(), Catalog: store.Catalog()},
		States:       &service.StateMachine{Campaigns: store.Campaigns(), Queue: q, Log: log},
		Transports:   staticProvider{t: transport},
		Renderer:     service.Renderer{TrackingBaseURL: "https://t.example.com"},
		Log:          log,
	}
	r := chi.NewRouter()
	controller.NewCampaignController(svc, log).Routes(r)
	return &fixture{router: r, store: store, queue: q, tenant: tenant, template: tpl, list: list, lead: lead}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(controller.TenantHeader, f.tenant.String())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) create(t *testing.T) model.Campaign {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/campaigns", map[string]interface{}{
		"name":         "Launch " + uuid.NewString()[:8],
		"template_ids": []string{f.template.ID.String()},
		"sources":      []map[string]string{{"kind": "list", "id": f.list.ID.String()}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var c model.Campaign
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
	return c
}

func TestCreateCampaign(t *testing.T) {
	f := newFixture(t, nopTransport{})
	c := f.create(t)
	assert.Equal(t, model.StatusDraft, c.Status)
	assert.Equal(t, 1, c.TotalRecipients)
	assert.Equal(t, f.tenant, c.TenantID)
}

func TestCreateCampaign_Validation(t *testing.T) {
	f := newFixture(t, nopTransport{})

	rec := f.do(t, http.MethodPost, "/campaigns", map[string]interface{}{"name": "", "template_ids": []string{"nope"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation failed")

	req := httptest.NewRequest(http.MethodPost, "/campaigns", bytes.NewBufferString(`{"name":"x"}`))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), controller.TenantHeader)
}

func TestCampaignLifecycleEndpoints(t *testing.T) {
	f := newFixture(t, nopTransport{})
	c := f.create(t)
	base := "/campaigns/" + c.ID.String()

	rec := f.do(t, http.MethodPost, base+"/send", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var res service.SendCampaignResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 1, res.MessagesQueued)

	// sending twice is a conflict
	rec = f.do(t, http.MethodPost, base+"/send", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPatch, base, map[string]interface{}{"name": "edited"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.Campaign
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, model.StatusCancelled, got.Status)

	n, err := f.queue.Outstanding(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendCampaign_SetupErrorIs422(t *testing.T) {
	f := newFixture(t, nopTransport{verifyErr: appErrors.NewSetup("bad credentials", nil)})
	c := f.create(t)

	rec := f.do(t, http.MethodPost, "/campaigns/"+c.ID.String()+"/send", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/campaigns/"+c.ID.String(), nil)
	var got model.Campaign
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestGetCampaign_NotFound(t *testing.T) {
	f := newFixture(t, nopTransport{})
	rec := f.do(t, http.MethodGet, "/campaigns/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/campaigns/42", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCampaigns(t *testing.T) {
	f := newFixture(t, nopTransport{})
	for i := 0; i < 3; i++ {
		f.create(t)
	}

	rec := f.do(t, http.MethodGet, "/campaigns?page=1&page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data       []model.Campaign `json:"data"`
		Pagination map[string]int   `json:"pagination"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, 3, resp.Pagination["total_count"])
	assert.Equal(t, 2, resp.Pagination["total_pages"])

	rec = f.do(t, http.MethodGet, "/campaigns?status=Exploded", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPersonalizedPreview(t *testing.T) {
	f := newFixture(t, nopTransport{})
	c := f.create(t)

	rec := f.do(t, http.MethodPost, "/campaigns/"+c.ID.String()+"/preview", map[string]string{"lead_id": f.lead.ID.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Hi Jo Doe", resp["subject"])
	assert.Equal(t, "<p>Hello Jo Doe</p>", resp["html"])
}

func TestDeleteCampaign(t *testing.T) {
	f := newFixture(t, nopTransport{})
	c := f.create(t)

	rec := f.do(t, http.MethodDelete, "/campaigns/"+c.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/campaigns/"+c.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

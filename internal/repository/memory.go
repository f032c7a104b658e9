package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
)

// MemoryStore keeps every repository in process memory. It backs STORE_DRIVER=memory and the tests.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*model.Campaign
	leads     map[uuid.UUID]*model.Lead
	leadOrder []uuid.UUID
	lists     map[uuid.UUID]*model.RecipientList
	templates map[uuid.UUID]*model.Template
	senders   map[uuid.UUID]*model.FromAddress
	settings  map[uuid.UUID]*model.MailSettings
	events    []model.CampaignEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: map[uuid.UUID]*model.Campaign{},
		leads:     map[uuid.UUID]*model.Lead{},
		lists:     map[uuid.UUID]*model.RecipientList{},
		templates: map[uuid.UUID]*model.Template{},
		senders:   map[uuid.UUID]*model.FromAddress{},
		settings:  map[uuid.UUID]*model.MailSettings{},
	}
}

// Campaigns returns the campaign repository view.
func (m *MemoryStore) Campaigns() CampaignRepositoryInterface { return memCampaigns{m} }

// Leads returns the lead repository view.
func (m *MemoryStore) Leads() LeadRepositoryInterface { return memLeads{m} }

// Events returns the event repository view.
func (m *MemoryStore) Events() EventRepositoryInterface { return memEvents{m} }

// Catalog returns the catalog repository view.
func (m *MemoryStore) Catalog() CatalogRepositoryInterface { return memCatalog{m} }

// ---- seeding helpers ----

func (m *MemoryStore) AddLead(l model.Lead) model.Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = model.LeadNew
	}
	m.leads[l.ID] = &l
	m.leadOrder = append(m.leadOrder, l.ID)
	return l
}

func (m *MemoryStore) AddList(l model.RecipientList) model.RecipientList {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	m.lists[l.ID] = &l
	return l
}

func (m *MemoryStore) AddTemplate(t model.Template) model.Template {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	m.templates[t.ID] = &t
	return t
}

func (m *MemoryStore) AddSender(f model.FromAddress) model.FromAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	m.senders[f.ID] = &f
	return f
}

func (m *MemoryStore) SetMailSettings(s model.MailSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.TenantID] = &s
}

// AllEvents returns a copy of the event log.
func (m *MemoryStore) AllEvents() []model.CampaignEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.CampaignEvent(nil), m.events...)
}

// ---- campaigns ----

type memCampaigns struct{ m *MemoryStore }

func (r memCampaigns) Create(ctx context.Context, c *model.Campaign) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
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
	cp := cloneCampaign(c)
	r.m.campaigns[c.ID] = cp
	return nil
}

func (r memCampaigns) GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return cloneCampaign(c), nil
}

func (r memCampaigns) Update(ctx context.Context, c *model.Campaign, expected model.CampaignStatus) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cur, ok := r.m.campaigns[c.ID]
	if !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	if cur.Status != expected || !cur.Status.Editable() {
		return updateRejected(cur, expected)
	}
	now := time.Now().UTC()
	cur.Status = c.Status
	cur.Name, cur.Subject = c.Name, c.Subject
	cur.TemplateIDs = append([]uuid.UUID(nil), c.TemplateIDs...)
	cur.Sources = append([]model.SourceRef(nil), c.Sources...)
	cur.ScheduleType, cur.ScheduledAt = c.ScheduleType, c.ScheduledAt
	cur.TotalRecipients = c.TotalRecipients
	cur.UpdatedAt = &now
	return nil
}

func (r memCampaigns) Delete(ctx context.Context, id uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.campaigns, id)
	return nil
}

func (r memCampaigns) NameTaken(ctx context.Context, tenantID uuid.UUID, name string, exclude uuid.UUID) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, c := range r.m.campaigns {
		if c.TenantID == tenantID && c.ID != exclude && strings.EqualFold(c.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (r memCampaigns) ListCampaigns(ctx context.Context, tenantID uuid.UUID, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var all []*model.Campaign
	for _, c := range r.m.campaigns {
		if c.TenantID != tenantID {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		all = append(all, cloneCampaign(c))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r memCampaigns) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*model.Campaign
	for _, c := range r.m.campaigns {
		if c.Status == model.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memCampaigns) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, change StatusChange) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.campaigns[id]
	if !ok {
		return false, appErrors.NewCampaignNotFound(id)
	}
	if c.Status != change.From {
		return false, nil
	}
	c.Status = change.To
	if change.TotalRecipients != nil {
		c.TotalRecipients = *change.TotalRecipients
	}
	if change.LastError != nil {
		c.LastError = *change.LastError
	}
	if change.LastSentAt != nil {
		t := *change.LastSentAt
		c.LastSentAt = &t
	}
	now := time.Now().UTC()
	c.UpdatedAt = &now
	return true, nil
}

func (r memCampaigns) IncrementCounter(ctx context.Context, id uuid.UUID, column string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	switch column {
	case "emails_sent":
		c.EmailsSent++
	case "emails_opened":
		c.EmailsOpened++
	case "emails_clicked":
		c.EmailsClicked++
	case "emails_converted":
		c.EmailsConverted++
	case "emails_failed":
		c.EmailsFailed++
	case "emails_bounced":
		c.EmailsBounced++
	case "emails_unsubscribed":
		c.EmailsUnsubscribed++
	default:
		return appErrors.NewValidation("counter", "unknown counter "+column)
	}
	return nil
}

func (r memCampaigns) TouchLastSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.LastSentAt == nil || at.After(*c.LastSentAt) {
		c.LastSentAt = &at
	}
	return nil
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	cp.TemplateIDs = append([]uuid.UUID(nil), c.TemplateIDs...)
	cp.Sources = append([]model.SourceRef(nil), c.Sources...)
	return &cp
}

// ---- leads ----

type memLeads struct{ m *MemoryStore }

func (r memLeads) GetByID(ctx context.Context, id uuid.UUID) (*model.Lead, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	l, ok := r.m.leads[id]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r memLeads) ListByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]model.Lead, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Lead
	for _, id := range r.m.leadOrder {
		l := r.m.leads[id]
		if want[id] && l.TenantID == tenantID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (r memLeads) ListByExtractionJob(ctx context.Context, tenantID, jobID uuid.UUID) ([]model.Lead, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Lead
	for _, id := range r.m.leadOrder {
		l := r.m.leads[id]
		if l.TenantID == tenantID && l.ExtractionJobID != nil && *l.ExtractionJobID == jobID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (r memLeads) UpdateStatus(ctx context.Context, id uuid.UUID, status model.LeadStatus) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	l, ok := r.m.leads[id]
	if !ok {
		return appErrors.ErrNotFound
	}
	l.Status = status
	return nil
}

// ---- events ----

type memEvents struct{ m *MemoryStore }

func (r memEvents) Append(ctx context.Context, ev *model.CampaignEvent) error {
	prepareEvent(ev)
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.events = append(r.m.events, *ev)
	return nil
}

func (r memEvents) HasEvent(ctx context.Context, campaignID uuid.UUID, email string, eventType model.EventType) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.hasEventLocked(campaignID, email, eventType), nil
}

func (r memEvents) AppendIfAbsent(ctx context.Context, ev *model.CampaignEvent) (bool, error) {
	prepareEvent(ev)
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.hasEventLocked(ev.CampaignID, ev.RecipientEmail, ev.Type) {
		return false, nil
	}
	r.m.events = append(r.m.events, *ev)
	return true, nil
}

func (m *MemoryStore) hasEventLocked(campaignID uuid.UUID, email string, eventType model.EventType) bool {
	for _, e := range m.events {
		if e.CampaignID == campaignID && e.Type == eventType && strings.EqualFold(e.RecipientEmail, email) {
			return true
		}
	}
	return false
}

func (r memEvents) ListByCampaign(ctx context.Context, campaignID uuid.UUID, eventType, search string, offset, limit int) ([]model.CampaignEvent, int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	search = strings.ToLower(search)
	var matched []model.CampaignEvent
	for i := len(r.m.events) - 1; i >= 0; i-- {
		e := r.m.events[i]
		if e.CampaignID != campaignID || (eventType != "" && string(e.Type) != eventType) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.RecipientEmail), search) {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	if offset >= total {
		return []model.CampaignEvent{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r memEvents) CountByType(ctx context.Context, campaignID uuid.UUID) (map[model.EventType]int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	stats := map[model.EventType]int{}
	for _, e := range r.m.events {
		if e.CampaignID == campaignID {
			stats[e.Type]++
		}
	}
	return stats, nil
}

func (r memEvents) TopClickedURLs(ctx context.Context, campaignID uuid.UUID, limit int) ([]model.URLClicks, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	counts := map[string]int{}
	for _, e := range r.m.events {
		if e.CampaignID == campaignID && e.Type == model.EventClicked && e.URL != "" {
			counts[e.URL]++
		}
	}
	out := make([]model.URLClicks, 0, len(counts))
	for u, n := range counts {
		out = append(out, model.URLClicks{URL: u, Clicks: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Clicks != out[j].Clicks {
			return out[i].Clicks > out[j].Clicks
		}
		return out[i].URL < out[j].URL
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memEvents) DeleteByCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	kept := r.m.events[:0]
	removed := 0
	for _, e := range r.m.events {
		if e.CampaignID == campaignID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.m.events = kept
	return removed, nil
}

// ---- catalog ----

type memCatalog struct{ m *MemoryStore }

func (r memCatalog) GetTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.templates[id]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r memCatalog) ListTemplates(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]model.Template, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Template
	for _, id := range ids {
		if t, ok := r.m.templates[id]; ok && t.TenantID == tenantID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r memCatalog) GetRecipientList(ctx context.Context, tenantID, id uuid.UUID) (*model.RecipientList, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	l, ok := r.m.lists[id]
	if !ok || l.TenantID != tenantID {
		return nil, appErrors.ErrNotFound
	}
	cp := *l
	cp.Members = append([]uuid.UUID(nil), l.Members...)
	return &cp, nil
}

func (r memCatalog) GetMailSettings(ctx context.Context, tenantID uuid.UUID) (*model.MailSettings, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.settings[tenantID]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r memCatalog) AcquireSender(ctx context.Context, tenantID uuid.UUID) (*model.FromAddress, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var best *model.FromAddress
	for _, s := range r.m.senders {
		if s.TenantID != tenantID || !s.Verified {
			continue
		}
		if best == nil || s.LastUsedAt.Before(best.LastUsedAt) ||
			(s.LastUsedAt.Equal(best.LastUsedAt) && s.ID.String() < best.ID.String()) {
			best = s
		}
	}
	if best == nil {
		return nil, appErrors.ErrNotFound
	}
	best.LastUsedAt = time.Now().UTC()
	cp := *best
	return &cp, nil
}

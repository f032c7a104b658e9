package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
	"github.com/unclebandit/mailcampaign-backend/internal/service"
)

func TestSendCampaign_DuplicateRecipientsGetOneEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.campaign(t, h.list("a@x.com", "b@x.com"), h.list(" A@X.com ", "b@x.com"))
	assert.Equal(t, 2, c.TotalRecipients)

	res, err := h.svc.SendCampaign(ctx, h.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.MessagesQueued)
	assert.Equal(t, model.StatusActive, res.Status)

	final := h.runUntilDone(t, c.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.TotalRecipients)
	assert.Equal(t, 2, final.EmailsSent)
	assert.Len(t, h.events(c.ID, model.EventSent), 2)

	to := map[string]int{}
	for _, m := range h.transport.Sent() {
		to[m.To]++
		assert.Equal(t, "sales@acme.test", m.From)
		assert.Contains(t, m.HTML, "/track/open/"+c.ID.String())
		assert.Contains(t, m.HTML, "/track/click/"+c.ID.String())
	}
	assert.Equal(t, map[string]int{"a@x.com": 1, "b@x.com": 1}, to)
}

func TestSendCampaign_TransientFailuresRetried(t *testing.T) {
	h := newHarness(t)
	h.transport.failFirst["x@x.com"] = 2
	h.transport.failWith = appErrors.NewTransport("connection reset", false, errors.New("eof"))
	c := h.campaign(t, h.list("x@x.com"))

	_, err := h.svc.SendCampaign(context.Background(), h.tenant, c.ID)
	require.NoError(t, err)

	final := h.runUntilDone(t, c.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.EmailsSent)
	assert.Equal(t, 0, final.EmailsFailed)

	sent := h.events(c.ID, model.EventSent)
	require.Len(t, sent, 1)
	assert.Equal(t, 3, sent[0].Attempts)
	assert.Empty(t, h.events(c.ID, model.EventFailed))
}

func TestSendCampaign_RetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.transport.failFirst["x@x.com"] = 10
	h.transport.failWith = appErrors.NewTransport("timeout", false, nil)
	c := h.campaign(t, h.list("x@x.com", "y@x.com"))

	_, err := h.svc.SendCampaign(context.Background(), h.tenant, c.ID)
	require.NoError(t, err)

	final := h.runUntilDone(t, c.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.EmailsSent)
	assert.Equal(t, 1, final.EmailsFailed)

	failed := h.events(c.ID, model.EventFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "x@x.com", failed[0].RecipientEmail)
	assert.Equal(t, 3, failed[0].Attempts)
}

func TestSendCampaign_PermanentFailureInvalidatesLead(t *testing.T) {
	h := newHarness(t)
	h.transport.failFirst["gone@x.com"] = 1
	h.transport.failWith = appErrors.NewTransport("550 mailbox unavailable", true, nil)
	src := h.list("gone@x.com")
	c := h.campaign(t, src)

	_, err := h.svc.SendCampaign(context.Background(), h.tenant, c.ID)
	require.NoError(t, err)

	final := h.runUntilDone(t, c.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.EmailsFailed)

	failed := h.events(c.ID, model.EventFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)

	lead, err := h.store.Leads().GetByID(context.Background(), *failed[0].LeadID)
	require.NoError(t, err)
	assert.Equal(t, model.LeadInvalid, lead.Status)
}

func TestSendCampaign_UnknownDeliveryNotRetried(t *testing.T) {
	h := newHarness(t)
	h.transport.failFirst["slow@x.com"] = 1
	h.transport.failWith = appErrors.NewTransportUnknown("smtp send timed out, delivery unknown", context.DeadlineExceeded)
	c := h.campaign(t, h.list("slow@x.com"))

	_, err := h.svc.SendCampaign(context.Background(), h.tenant, c.ID)
	require.NoError(t, err)

	final := h.runUntilDone(t, c.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.EmailsFailed)
	// a retry would have succeeded, so an empty outbox proves it was not attempted
	assert.Empty(t, h.transport.Sent())

	failed := h.events(c.ID, model.EventFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Contains(t, failed[0].Reason, "delivery unknown")

	lead, err := h.store.Leads().GetByID(context.Background(), *failed[0].LeadID)
	require.NoError(t, err)
	assert.NotEqual(t, model.LeadInvalid, lead.Status)
}

func TestSendCampaign_SetupErrorFailsCampaign(t *testing.T) {
	h := newHarness(t)
	h.transport.verifyErr = appErrors.NewSetup("auth rejected", nil)
	c := h.campaign(t, h.list("a@x.com", "b@x.com"))

	_, err := h.svc.SendCampaign(context.Background(), h.tenant, c.ID)
	var setup *appErrors.SetupError
	require.ErrorAs(t, err, &setup)

	got := h.status(t, c.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.NotEmpty(t, got.LastError)
	assert.Empty(t, h.store.AllEvents())

	n, err := h.queue.Outstanding(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendCampaign_NoRecipients(t *testing.T) {
	h := newHarness(t)
	u := h.store.AddLead(model.Lead{TenantID: h.tenant, Email: "u@x.com", Status: model.LeadUnsubscribed})
	l := h.store.AddList(model.RecipientList{TenantID: h.tenant, Members: []uuid.UUID{u.ID}})
	c := h.campaign(t, h.list("not-an-address"), model.SourceRef{Kind: model.SourceList, ID: l.ID})

	_, err := h.svc.SendCampaign(context.Background(), h.tenant, c.ID)
	var none *appErrors.NoRecipientsError
	require.ErrorAs(t, err, &none)
	assert.Equal(t, model.StatusDraft, h.status(t, c.ID).Status)
}

func TestSendCampaign_ConcurrentSendsActivateOnce(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(t, h.list("a@x.com", "b@x.com", "c@x.com"))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SendCampaign(context.Background(), h.tenant, c.ID)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			var conflict *appErrors.ConcurrencyConflict
			var invalid *appErrors.InvalidTransitionError
			assert.True(t, errors.As(err, &conflict) || errors.As(err, &invalid), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	n, err := h.queue.Outstanding(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	final := h.runUntilDone(t, c.ID)
	assert.Equal(t, 3, final.EmailsSent)
	assert.Len(t, h.transport.Sent(), 3)
}

func TestPauseResume_DeliversEveryRecipientOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	emails := []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com"}
	c := h.campaign(t, h.list(emails...))

	_, err := h.svc.SendCampaign(ctx, h.tenant, c.ID)
	require.NoError(t, err)

	// one unit is already claimed by a worker when the pause lands
	unit, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)

	paused, err := h.svc.PauseCampaign(ctx, h.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, paused.Status)

	outcome, err := h.worker.Process(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeParked, outcome)
	assert.Empty(t, h.transport.Sent())

	n, err := h.queue.Outstanding(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, len(emails), n)

	resumed, err := h.svc.ResumeCampaign(ctx, h.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, resumed.Status)

	final := h.runUntilDone(t, c.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, len(emails), final.EmailsSent)
	assert.Len(t, h.transport.Sent(), len(emails))
}

func TestResume_ScheduledCampaignPausedBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	c, err := h.svc.CreateCampaign(ctx, service.CreateCampaignInput{
		TenantID:     h.tenant,
		Name:         "later",
		TemplateIDs:  []uuid.UUID{h.template.ID},
		Sources:      []model.SourceRef{h.list("a@x.com", "b@x.com")},
		ScheduleType: model.ScheduleScheduled,
		ScheduledAt:  &at,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, c.Status)

	_, err = h.svc.PauseCampaign(ctx, h.tenant, c.ID)
	require.NoError(t, err)
	_, err = h.svc.ResumeCampaign(ctx, h.tenant, c.ID)
	require.NoError(t, err)

	n, err := h.queue.Outstanding(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	final := h.runUntilDone(t, c.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.EmailsSent)
}

func TestCancelCampaign(t *testing.T) {
	ctx := context.Background()

	t.Run("draft", func(t *testing.T) {
		h := newHarness(t)
		c := h.campaign(t, h.list("a@x.com"))
		got, err := h.svc.CancelCampaign(ctx, h.tenant, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, got.Status)
	})

	t.Run("paused drops queued units", func(t *testing.T) {
		h := newHarness(t)
		c := h.campaign(t, h.list("a@x.com", "b@x.com"))
		_, err := h.svc.SendCampaign(ctx, h.tenant, c.ID)
		require.NoError(t, err)
		_, err = h.svc.PauseCampaign(ctx, h.tenant, c.ID)
		require.NoError(t, err)

		_, err = h.svc.CancelCampaign(ctx, h.tenant, c.ID)
		require.NoError(t, err)
		n, err := h.queue.Outstanding(ctx, c.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, h.transport.Sent())
	})

	t.Run("active must pause first", func(t *testing.T) {
		h := newHarness(t)
		c := h.campaign(t, h.list("a@x.com"))
		_, err := h.svc.SendCampaign(ctx, h.tenant, c.ID)
		require.NoError(t, err)
		_, err = h.svc.CancelCampaign(ctx, h.tenant, c.ID)
		var invalid *appErrors.InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("completed", func(t *testing.T) {
		h := newHarness(t)
		c := h.campaign(t, h.list("a@x.com"))
		_, err := h.svc.SendCampaign(ctx, h.tenant, c.ID)
		require.NoError(t, err)
		h.runUntilDone(t, c.ID)

		_, err = h.svc.CancelCampaign(ctx, h.tenant, c.ID)
		var invalid *appErrors.InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "Completed", invalid.From)
	})
}

func TestUpdateCampaign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.campaign(t, h.list("a@x.com"))

	name := "Renamed"
	got, err := h.svc.UpdateCampaign(ctx, h.tenant, c.ID, service.UpdateCampaignInput{
		Name:    &name,
		Sources: []model.SourceRef{h.list("a@x.com", "b@x.com", "c@x.com")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, 3, got.TotalRecipients)

	_, err = h.svc.SendCampaign(ctx, h.tenant, c.ID)
	require.NoError(t, err)
	_, err = h.svc.UpdateCampaign(ctx, h.tenant, c.ID, service.UpdateCampaignInput{Name: &name})
	var locked *appErrors.CampaignLockedError
	require.ErrorAs(t, err, &locked)
}

func TestCampaign_TenantIsolation(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(t, h.list("a@x.com"))

	_, err := h.svc.GetCampaign(context.Background(), uuid.New(), c.ID)
	assert.True(t, appErrors.IsNotFound(err))
	_, err = h.svc.SendCampaign(context.Background(), uuid.New(), c.ID)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestDeleteCampaign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.campaign(t, h.list("a@x.com"))
	_, err := h.svc.SendCampaign(ctx, h.tenant, c.ID)
	require.NoError(t, err)

	var locked *appErrors.CampaignLockedError
	require.ErrorAs(t, h.svc.DeleteCampaign(ctx, h.tenant, c.ID), &locked)

	h.runUntilDone(t, c.ID)
	require.NoError(t, h.svc.DeleteCampaign(ctx, h.tenant, c.ID))
	_, err = h.svc.GetCampaign(ctx, h.tenant, c.ID)
	assert.True(t, appErrors.IsNotFound(err))
	assert.Empty(t, h.store.AllEvents())
}

func TestGetCampaignStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.campaign(t, h.list("a@x.com", "b@x.com"))
	_, err := h.svc.SendCampaign(ctx, h.tenant, c.ID)
	require.NoError(t, err)

	view, err := h.svc.GetCampaignStatus(ctx, h.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, view.Status)
	assert.Equal(t, 2, view.Outstanding)

	h.runUntilDone(t, c.ID)
	lead := h.events(c.ID, model.EventSent)[0].LeadID
	require.NoError(t, h.tracking.TrackOpen(ctx, c.ID, *lead, "", ""))

	view, err = h.svc.GetCampaignStatus(ctx, h.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, view.Status)
	assert.Equal(t, 2, view.Counters.Sent)
	assert.Equal(t, 1, view.Counters.Opened)
	assert.InDelta(t, 50.0, view.OpenRate, 0.001)
	assert.Zero(t, view.Outstanding)
}

func TestRenderPreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.store.AddLead(model.Lead{TenantID: h.tenant, Email: "jo@x.com", FirstName: "Jo", LastName: "Doe"})
	c := h.campaign(t, h.list("a@x.com"))

	out, err := h.svc.RenderPreview(ctx, h.tenant, c.ID, lead.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi Jo Doe", out.Subject)
	assert.Contains(t, out.HTML, "Hello Jo Doe")
	assert.NotContains(t, out.HTML, "/track/")

	_, err = h.svc.RenderPreview(ctx, h.tenant, c.ID, uuid.New(), nil)
	var verr *appErrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestListEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.campaign(t, h.list("a@x.com", "b@x.com", "c@x.com"))
	_, err := h.svc.SendCampaign(ctx, h.tenant, c.ID)
	require.NoError(t, err)
	h.runUntilDone(t, c.ID)

	events, pagination, err := h.svc.ListEvents(ctx, h.tenant, c.ID, "Sent", "", 1, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, 3, pagination["total_count"])
	assert.Equal(t, 2, pagination["total_pages"])

	_, _, err = h.svc.ListEvents(ctx, h.tenant, c.ID, "Exploded", "", 1, 2)
	var verr *appErrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestScheduler_StartsDueCampaigns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	due, err := h.svc.CreateCampaign(ctx, service.CreateCampaignInput{
		TenantID: h.tenant, Name: "due", TemplateIDs: []uuid.UUID{h.template.ID},
		Sources: []model.SourceRef{h.list("a@x.com")}, ScheduleType: model.ScheduleScheduled, ScheduledAt: &past,
	})
	require.NoError(t, err)
	later, err := h.svc.CreateCampaign(ctx, service.CreateCampaignInput{
		TenantID: h.tenant, Name: "later", TemplateIDs: []uuid.UUID{h.template.ID},
		Sources: []model.SourceRef{h.list("b@x.com")}, ScheduleType: model.ScheduleScheduled, ScheduledAt: &future,
	})
	require.NoError(t, err)

	sched := &service.Scheduler{Campaigns: h.store.Campaigns(), Service: h.svc, Log: h.svc.Log}
	assert.Equal(t, 1, sched.Tick(ctx, time.Now()))
	assert.Equal(t, model.StatusActive, h.status(t, due.ID).Status)
	assert.Equal(t, model.StatusScheduled, h.status(t, later.ID).Status)

	assert.Zero(t, sched.Tick(ctx, time.Now()))
}

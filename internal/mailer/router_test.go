package mailer

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailcampaign-backend/internal/config"
	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
)

type stubSettings struct {
	vals map[uuid.UUID]*model.MailSettings
	err  error
}

func (s stubSettings) GetMailSettings(ctx context.Context, tenantID uuid.UUID) (*model.MailSettings, error) {
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.vals[tenantID]; ok {
		return v, nil
	}
	return nil, appErrors.ErrNotFound
}

type captureTransport struct{ kind string }

func (c *captureTransport) Send(ctx context.Context, msg Message) (string, error) { return c.kind, nil }
func (c *captureTransport) Verify(ctx context.Context) error                    { return nil }

func newTestRouter(settings SettingsSource, cfg config.Config) (*Router, *[]string) {
	var built []string
	r := NewRouter(settings, cfg)
	r.newSMTP = func(c SMTPConfig) Transport {
		built = append(built, "smtp:"+c.Host)
		return &captureTransport{kind: "smtp"}
	}
	r.newGraph = func(c GraphConfig) Transport {
		built = append(built, "graph:"+c.TenantID)
		return &captureTransport{kind: "graph"}
	}
	return r, &built
}

func TestRouter_DefaultsWhenTenantHasNoSettings(t *testing.T) {
	cfg := config.Config{EmailProvider: "smtp", SMTPHost: "relay.local", SMTPPort: 25}
	r, built := newTestRouter(stubSettings{}, cfg)

	tr, err := r.For(context.Background(), uuid.New())
	require.NoError(t, err)
	id, _ := tr.Send(context.Background(), Message{})
	assert.Equal(t, "smtp", id)
	assert.Equal(t, []string{"smtp:relay.local"}, *built)
}

func TestRouter_SelectsGraphAndCaches(t *testing.T) {
	tenant := uuid.New()
	settings := stubSettings{vals: map[uuid.UUID]*model.MailSettings{
		tenant: {Provider: model.ProviderGraph, GraphTenantID: "dir", GraphClientID: "app", GraphClientSecret: "s3cret"},
	}}
	r, built := newTestRouter(settings, config.Config{EmailProvider: "smtp"})

	first, err := r.For(context.Background(), tenant)
	require.NoError(t, err)
	second, err := r.For(context.Background(), tenant)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, []string{"graph:dir"}, *built)
}

func TestRouter_IncompleteSettingsAreSetupErrors(t *testing.T) {
	tenant := uuid.New()
	settings := stubSettings{vals: map[uuid.UUID]*model.MailSettings{
		tenant: {Provider: model.ProviderGraph, GraphClientID: "app"},
	}}
	r, _ := newTestRouter(settings, config.Config{})

	_, err := r.For(context.Background(), tenant)
	var setup *appErrors.SetupError
	assert.True(t, errors.As(err, &setup))

	r, _ = newTestRouter(stubSettings{}, config.Config{EmailProvider: "smtp"})
	_, err = r.For(context.Background(), uuid.New())
	assert.True(t, errors.As(err, &setup), "smtp without a host")
}

func TestRouter_StoreErrorIsNotSetupError(t *testing.T) {
	r, _ := newTestRouter(stubSettings{err: errors.New("connection reset")}, config.Config{SMTPHost: "h", SMTPPort: 25})
	_, err := r.For(context.Background(), uuid.New())
	require.Error(t, err)
	var setup *appErrors.SetupError
	assert.False(t, errors.As(err, &setup))
}

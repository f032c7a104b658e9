package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/unclebandit/mailcampaign-backend/internal/config"
	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
)

// TransportProvider hands out the transport configured for a tenant.
type TransportProvider interface {
	For(ctx context.Context, tenantID uuid.UUID) (Transport, error)
}

// SettingsSource is the slice of the catalog repository the router reads.
type SettingsSource interface {
	GetMailSettings(ctx context.Context, tenantID uuid.UUID) (*model.MailSettings, error)
}

// Ensure Router implements TransportProvider
var _ TransportProvider = (*Router)(nil)

// Router picks SMTP or Graph per tenant. Tenants without stored settings use the service defaults.
type Router struct {
	cfg      config.Config
	settings SettingsSource

	mu    sync.Mutex
	cache map[uuid.UUID]cachedTransport

	newSMTP  func(SMTPConfig) Transport
	newGraph func(GraphConfig) Transport
}

type cachedTransport struct {
	settings model.MailSettings
	t        Transport
}

func NewRouter(settings SettingsSource, cfg config.Config) *Router {
	return &Router{
		cfg:      cfg,
		settings: settings,
		cache:    make(map[uuid.UUID]cachedTransport),
		newSMTP:  func(c SMTPConfig) Transport { return NewSMTP(c) },
		newGraph: func(c GraphConfig) Transport { return NewGraph(c) },
	}
}

func (r *Router) For(ctx context.Context, tenantID uuid.UUID) (Transport, error) {
	s, err := r.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cache[tenantID]; ok && c.settings == s {
		return c.t, nil
	}

	var t Transport
	switch s.Provider {
	case model.ProviderGraph:
		if s.GraphTenantID == "" || s.GraphClientID == "" || s.GraphClientSecret == "" {
			return nil, appErrors.NewSetup("graph settings incomplete", nil)
		}
		t = r.newGraph(GraphConfig{
			TenantID:     s.GraphTenantID,
			ClientID:     s.GraphClientID,
			ClientSecret: s.GraphClientSecret,
			TokenURL:     r.cfg.GraphTokenURL,
			BaseURL:      r.cfg.GraphBaseURL,
		})
	case model.ProviderSMTP:
		if s.SMTPHost == "" || s.SMTPPort == 0 {
			return nil, appErrors.NewSetup("smtp settings incomplete", nil)
		}
		t = r.newSMTP(SMTPConfig{
			Host:     s.SMTPHost,
			Port:     s.SMTPPort,
			Username: s.SMTPUsername,
			Password: s.SMTPPassword,
			Security: s.SMTPSecurity,
		})
	default:
		return nil, appErrors.NewSetup(fmt.Sprintf("unknown mail provider %q", s.Provider), nil)
	}
	r.cache[tenantID] = cachedTransport{settings: s, t: t}
	return t, nil
}

// resolve merges stored tenant settings over the configured defaults.
func (r *Router) resolve(ctx context.Context, tenantID uuid.UUID) (model.MailSettings, error) {
	s := model.MailSettings{
		TenantID:     tenantID,
		Provider:     model.MailProvider(strings.ToLower(r.cfg.EmailProvider)),
		SMTPHost:     r.cfg.SMTPHost,
		SMTPPort:     r.cfg.SMTPPort,
		SMTPUsername: r.cfg.SMTPUsername,
		SMTPPassword: r.cfg.SMTPPassword,
		SMTPSecurity: r.cfg.SMTPSecurity,
	}
	stored, err := r.settings.GetMailSettings(ctx, tenantID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			return s, nil
		}
		return s, fmt.Errorf("load mail settings: %w", err)
	}
	if stored.Provider != "" {
		s.Provider = model.MailProvider(strings.ToLower(string(stored.Provider)))
	}
	if stored.SMTPHost != "" {
		s.SMTPHost, s.SMTPPort = stored.SMTPHost, stored.SMTPPort
		s.SMTPUsername, s.SMTPPassword = stored.SMTPUsername, stored.SMTPPassword
		s.SMTPSecurity = stored.SMTPSecurity
	}
	s.GraphTenantID, s.GraphClientID, s.GraphClientSecret = stored.GraphTenantID, stored.GraphClientID, stored.GraphClientSecret
	return s, nil
}

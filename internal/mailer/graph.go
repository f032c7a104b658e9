package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
)

type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string // may contain one %s for the directory tenant
	BaseURL      string
}

// Graph sends through Microsoft Graph /users/{from}/sendMail using an app-only token.
type Graph struct {
	creds   clientcredentials.Config
	http    *http.Client
	baseURL string
}

func NewGraph(cfg GraphConfig) *Graph {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://graph.microsoft.com/v1.0"
	}
	creds := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf(tokenURL, cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	// the token source caches and refreshes on its own; it must outlive any single request ctx
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: 10 * time.Second})
	client := creds.Client(ctx)
	client.Timeout = 30 * time.Second
	return &Graph{creds: creds, http: client, baseURL: base}
}

type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	Subject string `json:"subject"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From              graphAddress   `json:"from"`
	ToRecipients      []graphAddress `json:"toRecipients"`
	InternetMessageID string         `json:"internetMessageId"`
}

type graphSendMail struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

func address(email, name string) graphAddress {
	var a graphAddress
	a.EmailAddress.Address = email
	a.EmailAddress.Name = name
	return a
}

func (g *Graph) Send(ctx context.Context, msg Message) (string, error) {
	id := newMessageID(msg.From)

	var payload graphSendMail
	payload.Message.Subject = msg.Subject
	payload.Message.Body.ContentType = "HTML"
	payload.Message.Body.Content = msg.HTML
	payload.Message.From = address(msg.From, msg.FromName)
	payload.Message.ToRecipients = []graphAddress{address(msg.To, "")}
	payload.Message.InternetMessageID = id

	buf, err := json.Marshal(payload)
	if err != nil {
		return "", appErrors.NewTransport("encode graph message", true, err)
	}
	endpoint := fmt.Sprintf("%s/users/%s/sendMail", g.baseURL, url.PathEscape(msg.From))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", appErrors.NewTransport("build graph request", true, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return "", appErrors.NewSetup("graph token request rejected", err)
		}
		return "", appErrors.NewTransport("graph request failed", false, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 300 {
		return id, nil
	}
	return "", classifyGraph(resp)
}

func (g *Graph) Verify(ctx context.Context) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: 10 * time.Second})
	if _, err := g.creds.Token(ctx); err != nil {
		return appErrors.NewSetup("graph token request failed", err)
	}
	return nil
}

func classifyGraph(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	reason := fmt.Sprintf("graph send failed: %s", resp.Status)
	if len(body) > 0 {
		reason += ": " + string(body)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return appErrors.NewSetup(reason, nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return appErrors.NewTransport(reason, false, nil)
	default:
		return appErrors.NewTransport(reason, true, nil)
	}
}

var _ Transport = (*Graph)(nil)

package service

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/unclebandit/mailcampaign-backend/internal/model"
)

var (
	hrefRegex      = regexp.MustCompile(`(?i)<a\s+(?:[^>]*?\s+)?href=(?:"([^"]*)"|'([^']*)')`)
	stripTagsRegex = regexp.MustCompile(`<[^>]*>`)
	blankRunRegex  = regexp.MustCompile(`\n\s*\n+`)
)

// Renderer personalizes a template for one recipient and wires in open/click tracking.
type Renderer struct {
	TrackingBaseURL string
}

type RenderData struct {
	CampaignID uuid.UUID
	LeadID     uuid.UUID
	Email      string
	FirstName  string
	LastName   string
	SenderName string
}

type Rendered struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// RecipientName is "First Last", or the email when no first name is known.
func RecipientName(first, last, email string) string {
	if strings.TrimSpace(first) == "" {
		return email
	}
	return strings.TrimSpace(first + " " + last)
}

// placeholders substitutes recipient fields. Values going into HTML are escaped.
func (r Renderer) placeholders(d RenderData, escape bool) *strings.Replacer {
	esc := func(s string) string { return s }
	if escape {
		esc = html.EscapeString
	}
	return strings.NewReplacer(
		"{{name}}", esc(RecipientName(d.FirstName, d.LastName, d.Email)),
		"{{first_name}}", esc(d.FirstName),
		"{{last_name}}", esc(d.LastName),
		"{{email}}", esc(d.Email),
		"{{sender_name}}", esc(d.SenderName),
	)
}

// Render fills placeholders. subject overrides the template subject when set.
// Tracking is applied only when tracked is true; previews skip it.
func (r Renderer) Render(tpl *model.Template, subject string, d RenderData, tracked bool) Rendered {
	if strings.TrimSpace(subject) == "" {
		subject = tpl.Subject
	}
	body := r.placeholders(d, true).Replace(tpl.HTML)
	text := HTMLToText(body)
	if tracked {
		body = r.ApplyTracking(body, d.CampaignID, d.LeadID)
	}
	return Rendered{Subject: r.placeholders(d, false).Replace(subject), HTML: body, Text: text}
}

func (r Renderer) OpenURL(campaignID, leadID uuid.UUID) string {
	return fmt.Sprintf("%s/track/open/%s/%s", r.TrackingBaseURL, campaignID, leadID)
}

func (r Renderer) ClickURL(campaignID, leadID uuid.UUID, target string) string {
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s", r.TrackingBaseURL, campaignID, leadID, url.QueryEscape(target))
}

// ApplyTracking rewrites anchors to the click redirector and appends the open pixel.
// mailto: and fragment links are left as they are.
func (r Renderer) ApplyTracking(body string, campaignID, leadID uuid.UUID) string {
	body = hrefRegex.ReplaceAllStringFunc(body, func(match string) string {
		sub := hrefRegex.FindStringSubmatch(match)
		quote, target := `"`, sub[1]
		if strings.HasSuffix(match, "'") {
			quote, target = "'", sub[2]
		}
		if target == "" || strings.HasPrefix(strings.ToLower(target), "mailto:") || strings.HasPrefix(target, "#") {
			return match
		}
		prefix := match[:len(match)-len(quote+target+quote)]
		return prefix + quote + html.EscapeString(r.ClickURL(campaignID, leadID, html.UnescapeString(target))) + quote
	})
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none;" alt="" />`, r.OpenURL(campaignID, leadID))
	if i := strings.LastIndex(strings.ToLower(body), "</body>"); i >= 0 {
		return body[:i] + pixel + body[i:]
	}
	return body + pixel
}

// HTMLToText is a plain-text alternative good enough for multipart/alternative.
func HTMLToText(body string) string {
	text := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n\n").Replace(body)
	text = stripTagsRegex.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = blankRunRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

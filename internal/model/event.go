// internal/model/event.go
package model

import (
    "time"

    "github.com/google/uuid"
)

type EventType string

const (
    EventSent         EventType = "Sent"
    EventOpened       EventType = "Opened"
    EventClicked      EventType = "Clicked"
    EventBounced      EventType = "Bounced"
    EventUnsubscribed EventType = "Unsubscribed"
    EventFailed       EventType = "Failed"
)

func (t EventType) Valid() bool {
    switch t {
    case EventSent, EventOpened, EventClicked, EventBounced, EventUnsubscribed, EventFailed:
        return true
    }
    return false
}

// Terminal reports whether the event closes a dispatch unit.
func (t EventType) Terminal() bool { return t == EventSent || t == EventFailed }

type CampaignEvent struct {
    ID             uuid.UUID  `db:"id" json:"id"`
    TenantID       uuid.UUID  `db:"tenant_id" json:"tenant_id"`
    CampaignID     uuid.UUID  `db:"campaign_id" json:"campaign_id"`
    LeadID         *uuid.UUID `db:"lead_id" json:"lead_id,omitempty"`
    RecipientEmail string     `db:"recipient_email" json:"recipient_email"`
    Type           EventType  `db:"event_type" json:"event_type"`
    TemplateID     *uuid.UUID `db:"template_id" json:"template_id,omitempty"`
    FromEmail      string     `db:"from_email" json:"from_email,omitempty"`
    MessageID      string     `db:"message_id" json:"message_id,omitempty"`
    Attempts       int        `db:"attempts" json:"attempts,omitempty"`
    URL            string     `db:"url" json:"url,omitempty"`
    Reason         string     `db:"reason" json:"reason,omitempty"`
    IPAddress      string     `db:"ip_address" json:"ip_address,omitempty"`
    UserAgent      string     `db:"user_agent" json:"user_agent,omitempty"`
    Timestamp      time.Time  `db:"timestamp" json:"timestamp"`
}

// URLClicks is one row of a campaign's most clicked links.
type URLClicks struct {
    URL    string `json:"url"`
    Clicks int    `json:"clicks"`
}

// CounterColumn names the campaign counter an event of this type increments.
func (t EventType) CounterColumn() string {
    switch t {
    case EventSent:
        return "emails_sent"
    case EventOpened:
        return "emails_opened"
    case EventClicked:
        return "emails_clicked"
    case EventBounced:
        return "emails_bounced"
    case EventUnsubscribed:
        return "emails_unsubscribed"
    case EventFailed:
        return "emails_failed"
    }
    return ""
}

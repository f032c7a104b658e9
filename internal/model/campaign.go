// internal/model/campaign.go
package model

import (
    "time"

    "github.com/google/uuid"
)

type CampaignStatus string

const (
    StatusDraft     CampaignStatus = "Draft"
    StatusScheduled CampaignStatus = "Scheduled"
    StatusActive    CampaignStatus = "Active"
    StatusPaused    CampaignStatus = "Paused"
    StatusCompleted CampaignStatus = "Completed"
    StatusFailed    CampaignStatus = "Failed"
    StatusCancelled CampaignStatus = "Cancelled"
)

func (s CampaignStatus) Valid() bool {
    switch s {
    case StatusDraft, StatusScheduled, StatusActive, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
        return true
    }
    return false
}

// Editable reports whether name, templates and recipient sources may still change.
func (s CampaignStatus) Editable() bool {
    return s == StatusDraft || s == StatusScheduled || s == StatusPaused
}

type ScheduleType string

const (
    ScheduleImmediate ScheduleType = "immediate"
    ScheduleScheduled ScheduleType = "scheduled"
)

type SourceKind string

const (
    SourceList          SourceKind = "list"
    SourceExtractionJob SourceKind = "extraction_job"
)

// SourceRef points at a recipient list or the output of an extraction job.
type SourceRef struct {
    Kind SourceKind `json:"kind"`
    ID   uuid.UUID  `json:"id"`
}

type Campaign struct {
    ID           uuid.UUID      `db:"id" json:"id"`
    TenantID     uuid.UUID      `db:"tenant_id" json:"tenant_id"`
    Name         string         `db:"name" json:"name"`
    Subject      string         `db:"subject" json:"subject"`
    TemplateIDs  []uuid.UUID    `db:"template_ids" json:"template_ids"`
    Sources      []SourceRef    `db:"sources" json:"sources"`
    Status       CampaignStatus `db:"status" json:"status"`
    ScheduleType ScheduleType   `db:"schedule_type" json:"schedule_type"`
    ScheduledAt  *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`

    TotalRecipients    int `db:"total_recipients" json:"total_recipients"`
    EmailsSent         int `db:"emails_sent" json:"emails_sent"`
    EmailsOpened       int `db:"emails_opened" json:"emails_opened"`
    EmailsClicked      int `db:"emails_clicked" json:"emails_clicked"`
    EmailsConverted    int `db:"emails_converted" json:"emails_converted"`
    EmailsFailed       int `db:"emails_failed" json:"emails_failed"`
    EmailsBounced      int `db:"emails_bounced" json:"emails_bounced"`
    EmailsUnsubscribed int `db:"emails_unsubscribed" json:"emails_unsubscribed"`

    LastSentAt *time.Time `db:"last_sent_at" json:"last_sent_at,omitempty"`
    LastError  string     `db:"last_error" json:"last_error,omitempty"`
    CreatedBy  uuid.UUID  `db:"created_by" json:"created_by"`
    CreatedAt  time.Time  `db:"created_at" json:"created_at"`
    UpdatedAt  *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// Counters is the denormalized delivery tally kept on the campaign row.
type Counters struct {
    TotalRecipients int `json:"total_recipients"`
    Sent            int `json:"sent"`
    Opened          int `json:"opened"`
    Clicked         int `json:"clicked"`
    Converted       int `json:"converted"`
    Failed          int `json:"failed"`
    Bounced         int `json:"bounced"`
    Unsubscribed    int `json:"unsubscribed"`
}

func (c *Campaign) Counters() Counters {
    return Counters{
        TotalRecipients: c.TotalRecipients,
        Sent:            c.EmailsSent,
        Opened:          c.EmailsOpened,
        Clicked:         c.EmailsClicked,
        Converted:       c.EmailsConverted,
        Failed:          c.EmailsFailed,
        Bounced:         c.EmailsBounced,
        Unsubscribed:    c.EmailsUnsubscribed,
    }
}

// Rates uses TotalRecipients as the denominator. Values are percentages.
func (c Counters) Rates() (open, click float64) {
    if c.TotalRecipients == 0 {
        return 0, 0
    }
    total := float64(c.TotalRecipients)
    return float64(c.Opened) / total * 100, float64(c.Clicked) / total * 100
}

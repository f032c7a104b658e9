// internal/model/dispatch_unit.go
package model

import (
    "time"

    "github.com/google/uuid"
)

// DispatchUnit is one queued (campaign, recipient) send.
type DispatchUnit struct {
    ID         string    `json:"id"`
    CampaignID uuid.UUID `json:"campaign_id"`
    TenantID   uuid.UUID `json:"tenant_id"`
    LeadID     uuid.UUID `json:"lead_id"`
    Email      string    `json:"email"`
    FirstName  string    `json:"first_name,omitempty"`
    LastName   string    `json:"last_name,omitempty"`
    TemplateID uuid.UUID `json:"template_id"`
    Index      int       `json:"index"`
    VisibleAt  time.Time `json:"visible_at"`
    Attempts   int       `json:"attempts"`
    LastError  string    `json:"last_error,omitempty"`
}

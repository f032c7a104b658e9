// internal/model/lead.go
package model

import "github.com/google/uuid"

type LeadStatus string

const (
    LeadNew          LeadStatus = "New"
    LeadVerified     LeadStatus = "Verified"
    LeadBounced      LeadStatus = "Bounced"
    LeadUnsubscribed LeadStatus = "Unsubscribed"
    LeadInvalid      LeadStatus = "Invalid"
)

// Sendable is false for leads that must never get a dispatch unit.
func (s LeadStatus) Sendable() bool {
    return s != LeadBounced && s != LeadUnsubscribed && s != LeadInvalid
}

type Lead struct {
    ID              uuid.UUID  `db:"id" json:"id"`
    TenantID        uuid.UUID  `db:"tenant_id" json:"tenant_id"`
    Email           string     `db:"email" json:"email"`
    FirstName       string     `db:"first_name" json:"first_name"`
    LastName        string     `db:"last_name" json:"last_name"`
    Status          LeadStatus `db:"status" json:"status"`
    ExtractionJobID *uuid.UUID `db:"extraction_job_id" json:"extraction_job_id,omitempty"`
}

// Recipient is a resolved, normalized address plus the data used for personalization.
type Recipient struct {
    LeadID    uuid.UUID `json:"lead_id"`
    Email     string    `json:"email"`
    FirstName string    `json:"first_name"`
    LastName  string    `json:"last_name"`
}

type RecipientList struct {
    ID       uuid.UUID   `db:"id" json:"id"`
    TenantID uuid.UUID   `db:"tenant_id" json:"tenant_id"`
    Name     string      `db:"name" json:"name"`
    Members  []uuid.UUID `db:"members" json:"members"`
}

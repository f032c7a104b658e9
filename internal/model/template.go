// internal/model/template.go
package model

import (
    "time"

    "github.com/google/uuid"
)

type Template struct {
    ID       uuid.UUID `db:"id" json:"id"`
    TenantID uuid.UUID `db:"tenant_id" json:"tenant_id"`
    Name     string    `db:"name" json:"name"`
    Subject  string    `db:"subject" json:"subject"`
    HTML     string    `db:"html" json:"html"`
}

// FromAddress is a verified sender identity. LastUsedAt drives least-recently-used rotation.
type FromAddress struct {
    ID         uuid.UUID `db:"id" json:"id"`
    TenantID   uuid.UUID `db:"tenant_id" json:"tenant_id"`
    FullName   string    `db:"full_name" json:"full_name"`
    Email      string    `db:"email" json:"email"`
    Verified   bool      `db:"verified" json:"verified"`
    LastUsedAt time.Time `db:"last_used_at" json:"last_used_at"`
}

type MailProvider string

const (
    ProviderSMTP  MailProvider = "smtp"
    ProviderGraph MailProvider = "graph"
)

// MailSettings is the per-tenant transport configuration. Zero values fall back to service defaults.
type MailSettings struct {
    TenantID          uuid.UUID    `db:"tenant_id" json:"tenant_id"`
    Provider          MailProvider `db:"provider" json:"provider"`
    SMTPHost          string       `db:"smtp_host" json:"smtp_host"`
    SMTPPort          int          `db:"smtp_port" json:"smtp_port"`
    SMTPUsername      string       `db:"smtp_username" json:"smtp_username"`
    SMTPPassword      string       `db:"smtp_password" json:"-"`
    SMTPSecurity      string       `db:"smtp_security" json:"smtp_security"`
    GraphTenantID     string       `db:"graph_tenant_id" json:"graph_tenant_id"`
    GraphClientID     string       `db:"graph_client_id" json:"graph_client_id"`
    GraphClientSecret string       `db:"graph_client_secret" json:"-"`
}

package mailer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Message is one fully rendered email.
type Message struct {
	From     string
	FromName string
	To       string
	Subject  string
	HTML     string
	Text     string
}

// Transport delivers messages for a single tenant.
// Send failures are *appErrors.TransportError, or *appErrors.SetupError when the transport itself is unusable.
type Transport interface {
	Send(ctx context.Context, msg Message) (messageID string, err error)
	// Verify checks credentials and connectivity without sending anything.
	Verify(ctx context.Context) error
}

// newMessageID builds an RFC 5322 Message-ID on the sender's domain.
func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

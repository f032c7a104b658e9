package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"net/textproto"

	mail "gopkg.in/gomail.v2"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Security string // starttls | ssl | none
}

// SMTP sends through a relay with gomail. One connection per message.
type SMTP struct {
	dialer *mail.Dialer
	send   func(m ...*mail.Message) error
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.Security == "ssl" || cfg.Security == "tls"
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	return &SMTP{dialer: d, send: d.DialAndSend}
}

func (s *SMTP) Send(ctx context.Context, msg Message) (string, error) {
	id := newMessageID(msg.From)

	m := mail.NewMessage()
	m.SetHeader("Message-ID", id)
	m.SetAddressHeader("From", msg.From, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	} else {
		m.SetBody("text/html", msg.HTML)
	}

	done := make(chan error, 1)
	go func() { done <- s.send(m) }()

	select {
	case <-ctx.Done():
		// the abandoned session may still finish DATA, so a retry could deliver twice
		return "", appErrors.NewTransportUnknown("smtp send timed out, delivery unknown", ctx.Err())
	case err := <-done:
		if err != nil {
			return "", classifySMTP(err)
		}
		return id, nil
	}
}

func (s *SMTP) Verify(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		closer, err := s.dialer.Dial()
		if err == nil {
			err = closer.Close()
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return appErrors.NewSetup("smtp verify timed out", ctx.Err())
	case err := <-done:
		if err != nil {
			return appErrors.NewSetup("smtp verify failed", err)
		}
		return nil
	}
}

// classifySMTP maps server replies: auth rejections are setup errors, other 5xx replies are hard bounces,
// everything else is worth retrying.
func classifySMTP(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		switch {
		case tp.Code == 530 || tp.Code == 534 || tp.Code == 535:
			return appErrors.NewSetup("smtp authentication rejected", err)
		case tp.Code >= 500:
			return appErrors.NewTransport(tp.Msg, true, err)
		}
		return appErrors.NewTransport(tp.Msg, false, err)
	}
	return appErrors.NewTransport("smtp send failed", false, err)
}

var _ Transport = (*SMTP)(nil)

package mailer

import (
	"context"
	"errors"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mail "gopkg.in/gomail.v2"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
)

func TestClassifySMTP(t *testing.T) {
	var setup *appErrors.SetupError
	var te *appErrors.TransportError

	err := classifySMTP(&textproto.Error{Code: 535, Msg: "auth failed"})
	assert.True(t, errors.As(err, &setup))

	err = classifySMTP(&textproto.Error{Code: 550, Msg: "mailbox unavailable"})
	if assert.True(t, errors.As(err, &te)) {
		assert.True(t, te.Permanent)
		assert.Equal(t, "mailbox unavailable", te.Reason)
	}

	err = classifySMTP(&textproto.Error{Code: 451, Msg: "try later"})
	if assert.True(t, errors.As(err, &te)) {
		assert.False(t, te.Permanent)
	}

	err = classifySMTP(errors.New("dial tcp: connection refused"))
	if assert.True(t, errors.As(err, &te)) {
		assert.False(t, te.Permanent)
	}
}

func TestNewMessageID(t *testing.T) {
	id := newMessageID("sales@corp.com")
	assert.Regexp(t, `^<[0-9a-f-]{36}@corp\.com>$`, id)
	assert.Regexp(t, `@localhost>$`, newMessageID("broken"))
}

func TestSMTPSend_TimeoutIsNotRetryable(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := &SMTP{send: func(m ...*mail.Message) error {
		<-release
		return nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Send(ctx, Message{From: "sales@corp.com", To: "lead@x.com", Subject: "Hi", HTML: "<p>hi</p>"})

	var te *appErrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Unknown)
	assert.False(t, te.Permanent)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSMTPSend_ReturnsMessageID(t *testing.T) {
	var got *mail.Message
	s := &SMTP{send: func(m ...*mail.Message) error {
		got = m[0]
		return nil
	}}

	id, err := s.Send(context.Background(), Message{From: "sales@corp.com", To: "lead@x.com", Subject: "Hi", HTML: "<p>hi</p>"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{id}, got.GetHeader("Message-ID"))
	assert.Equal(t, []string{"lead@x.com"}, got.GetHeader("To"))
}

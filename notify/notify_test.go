package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	mail "github.com/go-mail/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeMessage(t *testing.T) {
	msg := CodeMessage("a@example.com", "123456", 5*time.Minute)
	assert.Equal(t, "a@example.com", msg.To)
	assert.Contains(t, msg.Text, "123456")
	assert.Contains(t, msg.Text, "5 minutes")
	assert.Contains(t, msg.HTML, "<strong>123456</strong>")

	assert.Contains(t, CodeMessage("a@example.com", "1", 10*time.Second).Text, "1 minutes")
}

func TestSMTPSender_BuildsMessage(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", From: "noreply@example.com"})
	var sent *mail.Message
	var dialer *mail.Dialer
	s.dial = func(d *mail.Dialer, m *mail.Message) error {
		dialer, sent = d, m
		return nil
	}

	require.NoError(t, s.Send(context.Background(), CodeMessage("a@example.com", "654321", time.Minute)))
	require.NotNil(t, sent)
	assert.Equal(t, []string{"a@example.com"}, sent.GetHeader("To"))
	assert.Equal(t, []string{"noreply@example.com"}, sent.GetHeader("From"))
	assert.Equal(t, 587, dialer.Port)
	assert.Equal(t, mail.MandatoryStartTLS, dialer.StartTLSPolicy)

	var buf bytes.Buffer
	_, err := sent.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "654321")
	assert.Contains(t, buf.String(), "multipart/alternative")
}

func TestSMTPSender_TLSModes(t *testing.T) {
	ssl := NewSMTPSender(SMTPConfig{Host: "h", Port: 465, TLSMode: "ssl"}).dialer()
	assert.True(t, ssl.SSL)
	plain := NewSMTPSender(SMTPConfig{Host: "h", TLSMode: "none"}).dialer()
	assert.Equal(t, mail.NoStartTLS, plain.StartTLSPolicy)
}

func TestSMTPSender_Error(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.com"})
	s.dial = func(*mail.Dialer, *mail.Message) error { return errors.New("connection refused") }
	assert.ErrorContains(t, s.Send(context.Background(), Message{To: "x@example.com"}), "connection refused")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, Message{}), context.Canceled)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	_, ok := r.Last()
	assert.False(t, ok)

	require.NoError(t, r.Send(context.Background(), Message{To: "a"}))
	require.NoError(t, r.Send(context.Background(), Message{To: "b"}))
	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, "b", last.To)
	assert.Len(t, r.Messages(), 2)

	r.Err = errors.New("down")
	assert.Error(t, r.Send(context.Background(), Message{}))
	assert.ErrorIs(t, Disabled{}.Send(context.Background(), Message{}), ErrNotConfigured)
}

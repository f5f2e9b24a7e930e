package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SendStatus is the outcome of one mail sender call.
type SendStatus string

const (
	SendStatusSent   SendStatus = "sent"
	SendStatusFailed SendStatus = "failed"
)

// SendResult reports the outcome of a send attempt.
type SendResult struct {
	MessageID     string
	Status        SendStatus
	ProviderError string
}

// Email is one outbound message.
type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// MailSender is the outbound transport collaborator. The engine guarantees it
// is called at most once per claimed step; the sender itself need not dedupe.
type MailSender interface {
	Send(email Email) (SendResult, error)
}

// SMTPMailer sends through an SMTP relay via gomail.
type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string

	// Timeout bounds one send so a hung relay cannot hold a dispatch claim
	// indefinitely.
	Timeout time.Duration
}

func NewSMTPMailer(host string, port int, username, password string, timeout time.Duration) *SMTPMailer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPMailer{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		Timeout:  timeout,
	}
}

func (sm *SMTPMailer) Send(email Email) (SendResult, error) {
	messageID := uuid.New().String()

	m := gomail.NewMessage()
	m.SetHeader("From", email.From)
	m.SetHeader("To", email.To)
	m.SetHeader("Subject", email.Subject)
	if email.HTML != "" {
		m.SetBody("text/html", email.HTML)
		if email.Text != "" {
			m.AddAlternative("text/plain", email.Text)
		}
	} else {
		m.SetBody("text/plain", email.Text)
	}

	d := gomail.NewDialer(sm.Host, sm.Port, sm.Username, sm.Password)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.DialAndSend(m)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return SendResult{
				MessageID:     messageID,
				Status:        SendStatusFailed,
				ProviderError: err.Error(),
			}, fmt.Errorf("smtp send failed: %w", err)
		}
		return SendResult{MessageID: messageID, Status: SendStatusSent}, nil
	case <-time.After(sm.Timeout):
		return SendResult{
			MessageID:     messageID,
			Status:        SendStatusFailed,
			ProviderError: "send timed out",
		}, fmt.Errorf("smtp send timed out after %s", sm.Timeout)
	}
}

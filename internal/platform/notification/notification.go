// Package notification delivers patient invitation emails over SMTP.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"

	"github.com/medidash/medidash/internal/platform/metrics"
)

const TemplatePatientInvite = "patient-invite"

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine renders {{key}} placeholders in registered templates.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the invitation template registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      TemplatePatientInvite,
		Subject: "{{doctor_name}} added you to MediDash",
		Body: "Hello {{patient_name}},\n\n" +
			"{{doctor_name}} has created a MediDash health profile for you. " +
			"Register at {{invite_url}} using this email address ({{email}}) to see your records.\n",
	})
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement. Keys absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	// One pass: substituted values are never scanned for placeholders again.
	pairs := make([]string, 0, 2*len(data))
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPSender sends plain-text mail through gomail.
type SMTPSender struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMTPSender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", s.cfg.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(msg) }()

	wait := s.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 && d < wait {
			wait = d
		}
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return context.DeadlineExceeded
	}
}

// NopSender discards mail. Used when no SMTP host is configured.
type NopSender struct{}

func (NopSender) SendEmail(context.Context, string, string, string) error { return nil }

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Inviter
// ---------------------------------------------------------------------------

// Invitation asks a newly created patient to register with the email the
// doctor entered.
type Invitation struct {
	Email       string
	PatientName string
	DoctorName  string
}

// Inviter renders and sends invitations. A nil sender disables delivery.
type Inviter struct {
	sender    EmailSender
	templates *TemplateEngine
	inviteURL string
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func NewInviter(sender EmailSender, inviteURL string, logger zerolog.Logger, m *metrics.Metrics) *Inviter {
	return &Inviter{
		sender:    sender,
		templates: NewTemplateEngine(),
		inviteURL: inviteURL,
		logger:    logger,
		metrics:   m,
	}
}

// Invite sends inv. Failures are returned and counted; callers treat them as
// non-fatal.
func (i *Inviter) Invite(ctx context.Context, inv Invitation) error {
	if i == nil || i.sender == nil {
		i.count("skipped")
		return nil
	}
	if _, nop := i.sender.(NopSender); nop {
		i.count("skipped")
		return nil
	}

	doctor := inv.DoctorName
	if doctor == "" {
		doctor = "Your doctor"
	}
	subject, body, err := i.templates.Render(TemplatePatientInvite, map[string]string{
		"patient_name": inv.PatientName,
		"doctor_name":  doctor,
		"invite_url":   i.inviteURL,
		"email":        inv.Email,
	})
	if err != nil {
		i.count("failed")
		return err
	}

	if err := i.sender.SendEmail(ctx, inv.Email, subject, body); err != nil {
		i.count("failed")
		i.logger.Warn().Err(err).Str("to", inv.Email).Msg("patient invitation not delivered")
		return err
	}
	i.count("sent")
	i.logger.Info().Str("to", inv.Email).Msg("patient invitation sent")
	return nil
}

func (i *Inviter) count(outcome string) {
	if i != nil {
		i.metrics.InviteEmail(outcome)
	}
}

// Package email sends transactional mail via SMTP with template rendering.
package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/smtp"

	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

// Service handles sending emails via SMTP with template rendering.
type Service struct {
	host      string
	port      int
	username  string
	password  string
	from      string
	logger    *zap.Logger
	templates *template.Template
}

// NewService creates a new email service with the given SMTP configuration.
func NewService(host string, port int, username, password, from string, logger *zap.Logger) *Service {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/*.html"))

	return &Service{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		from:      from,
		logger:    logger,
		templates: tmpl,
	}
}

// Send renders the named template with the given data and sends an HTML email synchronously.
func (s *Service) Send(ctx context.Context, to, subject, templateName string, data map[string]interface{}) error {
	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, templateName+".html", data); err != nil {
		return fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s",
		s.from, to, subject, body.String())

	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	if err := smtp.SendMail(addr, auth, s.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}

	s.logger.Info("email sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// SendCode delivers a one-time sign-in code. Delivery is synchronous so a
// failure reaches the caller before the code is presented to the user.
func (s *Service) SendCode(ctx context.Context, to, code string) error {
	return s.Send(ctx, to, "Your sign-in code", "one_time_code", map[string]interface{}{
		"Code": code,
	})
}

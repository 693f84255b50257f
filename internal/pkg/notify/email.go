package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"erpsync/internal/config"

	"gopkg.in/gomail.v2"
)

// Notifier alerts operators about failed scheduled runs.
type Notifier interface {
	SendFailure(ctx context.Context, syncType string, at time.Time, cause error) error
}

// EmailNotifier sends alerts over SMTP.
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{cfg: cfg, logger: logger}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// Enabled reports whether SMTP and a recipient are configured.
func (n *EmailNotifier) Enabled() bool {
	return n.cfg.SMTPHost != "" && n.cfg.FromEmail != "" && strings.TrimSpace(n.cfg.AlertEmail) != ""
}

// SendFailure mails the failure of a nightly run. Missing configuration is
// not an error.
func (n *EmailNotifier) SendFailure(ctx context.Context, syncType string, at time.Time, cause error) error {
	if !n.Enabled() {
		n.logger.Warn("alert email not configured, skip notification", slog.String("sync_type", syncType))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.AlertEmail)
	m.SetHeader("Subject", fmt.Sprintf("[erpsync] nightly %s sync failed", syncType))
	m.SetBody("text/html", buildFailureBody(syncType, at, cause))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	n.logger.Info("failure alert sent", slog.String("to", n.cfg.AlertEmail), slog.String("sync_type", syncType))
	return nil
}

func buildFailureBody(syncType string, at time.Time, cause error) string {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 600px; margin: 0 auto; padding: 16px;">
    <h2>Nightly %s sync failed</h2>
    <p>Started at %s</p>
    <pre style="background: #f6f7fb; padding: 12px; white-space: pre-wrap;">%s</pre>
  </div>
</body>
</html>`, html.EscapeString(syncType), at.Format(time.RFC3339), html.EscapeString(msg))
}

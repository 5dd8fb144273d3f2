// internal/services/notification_service.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"
	"gorm.io/gorm"

	"github.com/javajoker/accredit-backend/internal/config"
	"github.com/javajoker/accredit-backend/internal/models"
)

// Mailer delivers a rendered HTML email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends through go-mail.
type SMTPMailer struct {
	config config.EmailConfig
}

func NewSMTPMailer(cfg config.EmailConfig) *SMTPMailer {
	return &SMTPMailer{config: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	client, err := mail.NewClient(m.config.SMTPHost,
		mail.WithPort(m.config.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.config.SMTPUsername),
		mail.WithPassword(m.config.SMTPPassword),
	)
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(m.config.FromName, m.config.FromEmail); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, body)

	return client.DialAndSendWithContext(ctx, msg)
}

type NotificationService struct {
	db     *gorm.DB
	mailer Mailer
	config *config.Config
	logger logrus.FieldLogger
}

type EmailTemplate struct {
	Subject string
	Body    string
}

// NewNotificationService stores every notification in-app. mailer may be nil,
// in which case nothing is emailed.
func NewNotificationService(db *gorm.DB, mailer Mailer, config *config.Config, logger logrus.FieldLogger) *NotificationService {
	return &NotificationService{
		db:     db,
		mailer: mailer,
		config: config,
		logger: logger,
	}
}

func (s *NotificationService) Notify(ctx context.Context, recipientID uuid.UUID, notificationType string, payload map[string]interface{}) error {
	var party models.Party
	if err := s.db.WithContext(ctx).First(&party, "id = ?", recipientID).Error; err != nil {
		return fmt.Errorf("recipient not found: %w", err)
	}

	tmpl := s.getEmailTemplate(notificationType)
	data := s.templateData(&party, payload)

	subject, err := s.renderTemplate(tmpl.Subject, data)
	if err != nil {
		return fmt.Errorf("failed to render email subject: %w", err)
	}
	body, err := s.renderTemplate(tmpl.Body, data)
	if err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	notification := &models.Notification{
		RecipientID: recipientID,
		Type:        notificationType,
		Title:       subject,
		Message:     body,
		Data:        models.JSONB(payload),
		Status:      "unread",
	}
	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	if s.mailer == nil || !s.config.Email.Enabled || party.Email == "" {
		s.logger.WithFields(logrus.Fields{
			"recipient_id":      recipientID,
			"notification_type": notificationType,
		}).Debug("Email delivery skipped")
		return nil
	}

	if err := s.mailer.Send(ctx, party.Email, subject, body); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	now := time.Now()
	return s.db.WithContext(ctx).Model(notification).Update("emailed_at", now).Error
}

func (s *NotificationService) templateData(party *models.Party, payload map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"PartyName":    party.Name,
		"PlatformName": "Accredit",
		"DashboardURL": s.config.Frontend.BaseURL,
	}
	for k, v := range payload {
		data[k] = v
	}
	return data
}

func (s *NotificationService) renderTemplate(templateStr string, data interface{}) (string, error) {
	tmpl, err := template.New("email").Parse(templateStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func (s *NotificationService) getEmailTemplate(templateType string) EmailTemplate {
	templates := map[string]EmailTemplate{
		NotifyPurchaseCompleted: {
			Subject: "Purchase confirmed",
			Body: `
<!DOCTYPE html>
<html>
<body>
	<h2>Thank you, {{.PartyName}}</h2>
	<p>Your payment of {{.amount}} {{.currency}} has been received and {{.quantity}} certificate code(s) were issued.</p>
	<p>Transaction: {{.transaction_id}}</p>
	<a href="{{.DashboardURL}}">View your codes</a>
	<p>Best regards,<br>{{.PlatformName}} Team</p>
</body>
</html>`,
		},
		NotifySaleCompleted: {
			Subject: "New sale",
			Body: `
<!DOCTYPE html>
<html>
<body>
	<h2>Hello {{.PartyName}},</h2>
	<p>A purchase of {{.quantity}} certificate code(s) for {{.amount}} {{.currency}} has completed.</p>
	<p>Transaction: {{.transaction_id}}</p>
	<p>Best regards,<br>{{.PlatformName}} Team</p>
</body>
</html>`,
		},
		NotifyManualPaymentSubmitted: {
			Subject: "Manual payment awaiting review",
			Body:    `<p>A manual payment of {{.amount}} {{.currency}} was submitted for transaction {{.transaction_id}} and needs review.</p>`,
		},
		NotifyManualPaymentRejected: {
			Subject: "Manual payment rejected",
			Body:    `<p>Hello {{.PartyName}}, your manual payment for transaction {{.transaction_id}} was rejected: {{.reason}}</p>`,
		},
		NotifyTransactionRefunded: {
			Subject: "Refund processed",
			Body:    `<p>Hello {{.PartyName}}, {{.amount}} {{.currency}} for transaction {{.transaction_id}} has been refunded. Reason: {{.reason}}</p>`,
		},
		NotifyPurchaseUnfulfilled: {
			Subject: "Paid purchase could not be fulfilled",
			Body:    `<p>Transaction {{.transaction_id}} (charge {{.charge_ref}}, {{.amount}} {{.currency}}) was paid but could not be fulfilled: {{.reason}}. Refund: {{.refund}}</p>`,
		},
		NotifyTransferNeedsAccount: {
			Subject: "Payout account required",
			Body:    `<p>Hello {{.PartyName}}, settlement of transaction {{.transaction_id}} is waiting for a payout account to be connected.</p>`,
		},
		NotifyTransferCompleted: {
			Subject: "Payout sent",
			Body:    `<p>Hello {{.PartyName}}, a payout of {{.amount}} {{.currency}} has been sent (transfer {{.transfer_id}}).</p>`,
		},
		NotifyTransferFailed: {
			Subject: "Payout failed",
			Body:    `<p>Transfer {{.transfer_id}} for transaction {{.transaction_id}} failed: {{.error}}</p>`,
		},
	}

	if template, exists := templates[templateType]; exists {
		return template
	}

	// Default template
	return EmailTemplate{
		Subject: "Notification",
		Body:    "<p>{{.message}}</p>",
	}
}

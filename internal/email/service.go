package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/Mekazstan/relworx-payment-gateway/internal/orders"
)

type SMTPConfig struct {
	Host      string
	Port      string
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailService struct {
	smtpHost     string
	smtpPort     string
	smtpUsername string
	smtpPassword string
	fromEmail    string
	fromName     string
	templates    map[string]*template.Template
	send         sendFunc
}

type EmailData struct {
	To          string
	Subject     string
	TemplateKey string
	Data        interface{}
}

func NewEmailService(cfg SMTPConfig) (*EmailService, error) {
	service := &EmailService{
		smtpHost:     cfg.Host,
		smtpPort:     cfg.Port,
		smtpUsername: cfg.Username,
		smtpPassword: cfg.Password,
		fromEmail:    cfg.FromEmail,
		fromName:     cfg.FromName,
		templates:    make(map[string]*template.Template),
		send:         smtp.SendMail,
	}

	if err := service.loadTemplates(); err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	return service, nil
}

func (s *EmailService) loadTemplates() error {
	templates := map[string]string{
		"payment_receipt":   paymentReceiptTemplate,
		"payment_failed":    paymentFailedTemplate,
		"payment_cancelled": paymentCancelledTemplate,
	}

	for key, body := range templates {
		tmpl, err := template.New(key).Parse(body)
		if err != nil {
			return fmt.Errorf("template %s: %w", key, err)
		}
		s.templates[key] = tmpl
	}

	return nil
}

func (s *EmailService) render(data EmailData) ([]byte, error) {
	tmpl, ok := s.templates[data.TemplateKey]
	if !ok {
		return nil, fmt.Errorf("template %s not found", data.TemplateKey)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data.Data); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}

	message := fmt.Sprintf("From: %s <%s>\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/html; charset=UTF-8\r\n"+
		"\r\n"+
		"%s", s.fromName, s.fromEmail, data.To, data.Subject, body.String())

	return []byte(message), nil
}

func (s *EmailService) SendEmail(data EmailData) error {
	message, err := s.render(data)
	if err != nil {
		return err
	}

	auth := smtp.PlainAuth("", s.smtpUsername, s.smtpPassword, s.smtpHost)
	addr := fmt.Sprintf("%s:%s", s.smtpHost, s.smtpPort)

	if err := s.send(addr, auth, s.fromEmail, []string{data.To}, message); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return nil
}

type PaymentReceiptData struct {
	Name             string
	Reference        string
	TransactionID    string
	Amount           string
	Currency         string
	SubscriptionType string
	DeviceCount      int
}

func receiptData(o *orders.Order) PaymentReceiptData {
	return PaymentReceiptData{
		Name:             o.Name,
		Reference:        o.Reference,
		TransactionID:    o.TransactionID,
		Amount:           o.Amount.StringFixed(2),
		Currency:         o.Currency,
		SubscriptionType: string(o.SubscriptionType),
		DeviceCount:      o.DeviceCount,
	}
}

func (s *EmailService) SendPaymentReceipt(o *orders.Order) error {
	return s.SendEmail(EmailData{
		To:          o.Email,
		Subject:     fmt.Sprintf("Payment received - %s", o.Reference),
		TemplateKey: "payment_receipt",
		Data:        receiptData(o),
	})
}

func (s *EmailService) SendPaymentFailed(o *orders.Order) error {
	key, subject := "payment_failed", "Your payment did not go through"
	if o.Status == orders.StatusCancelled {
		key, subject = "payment_cancelled", "Your payment was cancelled"
	}

	return s.SendEmail(EmailData{
		To:          o.Email,
		Subject:     fmt.Sprintf("%s - %s", subject, o.Reference),
		TemplateKey: key,
		Data:        receiptData(o),
	})
}

// NotifyOrderSettled sends the email matching the order's final status.
func (s *EmailService) NotifyOrderSettled(ctx context.Context, o *orders.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch o.Status {
	case orders.StatusSuccess:
		return s.SendPaymentReceipt(o)
	case orders.StatusFailed, orders.StatusCancelled:
		return s.SendPaymentFailed(o)
	default:
		return nil
	}
}

const paymentReceiptTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Payment received</title>
</head>
<body>
    <p>Hi {{.Name}},</p>
    <p>We received your payment of <strong>{{.Currency}} {{.Amount}}</strong> for a
    {{.SubscriptionType}} subscription on {{.DeviceCount}} device(s).</p>
    <p>Reference: {{.Reference}}{{if .TransactionID}}<br>Transaction: {{.TransactionID}}{{end}}</p>
    <p>Enjoy watching!</p>
</body>
</html>
`

const paymentFailedTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Payment failed</title>
</head>
<body>
    <p>Hi {{.Name}},</p>
    <p>Your payment of {{.Currency}} {{.Amount}} (reference {{.Reference}}) was not completed.
    No money was taken. You can try again at any time.</p>
</body>
</html>
`

const paymentCancelledTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Payment cancelled</title>
</head>
<body>
    <p>Hi {{.Name}},</p>
    <p>Your payment of {{.Currency}} {{.Amount}} (reference {{.Reference}}) was cancelled.</p>
</body>
</html>
`

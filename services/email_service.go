package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"gopkg.in/gomail.v2"

	"medcrm/config"
)

// ErrNoRecipientAddress возвращается, если в уведомлении нет адреса получателя
var ErrNoRecipientAddress = errors.New("не указан email получателя")

// EmailService отправляет уведомления по email
type EmailService struct {
	dialer *gomail.Dialer
	from   string
	send   func(m *gomail.Message) error
}

// NewEmailService создает новый экземпляр EmailService
func NewEmailService(cfg *config.Config) *EmailService {
	dialer := gomail.NewDialer(
		cfg.SMTP.Host,
		cfg.SMTP.Port,
		cfg.SMTP.Username,
		cfg.SMTP.Password,
	)

	s := &EmailService{
		dialer: dialer,
		from:   cfg.SMTP.From,
	}
	s.send = func(m *gomail.Message) error {
		return s.dialer.DialAndSend(m)
	}
	return s
}

// Notify отправляет уведомление на адрес из метаданных
func (s *EmailService) Notify(ctx context.Context, n Notification) error {
	to := strings.TrimSpace(n.Metadata[MetadataEmail])
	if to == "" {
		return fmt.Errorf("%w: получатель %d", ErrNoRecipientAddress, n.RecipientID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := n.Title
	if n.Priority == PriorityHigh {
		subject = "[Важно] " + subject
	}

	// Формируем тело письма
	body := fmt.Sprintf(`
		<h2>%s</h2>
		<p>%s</p>
	`, html.EscapeString(n.Title), html.EscapeString(n.Body))

	message := gomail.NewMessage()
	message.SetHeader("From", s.from)
	message.SetHeader("To", to)
	message.SetHeader("Subject", subject)
	message.SetBody("text/html", body)

	if err := s.send(message); err != nil {
		return fmt.Errorf("ошибка отправки email: %w", err)
	}

	return nil
}

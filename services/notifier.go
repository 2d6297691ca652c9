package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"medcrm/models"
)

// Priority приоритет уведомления
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Категории уведомлений
const (
	NotifyReminder = "PAYMENT_REMINDER"
	NotifyOverdue  = "PAYMENT_OVERDUE"
	NotifyContract = "CONTRACT"
	NotifyPayment  = "PAYMENT"
)

// Ключи метаданных уведомления
const (
	MetadataEmail       = "email"
	MetadataContract    = "contract_id"
	MetadataInstallment = "installment_id"
)

// Notification уведомление для внешнего канала доставки
type Notification struct {
	RecipientID uint
	Title       string
	Body        string
	Category    string
	Priority    Priority
	Metadata    map[string]string
}

// Notifier отправляет уведомления. Ошибка отправки логируется вызывающей стороной
// и никогда не отменяет изменение финансового состояния.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier пишет уведомления в лог, когда канал доставки не настроен
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	slog.InfoContext(ctx, "Уведомление",
		"recipient_id", n.RecipientID, "category", n.Category, "priority", n.Priority, "title", n.Title)
	return nil
}

// RegisterNotificationHandlers подписывает отправку уведомлений клиенту на события жизненного цикла
func RegisterNotificationHandlers(bus *EventBus, notifier Notifier) {
	On(bus, EventContractStatusChanged, func(ctx context.Context, e ContractStatusChanged) error {
		body := fmt.Sprintf("Статус договора %s изменен: %s -> %s.", e.Number, e.From, e.To)
		if e.Reason != "" {
			body += " Причина: " + e.Reason
		}
		return notifier.Notify(ctx, Notification{
			RecipientID: e.ClientID,
			Title:       "Договор " + e.Number,
			Body:        body,
			Category:    NotifyContract,
			Priority:    PriorityNormal,
			Metadata: map[string]string{
				MetadataEmail:    e.ClientEmail,
				MetadataContract: strconv.FormatUint(uint64(e.ContractID), 10),
			},
		})
	})

	On(bus, EventPaymentFailed, func(ctx context.Context, e PaymentEvent) error {
		slog.WarnContext(ctx, "Платеж не выполнен",
			"transaction_id", e.TransactionID, "method", e.Method, "target", e.Target.String(), "reason", e.Reason)
		return nil
	})

	On(bus, EventInstallmentPaid, func(ctx context.Context, e InstallmentPaid) error {
		slog.InfoContext(ctx, "Платеж по графику погашен",
			"installment_id", e.InstallmentID, "contract_id", e.ContractID, "sequence", e.Sequence, "amount", e.Amount)
		return nil
	})
}

// installmentMetadata собирает метаданные уведомления по платежу графика
func installmentMetadata(contract *models.Contract, installment *models.InstallmentSchedule) map[string]string {
	meta := map[string]string{
		MetadataInstallment: strconv.FormatUint(uint64(installment.ID), 10),
		MetadataContract:    strconv.FormatUint(uint64(installment.ContractID), 10),
	}
	if contract != nil && contract.ClientEmail != "" {
		meta[MetadataEmail] = contract.ClientEmail
	}
	return meta
}

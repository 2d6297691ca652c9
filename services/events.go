package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"medcrm/models"
)

// EventType определяет тип доменного события
type EventType string

const (
	EventContractStatusChanged EventType = "contract.status_changed"
	EventPaymentCompleted      EventType = "payment.completed"
	EventPaymentFailed         EventType = "payment.failed"
	EventInstallmentPaid       EventType = "installment.paid"
)

// Event доменное событие с полезной нагрузкой одного из типов ниже
type Event struct {
	Type       EventType
	OccurredAt time.Time
	Payload    any
}

// ContractStatusChanged публикуется после смены статуса договора
type ContractStatusChanged struct {
	ContractID  uint
	Number      string
	ClientID    uint
	ClientEmail string
	From        models.ContractStatus
	To          models.ContractStatus
	Actor       uint
	Reason      string
}

// PaymentEvent публикуется после завершения или отказа транзакции
type PaymentEvent struct {
	TransactionID uint
	ContractID    *uint
	Amount        decimal.Decimal
	Currency      string
	Method        models.PaymentMethod
	Status        models.PaymentStatus
	Target        models.TargetRef
	Reason        string
}

// InstallmentPaid публикуется после погашения платежа графика
type InstallmentPaid struct {
	InstallmentID uint
	ContractID    uint
	Sequence      int
	Amount        decimal.Decimal
	PaidAt        time.Time
}

// EventHandler обработчик события
type EventHandler func(ctx context.Context, event Event) error

// EventBus рассылает события подписчикам, зарегистрированным при старте.
// Ошибка или паника одного обработчика не мешает остальным.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
}

// NewEventBus создает новый экземпляр EventBus
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType][]EventHandler)}
}

// Subscribe добавляет обработчик события. Обработчики вызываются в порядке регистрации.
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// On регистрирует обработчик с типизированной полезной нагрузкой
func On[T any](b *EventBus, eventType EventType, handler func(ctx context.Context, payload T) error) {
	b.Subscribe(eventType, func(ctx context.Context, event Event) error {
		payload, ok := event.Payload.(T)
		if !ok {
			return fmt.Errorf("событие %s: неожиданный тип данных %T", event.Type, event.Payload)
		}
		return handler(ctx, payload)
	})
}

// Publish синхронно вызывает обработчики и возвращает число неуспешных
func (b *EventBus) Publish(ctx context.Context, event Event) int {
	if b == nil {
		return 0
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	failed := 0
	for i, handler := range handlers {
		if err := safeHandle(ctx, handler, event); err != nil {
			failed++
			slog.Error("Ошибка обработчика события", "event", event.Type, "handler", i, "error", err)
		}
	}
	return failed
}

func safeHandle(ctx context.Context, handler EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника в обработчике: %v", r)
		}
	}()
	return handler(ctx, event)
}

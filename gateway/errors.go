package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrAuthFailed          = errors.New("аутентификация в платежном шлюзе не удалась")
	ErrOrderCreationFailed = errors.New("не удалось создать заказ в платежном шлюзе")
	ErrKeyRequestFailed    = errors.New("не удалось получить платежный ключ")
	ErrPaymentDeclined     = errors.New("платеж отклонен платежным шлюзом")
	ErrGatewayUnavailable  = errors.New("платежный шлюз недоступен")
)

// Step определяет шаг протокола шлюза
type Step string

const (
	StepAuthenticate  Step = "authenticate"
	StepCreateOrder   Step = "create_order"
	StepPaymentKey    Step = "payment_key"
	StepSubmitPayment Step = "submit_payment"
)

// kindForStep возвращает ошибку-вид для отказа на шаге
func kindForStep(step Step) error {
	switch step {
	case StepAuthenticate:
		return ErrAuthFailed
	case StepCreateOrder:
		return ErrOrderCreationFailed
	case StepPaymentKey:
		return ErrKeyRequestFailed
	default:
		return ErrPaymentDeclined
	}
}

// Error описывает отказ одного шага протокола.
// Unavailable выставляется для таймаутов, сетевых ошибок и ответов 5xx.
type Error struct {
	Step        Step
	Kind        error
	StatusCode  int
	Message     string
	Unavailable bool
	Retryable   bool
	Err         error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("шлюз, шаг %s: %v", e.Step, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Unavailable && e.Kind != ErrGatewayUnavailable {
		errs = append(errs, ErrGatewayUnavailable)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsRetryable сообщает, можно ли повторить операцию с новым ключом идемпотентности
func IsRetryable(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return false
}

// FailedStep возвращает шаг, на котором произошел отказ
func FailedStep(err error) (Step, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Step, true
	}
	return "", false
}

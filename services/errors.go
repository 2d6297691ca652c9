package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"medcrm/gateway"
	"medcrm/models"
)

var (
	ErrNotFound                  = errors.New("запись не найдена")
	ErrValidation                = errors.New("ошибка валидации")
	ErrConflict                  = errors.New("состояние изменилось, операция отклонена")
	ErrAlreadyConfigured         = errors.New("финансовые условия договора уже зафиксированы")
	ErrInvalidScheduleParameters = errors.New("неверные параметры графика платежей")
	ErrPartialFinancials         = errors.New("финансовые условия заданы частично")
	ErrUnsupportedPaymentMethod  = errors.New("способ оплаты не поддерживается")
	ErrCancellationReason        = errors.New("не указана причина отмены")
	ErrSweepInProgress           = errors.New("обход платежей уже выполняется")
	ErrConfirmationNotAllowed    = errors.New("транзакция не требует ручного подтверждения")
)

// ResultCategory разделяет ошибки для вызывающей стороны
type ResultCategory string

const (
	CategoryOK          ResultCategory = "OK"
	CategoryRejected    ResultCategory = "REJECTED"    // Нарушено бизнес-правило (4xx)
	CategoryUnavailable ResultCategory = "UNAVAILABLE" // Внешний сервис недоступен, можно повторить (5xx)
	CategoryDeclined    ResultCategory = "DECLINED"    // Отклонено платежным провайдером, повтор без новых данных бесполезен
	CategoryInternal    ResultCategory = "INTERNAL"
)

// Classify определяет категорию ошибки
func Classify(err error) ResultCategory {
	switch {
	case err == nil:
		return CategoryOK
	case errors.Is(err, gateway.ErrPaymentDeclined):
		return CategoryDeclined
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return CategoryUnavailable
	case errors.Is(err, gateway.ErrAuthFailed),
		errors.Is(err, gateway.ErrOrderCreationFailed),
		errors.Is(err, gateway.ErrKeyRequestFailed):
		// Отказ шлюза без признаков недоступности: проблема настроек, не клиента
		return CategoryInternal
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrAlreadyConfigured),
		errors.Is(err, ErrInvalidScheduleParameters),
		errors.Is(err, ErrPartialFinancials),
		errors.Is(err, ErrUnsupportedPaymentMethod),
		errors.Is(err, ErrCancellationReason),
		errors.Is(err, ErrSweepInProgress),
		errors.Is(err, ErrConfirmationNotAllowed),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrTransactionFinalized):
		return CategoryRejected
	default:
		return CategoryInternal
	}
}

// validationError собирает сообщения валидатора в одну ошибку
func validationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errors.Join(ErrValidation, err)
	}

	var errorMessages []string
	for _, e := range validationErrors {
		switch e.Tag() {
		case "required":
			errorMessages = append(errorMessages, "поле "+e.Field()+" обязательно")
		case "gt":
			errorMessages = append(errorMessages, "поле "+e.Field()+" должно быть больше "+e.Param())
		case "gte":
			errorMessages = append(errorMessages, "поле "+e.Field()+" должно быть больше или равно "+e.Param())
		case "oneof":
			errorMessages = append(errorMessages, "поле "+e.Field()+" должно быть одним из: "+e.Param())
		case "email":
			errorMessages = append(errorMessages, "поле "+e.Field()+" должно содержать email")
		case "max":
			errorMessages = append(errorMessages, "поле "+e.Field()+" должно содержать максимум "+e.Param()+" символов")
		default:
			errorMessages = append(errorMessages, "поле "+e.Field()+" заполнено неверно")
		}
	}
	return &ValidationError{Messages: errorMessages}
}

// ValidationError содержит сообщения о неверных полях запроса
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// lookupError приводит ошибку чтения записи к ErrNotFound
func lookupError(err error, entity string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s #%d", ErrNotFound, entity, id)
	}
	return fmt.Errorf("ошибка при получении %s #%d: %w", entity, id, err)
}

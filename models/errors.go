package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition возвращается при попытке перехода, отсутствующего в таблице переходов
	ErrInvalidTransition = errors.New("недопустимый переход статуса")

	// ErrTransactionFinalized возвращается при попытке изменить завершенную транзакцию
	ErrTransactionFinalized = errors.New("транзакция уже завершена")
)

// TransitionError описывает отклоненный переход статуса.
// Сопоставляется с ErrInvalidTransition или ErrTransactionFinalized через errors.Is.
type TransitionError struct {
	Entity   string
	EntityID uint
	From     string
	To       string
	Err      error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s #%d: %v: %s -> %s", e.Entity, e.EntityID, e.Err, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

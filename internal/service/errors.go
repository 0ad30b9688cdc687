// Пакет service: бизнес-логика Clip Relay: синхронизация диска,
// индекса и подписчиков, фоновая сверка и очистка.
package service

import (
	"fmt"
)

// ErrorKind: класс ошибки сервисного слоя.
type ErrorKind string

const (
	// KindValidation: некорректная заявка, диск не затронут.
	KindValidation ErrorKind = "validation"
	// KindPersistence: ошибка записи или удаления на диске.
	KindPersistence ErrorKind = "persistence"
	// KindModeNotAllowed: мутация запрещена текущим режимом.
	KindModeNotAllowed ErrorKind = "mode_not_allowed"
)

// Error: типизированная ошибка сервисного слоя.
// Сопоставляется через errors.As, HTTP-слой отображает Kind в код ответа.
type Error struct {
	Kind    ErrorKind
	Message string
	// IDs: id записей, к которым относится ошибка
	IDs []int64
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func persistenceError(err error, message string, ids ...int64) *Error {
	return &Error{Kind: KindPersistence, Message: message, IDs: ids, Err: err}
}

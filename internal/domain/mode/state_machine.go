// Пакет mode: режимы работы хранилища Clip Relay.
//
// rw: создание, удаление и чтение записей; ro, только чтение.
// Переход rw → ro свободный, обратный ro → rw требует confirm: true.
// Потокобезопасен через sync.RWMutex.
package mode

import (
	"fmt"
	"sync"
	"time"
)

// StorageMode: режим работы хранилища.
type StorageMode string

const (
	ModeRW StorageMode = "rw"
	ModeRO StorageMode = "ro"
)

// Operation: операция над записями.
type Operation string

const (
	OpCreate Operation = "create"
	OpDelete Operation = "delete"
	OpRead   Operation = "read"
)

// TransitionRecord: запись о переходе между режимами.
type TransitionRecord struct {
	From      StorageMode `json:"from"`
	To        StorageMode `json:"to"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// StateMachine: конечный автомат режимов.
type StateMachine struct {
	mu      sync.RWMutex
	current StorageMode
	history []TransitionRecord
}

var validTransitions = map[StorageMode]map[StorageMode]bool{
	ModeRW: {ModeRO: true},
	ModeRO: {ModeRW: true},
}

var allowedOperations = map[StorageMode]map[Operation]bool{
	ModeRW: {OpCreate: true, OpDelete: true, OpRead: true},
	ModeRO: {OpRead: true},
}

// needsConfirmation: переходы, требующие явного подтверждения.
var needsConfirmation = map[StorageMode]map[StorageMode]bool{
	ModeRO: {ModeRW: true},
}

// NewStateMachine создаёт автомат с начальным режимом.
func NewStateMachine(initial StorageMode) (*StateMachine, error) {
	if !isValidMode(initial) {
		return nil, fmt.Errorf("недопустимый начальный режим: %q", initial)
	}
	return &StateMachine{
		current: initial,
		history: make([]TransitionRecord, 0),
	}, nil
}

// CurrentMode возвращает текущий режим.
func (sm *StateMachine) CurrentMode() StorageMode {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// CanTransitionTo проверяет допустимость перехода без учёта confirm.
func (sm *StateMachine) CanTransitionTo(target StorageMode) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return validTransitions[sm.current][target]
}

// NeedsConfirmation возвращает true для перехода ro → rw.
func (sm *StateMachine) NeedsConfirmation(target StorageMode) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return needsConfirmation[sm.current][target]
}

// TransitionTo выполняет переход в target.
//
// Ошибки (*TransitionError):
//   - INVALID_TRANSITION: неизвестный режим или переход в текущий режим
//   - CONFIRMATION_REQUIRED: для ro → rw без confirm
func (sm *StateMachine) TransitionTo(target StorageMode, confirm bool, reason string) (TransitionRecord, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !isValidMode(target) {
		return TransitionRecord{}, &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("недопустимый целевой режим: %q", target),
		}
	}
	if !validTransitions[sm.current][target] {
		return TransitionRecord{}, &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", sm.current, target),
		}
	}
	if needsConfirmation[sm.current][target] && !confirm {
		return TransitionRecord{}, &TransitionError{
			Code: "CONFIRMATION_REQUIRED",
			Message: fmt.Sprintf("переход %s → %s требует подтверждения (confirm: true)",
				sm.current, target),
		}
	}

	record := TransitionRecord{
		From:      sm.current,
		To:        target,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	sm.current = target
	sm.history = append(sm.history, record)
	return record, nil
}

// CanPerform проверяет, допустима ли операция в текущем режиме.
func (sm *StateMachine) CanPerform(op Operation) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return allowedOperations[sm.current][op]
}

// AllowedOperations возвращает операции текущего режима в стабильном порядке.
func (sm *StateMachine) AllowedOperations() []Operation {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]Operation, 0, 3)
	for _, op := range []Operation{OpCreate, OpDelete, OpRead} {
		if allowedOperations[sm.current][op] {
			result = append(result, op)
		}
	}
	return result
}

// History возвращает историю переходов (копия).
func (sm *StateMachine) History() []TransitionRecord {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]TransitionRecord, len(sm.history))
	copy(result, sm.history)
	return result
}

// TransitionError: ошибка перехода между режимами.
type TransitionError struct {
	Code    string
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func isValidMode(m StorageMode) bool {
	return m == ModeRW || m == ModeRO
}

// ParseMode преобразует строку в StorageMode.
func ParseMode(s string) (StorageMode, error) {
	m := StorageMode(s)
	if !isValidMode(m) {
		return "", fmt.Errorf("недопустимый режим: %q, допустимые: rw, ro", s)
	}
	return m, nil
}

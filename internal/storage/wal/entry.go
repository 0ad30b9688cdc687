// Пакет wal: журнал мутаций Clip Relay.
//
// Каждая транзакция: отдельный файл {tx_id}.wal.json в CR_WAL_DIR.
// Журнал не заменяет файловую систему как источник истины: он лишь
// позволяет при старте доделать или откатить мутацию, прерванную
// аварийным завершением процесса.
package wal

import (
	"time"
)

// OperationType: тип мутации, записываемой в журнал.
type OperationType string

const (
	// OpEntryCreate: создание записи (директория, элементы, метаданные)
	OpEntryCreate OperationType = "entry_create"
	// OpEntryDelete: удаление пакета записей
	OpEntryDelete OperationType = "entry_delete"
)

// TransactionStatus: статус транзакции.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusCommitted  TransactionStatus = "committed"
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Record: запись журнала.
type Record struct {
	// TransactionID: UUID v4
	TransactionID string `json:"transaction_id"`

	Operation OperationType     `json:"operation"`
	Status    TransactionStatus `json:"status"`

	// EntryIDs: id записей, затронутых мутацией
	EntryIDs []int64 `json:"entry_ids"`

	StartedAt time.Time `json:"started_at"`
	// CompletedAt: nil для pending транзакций
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsFinished возвращает true для committed и rolled_back.
func (r *Record) IsFinished() bool {
	return r.Status == StatusCommitted || r.Status == StatusRolledBack
}

const recordSuffix = ".wal.json"

func recordFileName(txID string) string {
	return txID + recordSuffix
}

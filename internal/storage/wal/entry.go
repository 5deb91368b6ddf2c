// Пакет wal — файловый журнал загрузок (write-ahead log).
//
// Связывает запись байт на диск и вставку метаданных: запись WAL
// создаётся до записи байт, коммитится после вставки метаданных и
// откатывается при ошибке. После аварийного рестарта pending-записи
// указывают на байты, судьба которых ещё не решена.
//
// Каждая транзакция — отдельный файл {tx_id}.wal.json в FD_WAL_DIR.
package wal

import (
	"time"
)

// Status — статус транзакции WAL.
type Status string

const (
	// StatusPending — байты записываются или метаданные ещё не вставлены
	StatusPending Status = "pending"
	// StatusCommitted — метаданные вставлены, файл принадлежит записи
	StatusCommitted Status = "committed"
	// StatusRolledBack — загрузка отменена, байты удалены
	StatusRolledBack Status = "rolled_back"
)

// Entry — запись WAL загрузки.
type Entry struct {
	// TransactionID — уникальный идентификатор транзакции (UUID v4)
	TransactionID string `json:"transaction_id"`

	// StorageLocation — путь байт относительно корня хранилища
	StorageLocation string `json:"storage_location"`

	Status Status `json:"status"`

	// StartedAt — время начала загрузки (UTC)
	StartedAt time.Time `json:"started_at"`

	// CompletedAt — время завершения; nil для pending
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// entryFileName возвращает имя файла WAL для транзакции.
func entryFileName(txID string) string {
	return txID + ".wal.json"
}

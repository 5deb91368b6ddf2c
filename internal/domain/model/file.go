// Пакет model — доменные модели fileditch.
package model

import (
	"time"
)

// DefaultMimeType — тип содержимого, если MIME-тип файла неизвестен.
const DefaultMimeType = "application/octet-stream"

// FileRecord — метаданные загруженного файла.
// Создаётся при загрузке, изменяется только DownloadCount,
// удаляется очисткой после истечения срока.
type FileRecord struct {
	// ID — суррогатный идентификатор, назначается при вставке
	ID int64 `json:"-"`

	// OriginalName — имя файла от клиента. Используется только в заголовках ответа,
	// никогда не участвует в построении пути на диске.
	OriginalName string `json:"name"`

	// StorageLocation — путь к байтам относительно корня хранилища.
	// Выбирается сервером, уникален для каждой записи.
	StorageLocation string `json:"-"`

	// PublicID — токен в URL, глобально уникален
	PublicID string `json:"publicId"`

	// MimeType — MIME-тип (best effort, может быть пустым)
	MimeType string `json:"mimeType"`

	// SizeBytes — фактический размер записанных байт
	SizeBytes int64 `json:"size"`

	// Checksum — SHA-256 содержимого (hex)
	Checksum string `json:"-"`

	// CreatedAt — время вставки (UTC)
	CreatedAt time.Time `json:"createdAt"`

	// ExpiresAt — момент истечения, всегда позже CreatedAt
	ExpiresAt time.Time `json:"expiresAt"`

	// DownloadCount — число успешных скачиваний
	DownloadCount int64 `json:"downloads"`
}

// IsLive проверяет, что запись ещё не истекла на момент now.
// Запись жива строго до ExpiresAt.
func (f *FileRecord) IsLive(now time.Time) bool {
	return f.ExpiresAt.After(now)
}

// ContentType возвращает MIME-тип для ответа или DefaultMimeType.
func (f *FileRecord) ContentType() string {
	if f.MimeType == "" {
		return DefaultMimeType
	}
	return f.MimeType
}

// Clone возвращает независимую копию записи.
func (f *FileRecord) Clone() *FileRecord {
	cp := *f
	return &cp
}

// AccessEvent — факт попытки скачивания файла.
type AccessEvent struct {
	// ID — суррогатный идентификатор события
	ID int64
	// FileID — ссылка на FileRecord.ID
	FileID int64
	// IPAddress — адрес клиента (диагностика)
	IPAddress string
	// UserAgent — User-Agent клиента (диагностика)
	UserAgent string
	// AccessedAt — время попытки отдачи (UTC)
	AccessedAt time.Time
}

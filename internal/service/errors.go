// Пакет service — бизнес-логика жизненного цикла файлов:
// генерация имён, загрузка, скачивание, очистка и сверка.
package service

import "errors"

// Ошибки сервисного слоя. Обработчики сопоставляют их с HTTP-ответами
// через errors.Is. Конфликт имени приходит из repository.ErrConflict
// и обрабатывается внутри загрузки.
var (
	// ErrUnsupportedType — расширение не входит в список разрешённых.
	ErrUnsupportedType = errors.New("тип файла не разрешён")
	// ErrPayloadTooLarge — размер файла превышает лимит.
	ErrPayloadTooLarge = errors.New("файл превышает максимальный размер")
	// ErrNotFound — файл не существует или истёк (неразличимо для клиента).
	ErrNotFound = errors.New("файл не найден")
	// ErrNameGeneration — исчерпан лимит попыток генерации уникального имени.
	ErrNameGeneration = errors.New("не удалось сгенерировать уникальное имя")
	// ErrStore — ошибка хранилища метаданных или диска.
	ErrStore = errors.New("ошибка хранилища")
	// ErrSweepInProgress — очистка уже выполняется.
	ErrSweepInProgress = errors.New("очистка уже выполняется")
)

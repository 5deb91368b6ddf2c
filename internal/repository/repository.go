// Пакет repository — хранилище метаданных файлов на PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aShanki/fileditch/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена (или уже истекла).
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (publicId уже занят).
	ErrConflict = errors.New("конфликт — запись уже существует")
)

// FileRepository — контракт хранилища метаданных.
// Реализуется PostgreSQL-репозиторием и in-memory хранилищем (memstore).
type FileRepository interface {
	// Insert вставляет запись и заполняет f.ID.
	// ErrConflict, если PublicID или StorageLocation уже заняты.
	Insert(ctx context.Context, f *model.FileRecord) error
	// GetLive возвращает запись, только если ExpiresAt > now. Иначе ErrNotFound.
	GetLive(ctx context.Context, publicID string, now time.Time) (*model.FileRecord, error)
	// Exists проверяет занятость publicId среди всех строк, включая истёкшие.
	Exists(ctx context.Context, publicID string) (bool, error)
	// IncrementDownload увеличивает счётчик скачиваний.
	IncrementDownload(ctx context.Context, id int64) error
	// LogAccess записывает событие доступа. ErrNotFound, если запись уже удалена.
	LogAccess(ctx context.Context, ev *model.AccessEvent) error
	// ListExpired возвращает все записи с ExpiresAt <= now.
	ListExpired(ctx context.Context, now time.Time) ([]*model.FileRecord, error)
	// DeleteCascade атомарно удаляет запись и все её события доступа.
	DeleteCascade(ctx context.Context, id int64) error
	// HasStorageLocation проверяет, ссылается ли какая-либо запись на путь.
	HasStorageLocation(ctx context.Context, location string) (bool, error)
	// StorageLocations возвращает пути всех записей (для сверки диска).
	StorageLocations(ctx context.Context) (map[string]struct{}, error)
	// CountAccessEvents возвращает число событий доступа для записи.
	CountAccessEvents(ctx context.Context, fileID int64) (int, error)
}

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозиторий как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner открывает транзакции на пуле.
type TxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx коммитит, если fn вернула nil, иначе откатывает.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if err := pgx.BeginFunc(ctx, r.pool, fn); err != nil {
		return fmt.Errorf("транзакция: %w", err)
	}
	return nil
}

// Коды SQLSTATE, которые репозиторий переводит в свои ошибки.
const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
)

func hasSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func isUniqueViolation(err error) bool { return hasSQLState(err, sqlStateUniqueViolation) }

// isForeignKeyViolation: событие ссылается на уже удалённую запись.
func isForeignKeyViolation(err error) bool { return hasSQLState(err, sqlStateForeignKeyViolation) }

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aShanki/fileditch/internal/domain/model"
)

// fileColumns — список колонок для SELECT из files.
const fileColumns = `id, original_name, storage_location, public_id, mime_type,
	size_bytes, checksum, created_at, expires_at, download_count`

// fileRepo — реализация FileRepository на PostgreSQL.
type fileRepo struct {
	db DBTX
	tx *TxRunner
}

// NewFileRepository создаёт PostgreSQL-репозиторий метаданных.
// db — пул или транзакция; tx — для операций, требующих атомарности.
func NewFileRepository(db DBTX, tx *TxRunner) FileRepository {
	return &fileRepo{db: db, tx: tx}
}

func (r *fileRepo) Insert(ctx context.Context, f *model.FileRecord) error {
	query := `
		INSERT INTO files (original_name, storage_location, public_id, mime_type,
			size_bytes, checksum, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		f.OriginalName, f.StorageLocation, f.PublicID, f.MimeType,
		f.SizeBytes, f.Checksum, f.CreatedAt, f.ExpiresAt,
	).Scan(&f.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: publicId %s уже занят", ErrConflict, f.PublicID)
		}
		return fmt.Errorf("ошибка вставки записи файла: %w", err)
	}
	return nil
}

func (r *fileRepo) GetLive(ctx context.Context, publicID string, now time.Time) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE public_id = $1 AND expires_at > $2`

	f, err := scanFile(r.db.QueryRow(ctx, query, publicID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла %s: %w", publicID, err)
	}
	return f, nil
}

func (r *fileRepo) Exists(ctx context.Context, publicID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM files WHERE public_id = $1)`, publicID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки publicId: %w", err)
	}
	return exists, nil
}

func (r *fileRepo) IncrementDownload(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE files SET download_count = download_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка увеличения счётчика скачиваний: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) LogAccess(ctx context.Context, ev *model.AccessEvent) error {
	query := `
		INSERT INTO access_events (file_id, ip_address, user_agent, accessed_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err := r.db.QueryRow(ctx, query, ev.FileID, ev.IPAddress, ev.UserAgent, ev.AccessedAt).Scan(&ev.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка записи события доступа: %w", err)
	}
	return nil
}

func (r *fileRepo) ListExpired(ctx context.Context, now time.Time) ([]*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE expires_at <= $1 ORDER BY expires_at`

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истёкших файлов: %w", err)
	}
	defer rows.Close()

	var files []*model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения строки: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *fileRepo) DeleteCascade(ctx context.Context, id int64) error {
	return r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM access_events WHERE file_id = $1`, id); err != nil {
			return fmt.Errorf("ошибка удаления событий доступа: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("ошибка удаления записи файла: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *fileRepo) HasStorageLocation(ctx context.Context, location string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM files WHERE storage_location = $1)`, location,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки пути хранения: %w", err)
	}
	return exists, nil
}

func (r *fileRepo) StorageLocations(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.Query(ctx, `SELECT storage_location FROM files`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения путей хранения: %w", err)
	}
	defer rows.Close()

	locations := make(map[string]struct{})
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, fmt.Errorf("ошибка чтения строки: %w", err)
		}
		locations[loc] = struct{}{}
	}
	return locations, rows.Err()
}

func (r *fileRepo) CountAccessEvents(ctx context.Context, fileID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM access_events WHERE file_id = $1`, fileID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта событий доступа: %w", err)
	}
	return count, nil
}

// scanFile сканирует строку files в FileRecord.
func scanFile(row pgx.Row) (*model.FileRecord, error) {
	var f model.FileRecord
	err := row.Scan(
		&f.ID, &f.OriginalName, &f.StorageLocation, &f.PublicID, &f.MimeType,
		&f.SizeBytes, &f.Checksum, &f.CreatedAt, &f.ExpiresAt, &f.DownloadCount,
	)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = f.CreatedAt.UTC()
	f.ExpiresAt = f.ExpiresAt.UTC()
	return &f, nil
}

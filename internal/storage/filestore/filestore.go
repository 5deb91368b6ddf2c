// Пакет filestore — операции с байтами загруженных файлов на диске.
// Обеспечивает streaming-запись с лимитом размера и подсчётом SHA-256 на лету,
// чтение, удаление, обход и очистку пустых директорий.
package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sniffLen — сколько первых байт сохраняется для определения MIME-типа.
const sniffLen = 512

// tmpSuffix — суффикс временных файлов незавершённой записи.
const tmpSuffix = ".tmp"

// ErrTooLarge — поток превысил допустимый размер.
var ErrTooLarge = errors.New("превышен максимальный размер файла")

// FileStore — управление байтами файлов на диске.
type FileStore struct {
	// dataDir — корневая директория хранения (FD_DATA_DIR)
	dataDir string
}

// SaveResult — результат сохранения файла на диск.
type SaveResult struct {
	// StorageLocation — путь относительно dataDir
	StorageLocation string
	// Size — фактическое количество записанных байт
	Size int64
	// Checksum — SHA-256 хэш содержимого
	Checksum string
	// Head — первые байты содержимого (до 512) для определения MIME-типа
	Head []byte
}

// StoredFile — файл, найденный при обходе хранилища.
type StoredFile struct {
	// StorageLocation — путь относительно dataDir (слэши — '/')
	StorageLocation string
	Size            int64
	ModTime         time.Time
	// Temp — незавершённая запись (*.tmp)
	Temp bool
}

// New создаёт FileStore. Создаёт директорию, если она не существует.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}

	return &FileStore{dataDir: dataDir}, nil
}

// NewStorageLocation генерирует новый путь хранения: {uuid[:2]}/{uuid}.
// Путь никогда не зависит от имени файла клиента; двухсимвольный префикс
// распределяет файлы по подкаталогам.
func NewStorageLocation() string {
	id := uuid.New().String()
	return id[:2] + "/" + id
}

// SaveFile записывает данные из reader по пути storageLocation.
// Если maxBytes > 0 и поток длиннее, возвращает ErrTooLarge.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При любой ошибке temp файл удаляется: частичных файлов не остаётся.
func (s *FileStore) SaveFile(reader io.Reader, storageLocation string, maxBytes int64) (*SaveResult, error) {
	fullPath, err := s.resolve(storageLocation)
	if err != nil {
		return nil, err
	}
	tmpPath := fullPath + tmpSuffix

	f, err := createInShard(tmpPath)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*SaveResult, error) {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}

	src := reader
	if maxBytes > 0 {
		// Читаем на байт больше лимита, чтобы обнаружить превышение
		src = io.LimitReader(reader, maxBytes+1)
	}

	hasher := sha256.New()
	head := &headBuffer{limit: sniffLen}
	size, err := io.Copy(f, io.TeeReader(src, io.MultiWriter(hasher, head)))
	if err != nil {
		return fail(fmt.Errorf("ошибка записи данных: %w", err))
	}
	if maxBytes > 0 && size > maxBytes {
		return fail(fmt.Errorf("%w: лимит %d байт", ErrTooLarge, maxBytes))
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("ошибка fsync: %w", err))
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		StorageLocation: storageLocation,
		Size:            size,
		Checksum:        hex.EncodeToString(hasher.Sum(nil)),
		Head:            head.Bytes(),
	}, nil
}

// Open открывает файл для чтения. Вызывающий код обязан закрыть файл.
// Если файла нет, ошибка удовлетворяет errors.Is(err, fs.ErrNotExist).
func (s *FileStore) Open(storageLocation string) (*os.File, error) {
	fullPath, err := s.resolve(storageLocation)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", storageLocation, err)
	}
	return f, nil
}

// Delete удаляет файл с диска.
// Возвращает ошибку, удовлетворяющую errors.Is(err, fs.ErrNotExist), если файла нет,
// чтобы вызывающий код мог отличить аномалию от успешного удаления.
func (s *FileStore) Delete(storageLocation string) error {
	fullPath, err := s.resolve(storageLocation)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("ошибка удаления файла %s: %w", storageLocation, err)
	}
	return nil
}

// Exists проверяет существование файла на диске.
func (s *FileStore) Exists(storageLocation string) bool {
	fullPath, err := s.resolve(storageLocation)
	if err != nil {
		return false
	}
	_, err = os.Stat(fullPath)
	return err == nil
}

// Walk возвращает все файлы под dataDir, включая незавершённые *.tmp.
// Файлы с именем на точку пропускаются.
func (s *FileStore) Walk() ([]StoredFile, error) {
	var files []StoredFile
	err := filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// Служебные файлы (.health_check) не относятся к хранилищу
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(s.dataDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		files = append(files, StoredFile{
			StorageLocation: strings.TrimSuffix(rel, tmpSuffix),
			Size:            info.Size(),
			ModTime:         info.ModTime(),
			Temp:            strings.HasSuffix(rel, tmpSuffix),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка обхода директории %s: %w", s.dataDir, err)
	}
	return files, nil
}

// DeleteTemp удаляет незавершённую запись storageLocation + ".tmp".
func (s *FileStore) DeleteTemp(storageLocation string) error {
	fullPath, err := s.resolve(storageLocation)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath + tmpSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления временного файла %s: %w", storageLocation, err)
	}
	return nil
}

// RemoveEmptyDirs удаляет пустые подкаталоги dataDir (сам dataDir — никогда).
// Возвращает количество удалённых директорий.
func (s *FileStore) RemoveEmptyDirs() (int, error) {
	var dirs []string
	err := filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != s.dataDir {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка обхода директории %s: %w", s.dataDir, err)
	}

	// Сначала самые глубокие, чтобы родитель опустел после детей
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(os.PathSeparator)) > strings.Count(dirs[j], string(os.PathSeparator))
	})

	removed := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err == nil {
			removed++
		}
	}
	return removed, nil
}

// shardCreateAttempts — сколько раз пересоздаётся каталог шарда, если
// RemoveEmptyDirs удалил его между MkdirAll и созданием файла.
const shardCreateAttempts = 5

// createInShard создаёт path вместе с родительским каталогом.
func createInShard(path string) (*os.File, error) {
	var err error
	for range shardCreateAttempts {
		if err = os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("ошибка создания директории: %w", err)
		}
		var f *os.File
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
}

// DataDir возвращает путь к директории данных.
func (s *FileStore) DataDir() string {
	return s.dataDir
}

// resolve переводит относительный путь в абсолютный внутри dataDir.
// Отвергает абсолютные пути и выход за пределы корня.
func (s *FileStore) resolve(storageLocation string) (string, error) {
	if storageLocation == "" || filepath.IsAbs(storageLocation) || !filepath.IsLocal(filepath.FromSlash(storageLocation)) {
		return "", fmt.Errorf("недопустимый путь хранения %q", storageLocation)
	}
	return filepath.Join(s.dataDir, filepath.FromSlash(storageLocation)), nil
}

// headBuffer накапливает не более limit первых байт потока.
type headBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if rest := h.limit - h.buf.Len(); rest > 0 {
		if len(p) < rest {
			rest = len(p)
		}
		h.buf.Write(p[:rest])
	}
	return len(p), nil
}

func (h *headBuffer) Bytes() []byte {
	return h.buf.Bytes()
}

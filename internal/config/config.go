// Пакет config — загрузка и валидация конфигурации fileditch
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды хранилища метаданных.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// MaxExpireHoursLimit — наибольший срок в часах, который помещается в time.Duration.
const MaxExpireHoursLimit = int(math.MaxInt64 / int64(time.Hour))

// AllowAllTypes — значение FD_ALLOWED_TYPES, разрешающее любые расширения.
const AllowAllTypes = "all"

// Config содержит все параметры конфигурации fileditch.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Публичный URL сервиса, префикс для ссылок {BaseURL}/file/{publicId}
	BaseURL string
	// Корневая директория хранения загруженных файлов
	DataDir string
	// Директория WAL загрузок
	WALDir string

	// Максимальный размер загружаемого файла в байтах
	MaxFileSize int64
	// Разрешённые расширения (нижний регистр, без точки). Пустой срез — разрешено всё.
	AllowedTypes []string
	// Длина случайного суффикса имени в hex-символах
	RandomStringLength int
	// Срок хранения по умолчанию, часы
	DefaultExpireHours int
	// Максимальный срок хранения, часы
	MaxExpireHours int
	// Лимит попыток генерации уникального имени
	NameMaxAttempts int

	// Интервал очистки просроченных файлов
	ReaperInterval time.Duration
	// Интервал сверки диска с метаданными
	ReconcileInterval time.Duration
	// Минимальный возраст файла-сироты перед удалением
	OrphanGrace time.Duration

	// Бэкенд метаданных: postgres или memory
	MetadataBackend string
	DBHost          string
	DBPort          int
	DBName          string
	DBUser          string
	DBPassword      string
	DBSSLMode       string
	// Максимум соединений в пуле
	DBMaxConns int
	// Число попыток подключения при старте
	DBConnectAttempts int

	// Общий пароль сайта (открытый текст, хэшируется при старте)
	SitePassword string
	// bcrypt-хэш общего пароля
	SitePasswordHash string
	// Ключ подписи сессионного JWT (HS256)
	SessionSecret string
	// Время жизни сессии
	SessionTTL time.Duration
	// Атрибут Secure для cookie сессии
	CookieSecure bool

	// Лимит загрузок и попыток входа на IP в минуту
	UploadRatePerMinute int
	// Размер всплеска для лимитера
	UploadBurst int

	// Размер LRU-кэша записей для скачивания
	CacheSize int
	// TTL записи в кэше
	CacheTTL time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Файл логов с ротацией (опционально)
	LogFile string
	// Параметры ротации лог-файла
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// FD_PORT — порт HTTP-сервера (по умолчанию 3000)
	cfg.Port, err = getEnvInt("FD_PORT", 3000)
	if err != nil {
		return nil, fmt.Errorf("FD_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("FD_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// FD_BASE_URL — публичный адрес сервиса
	cfg.BaseURL = strings.TrimRight(getEnvDefault("FD_BASE_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")
	if u, parseErr := url.Parse(cfg.BaseURL); parseErr != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("FD_BASE_URL: некорректный URL %q", cfg.BaseURL)
	}

	// FD_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("FD_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// FD_WAL_DIR — по умолчанию соседняя директория {data}.wal,
	// чтобы сверка диска не видела WAL-файлы
	cfg.WALDir = getEnvDefault("FD_WAL_DIR", strings.TrimRight(cfg.DataDir, "/")+".wal")

	// FD_MAX_FILE_SIZE — по умолчанию 100 MB
	cfg.MaxFileSize, err = getEnvInt64("FD_MAX_FILE_SIZE", 100*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("FD_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("FD_MAX_FILE_SIZE: значение должно быть положительным")
	}

	// FD_ALLOWED_TYPES — список расширений через запятую или "all"
	cfg.AllowedTypes = parseAllowedTypes(getEnvDefault("FD_ALLOWED_TYPES", AllowAllTypes))

	// FD_RANDOM_STRING_LENGTH — длина hex-суффикса (чётная, >= 8)
	cfg.RandomStringLength, err = getEnvInt("FD_RANDOM_STRING_LENGTH", 32)
	if err != nil {
		return nil, fmt.Errorf("FD_RANDOM_STRING_LENGTH: %w", err)
	}
	if cfg.RandomStringLength < 8 || cfg.RandomStringLength%2 != 0 {
		return nil, fmt.Errorf("FD_RANDOM_STRING_LENGTH: значение %d должно быть чётным и не меньше 8", cfg.RandomStringLength)
	}

	cfg.DefaultExpireHours, err = getEnvInt("FD_DEFAULT_EXPIRE_HOURS", 24)
	if err != nil {
		return nil, fmt.Errorf("FD_DEFAULT_EXPIRE_HOURS: %w", err)
	}
	cfg.MaxExpireHours, err = getEnvInt("FD_MAX_EXPIRE_HOURS", 720)
	if err != nil {
		return nil, fmt.Errorf("FD_MAX_EXPIRE_HOURS: %w", err)
	}
	if cfg.MaxExpireHours > MaxExpireHoursLimit {
		return nil, fmt.Errorf("FD_MAX_EXPIRE_HOURS: значение %d больше предела %d", cfg.MaxExpireHours, MaxExpireHoursLimit)
	}
	if cfg.DefaultExpireHours <= 0 || cfg.MaxExpireHours < cfg.DefaultExpireHours {
		return nil, fmt.Errorf("FD_DEFAULT_EXPIRE_HOURS/FD_MAX_EXPIRE_HOURS: требуется 0 < %d <= %d",
			cfg.DefaultExpireHours, cfg.MaxExpireHours)
	}

	cfg.NameMaxAttempts, err = getEnvInt("FD_NAME_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("FD_NAME_MAX_ATTEMPTS: %w", err)
	}
	if cfg.NameMaxAttempts < 1 {
		return nil, fmt.Errorf("FD_NAME_MAX_ATTEMPTS: значение должно быть положительным")
	}

	// FD_REAPER_INTERVAL — интервал очистки (по умолчанию 1h)
	cfg.ReaperInterval, err = getEnvDuration("FD_REAPER_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FD_REAPER_INTERVAL: %w", err)
	}

	// FD_RECONCILE_INTERVAL — интервал сверки (по умолчанию 6h)
	cfg.ReconcileInterval, err = getEnvDuration("FD_RECONCILE_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FD_RECONCILE_INTERVAL: %w", err)
	}

	cfg.OrphanGrace, err = getEnvDuration("FD_ORPHAN_GRACE", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FD_ORPHAN_GRACE: %w", err)
	}

	// FD_METADATA_BACKEND — postgres (по умолчанию) или memory
	cfg.MetadataBackend = getEnvDefault("FD_METADATA_BACKEND", BackendPostgres)
	if cfg.MetadataBackend != BackendPostgres && cfg.MetadataBackend != BackendMemory {
		return nil, fmt.Errorf("FD_METADATA_BACKEND: недопустимое значение %q, допустимые: postgres, memory", cfg.MetadataBackend)
	}

	cfg.DBHost = getEnvDefault("FD_DB_HOST", "localhost")
	cfg.DBPort, err = getEnvInt("FD_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("FD_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("FD_DB_NAME", "fileditch")
	cfg.DBUser = getEnvDefault("FD_DB_USER", "fileditch")
	cfg.DBPassword = os.Getenv("FD_DB_PASSWORD")
	cfg.DBSSLMode = getEnvDefault("FD_DB_SSL_MODE", "disable")
	cfg.DBMaxConns, err = getEnvInt("FD_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("FD_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 1 {
		return nil, fmt.Errorf("FD_DB_MAX_CONNS: значение %d должно быть >= 1", cfg.DBMaxConns)
	}
	cfg.DBConnectAttempts, err = getEnvInt("FD_DB_CONNECT_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("FD_DB_CONNECT_ATTEMPTS: %w", err)
	}
	if cfg.DBConnectAttempts < 1 {
		return nil, fmt.Errorf("FD_DB_CONNECT_ATTEMPTS: значение %d должно быть >= 1", cfg.DBConnectAttempts)
	}

	// FD_SITE_PASSWORD / FD_SITE_PASSWORD_HASH — хотя бы один обязателен
	cfg.SitePassword = os.Getenv("FD_SITE_PASSWORD")
	cfg.SitePasswordHash = os.Getenv("FD_SITE_PASSWORD_HASH")
	if cfg.SitePassword == "" && cfg.SitePasswordHash == "" {
		return nil, fmt.Errorf("FD_SITE_PASSWORD: требуется FD_SITE_PASSWORD или FD_SITE_PASSWORD_HASH")
	}

	// FD_SESSION_SECRET — обязательный, не короче 32 байт
	cfg.SessionSecret, err = getEnvRequired("FD_SESSION_SECRET")
	if err != nil {
		return nil, err
	}
	if len(cfg.SessionSecret) < 32 {
		return nil, fmt.Errorf("FD_SESSION_SECRET: длина должна быть не меньше 32 байт")
	}

	cfg.SessionTTL, err = getEnvDuration("FD_SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FD_SESSION_TTL: %w", err)
	}

	cfg.CookieSecure, err = getEnvBool("FD_COOKIE_SECURE", false)
	if err != nil {
		return nil, fmt.Errorf("FD_COOKIE_SECURE: %w", err)
	}

	cfg.UploadRatePerMinute, err = getEnvInt("FD_UPLOAD_RATE_PER_MINUTE", 10)
	if err != nil {
		return nil, fmt.Errorf("FD_UPLOAD_RATE_PER_MINUTE: %w", err)
	}
	cfg.UploadBurst, err = getEnvInt("FD_UPLOAD_BURST", 5)
	if err != nil {
		return nil, fmt.Errorf("FD_UPLOAD_BURST: %w", err)
	}
	if cfg.UploadRatePerMinute <= 0 || cfg.UploadBurst <= 0 {
		return nil, fmt.Errorf("FD_UPLOAD_RATE_PER_MINUTE/FD_UPLOAD_BURST: значения должны быть положительными")
	}

	cfg.CacheSize, err = getEnvInt("FD_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("FD_CACHE_SIZE: %w", err)
	}
	cfg.CacheTTL, err = getEnvDuration("FD_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FD_CACHE_TTL: %w", err)
	}

	// FD_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FD_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FD_LOG_LEVEL: %w", err)
	}

	// FD_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("FD_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FD_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.LogFile = os.Getenv("FD_LOG_FILE")
	if cfg.LogMaxSizeMB, err = getEnvInt("FD_LOG_MAX_SIZE_MB", 100); err != nil {
		return nil, fmt.Errorf("FD_LOG_MAX_SIZE_MB: %w", err)
	}
	if cfg.LogMaxBackups, err = getEnvInt("FD_LOG_MAX_BACKUPS", 5); err != nil {
		return nil, fmt.Errorf("FD_LOG_MAX_BACKUPS: %w", err)
	}
	if cfg.LogMaxAgeDays, err = getEnvInt("FD_LOG_MAX_AGE_DAYS", 28); err != nil {
		return nil, fmt.Errorf("FD_LOG_MAX_AGE_DAYS: %w", err)
	}

	// FD_TLS_CERT / FD_TLS_KEY — задаются парой
	cfg.TLSCert = os.Getenv("FD_TLS_CERT")
	cfg.TLSKey = os.Getenv("FD_TLS_KEY")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("FD_TLS_CERT/FD_TLS_KEY: должны быть заданы вместе")
	}

	cfg.ShutdownTimeout, err = getEnvDuration("FD_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FD_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.DephealthCheckInterval, err = getEnvDuration("FD_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FD_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("FD_DEPHEALTH_GROUP", "fileditch")

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode)
}

// DatabaseURL возвращает URL подключения к PostgreSQL
// (для метрик dephealth, без пароля).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// AllowsAllTypes сообщает, отключена ли проверка расширений.
func (c *Config) AllowsAllTypes() bool {
	return len(c.AllowedTypes) == 0
}

// --- Вспомогательные функции ---

// parseAllowedTypes разбирает список расширений. "all" среди значений
// отключает проверку (возвращается nil).
func parseAllowedTypes(raw string) []string {
	var types []string
	for _, part := range strings.Split(raw, ",") {
		ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(part), "."))
		if ext == "" {
			continue
		}
		if ext == AllowAllTypes {
			return nil
		}
		types = append(types, ext)
	}
	return types
}

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает bool значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("длительность должна быть положительной: %q", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

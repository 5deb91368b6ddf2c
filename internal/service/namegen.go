package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aShanki/fileditch/internal/repository"
)

const (
	// maxBaseLen — максимальная длина очищенного имени в publicId
	maxBaseLen = 50
	// maxExtLen — максимальная длина расширения
	maxExtLen = 16
)

// NameGenerator выдаёт уникальные publicId вида {имя}_{hex}.{ext}.
// Уникальность проверяется по всем строкам хранилища, включая истёкшие,
// но ещё не удалённые записи.
type NameGenerator struct {
	repo        repository.FileRepository
	rand        io.Reader
	suffixBytes int
	maxAttempts int
	logger      *slog.Logger
}

// NewNameGenerator создаёт генератор.
// suffixHexLen — длина случайного hex-суффикса (чётная), maxAttempts — лимит попыток.
// rnd — источник случайных байт; nil означает crypto/rand. Должен быть
// безопасен для конкурентного использования.
func NewNameGenerator(
	repo repository.FileRepository,
	suffixHexLen int,
	maxAttempts int,
	rnd io.Reader,
	logger *slog.Logger,
) *NameGenerator {
	if rnd == nil {
		rnd = rand.Reader
	}
	return &NameGenerator{
		repo:        repo,
		rand:        rnd,
		suffixBytes: suffixHexLen / 2,
		maxAttempts: maxAttempts,
		logger:      logger.With(slog.String("component", "namegen")),
	}
}

// Generate возвращает свободный publicId для файла originalName.
// При коллизии суффикс генерируется заново; после maxAttempts
// неудачных попыток возвращается ErrNameGeneration.
func (g *NameGenerator) Generate(ctx context.Context, originalName string) (string, error) {
	base, ext := splitName(originalName)

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		candidate, err := g.candidate(base, ext)
		if err != nil {
			return "", err
		}

		exists, err := g.repo.Exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("%w: проверка имени: %v", ErrStore, err)
		}
		if !exists {
			return candidate, nil
		}

		g.logger.Warn("Коллизия publicId, повторная генерация",
			slog.String("candidate", candidate),
			slog.Int("attempt", attempt),
		)
	}

	return "", fmt.Errorf("%w: %d попыток", ErrNameGeneration, g.maxAttempts)
}

// candidate собирает кандидата из очищенных имени и расширения
// и нового случайного суффикса.
func (g *NameGenerator) candidate(base, ext string) (string, error) {
	buf := make([]byte, g.suffixBytes)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("ошибка генерации случайного суффикса: %w", err)
	}

	name := base + "_" + hex.EncodeToString(buf)
	if ext != "" {
		name += "." + ext
	}
	return name, nil
}

// FileExtension возвращает очищенное расширение имени файла
// (нижний регистр, без точки) или пустую строку.
func FileExtension(originalName string) string {
	_, ext := splitName(originalName)
	return ext
}

// splitName отделяет очищенное базовое имя от очищенного расширения.
// Компоненты каталогов в имени клиента отбрасываются.
func splitName(originalName string) (base, ext string) {
	name := path.Base(strings.ReplaceAll(originalName, `\`, "/"))
	if name == "." || name == "/" {
		name = ""
	}

	rawExt := path.Ext(name)
	rawBase := strings.TrimSuffix(name, rawExt)
	if rawBase == "" {
		// ".bashrc" — скрытый файл без расширения
		rawBase, rawExt = name, ""
	}

	base = sanitizeBase(rawBase)
	ext = sanitizeExt(strings.TrimPrefix(rawExt, "."))
	return base, ext
}

// sanitizeBase приводит имя к [a-z0-9-]: прочие символы заменяются
// на '-', повторы схлопываются, длина ограничивается.
func sanitizeBase(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash && b.Len() > 0 {
			b.WriteByte('-')
			lastDash = true
		}
	}

	out := strings.TrimRight(b.String(), "-")
	if len(out) > maxBaseLen {
		out = strings.TrimRight(out[:maxBaseLen], "-")
	}
	if out == "" {
		return "file"
	}
	return out
}

// sanitizeExt оставляет в расширении только [a-z0-9].
func sanitizeExt(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxExtLen {
		out = out[:maxExtLen]
	}
	return out
}

package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aShanki/fileditch/internal/domain/model"
	"github.com/aShanki/fileditch/internal/repository"
)

func serve(t *testing.T, svc *DownloadService, req *http.Request, publicID string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	rr := httptest.NewRecorder()
	err := svc.Serve(rr, req, publicID)
	svc.Wait()
	return rr, err
}

func TestDownload_ServeAndAccount(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(), nil)
	rec := env.mustUpload(t, "Hello World.txt", "0123456789", "")

	req := httptest.NewRequest(http.MethodGet, "/file/"+rec.PublicID, nil)
	req.Header.Set("User-Agent", "test-agent")
	rr, err := serve(t, env.download, req, rec.PublicID)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if rr.Code != http.StatusOK || rr.Body.String() != "0123456789" {
		t.Fatalf("Ответ: %d %q", rr.Code, rr.Body.String())
	}
	h := rr.Header()
	if got := h.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := h.Get("Content-Disposition"); got != `inline; filename="Hello World.txt"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if got := h.Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := h.Get("ETag"); got != strconv.Quote(rec.Checksum) {
		t.Errorf("ETag = %q", got)
	}
	if got := h.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}

	info, err := env.download.Info(context.Background(), rec.PublicID)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.DownloadCount != 1 {
		t.Errorf("DownloadCount = %d, ожидалось 1", info.DownloadCount)
	}
	events, _ := env.repo.CountAccessEvents(context.Background(), rec.ID)
	if events != 1 {
		t.Errorf("AccessEvent = %d, ожидалось 1", events)
	}
}

func TestDownload_UnknownAndExpiredAreIdentical(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(), nil)
	rec := env.mustUpload(t, "a.txt", "abc", "1")

	// Первое скачивание кладёт запись в кэш
	if _, err := serve(t, env.download, httptest.NewRequest(http.MethodGet, "/", nil), rec.PublicID); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	env.clock.Advance(time.Hour)

	for _, id := range []string{rec.PublicID, "missing_00000000.txt"} {
		rr, err := serve(t, env.download, httptest.NewRequest(http.MethodGet, "/", nil), id)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: ожидалась ErrNotFound, получили %v", id, err)
		}
		if rr.Body.Len() != 0 || len(rr.Header()) != 0 {
			t.Errorf("%s: при ErrNotFound ответ не должен начинаться", id)
		}
		if _, err := env.download.Info(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: Info должен возвращать ErrNotFound, получили %v", id, err)
		}
	}
}

func TestDownload_BytesDeletedBetweenLookupAndStream(t *testing.T) {
	var env *testEnv
	env = newTestEnv(t, defaultPolicy(), func(r repository.FileRepository) repository.FileRepository {
		return &wrappedRepo{
			FileRepository: r,
			getLive: func(ctx context.Context, publicID string, now time.Time) (*model.FileRecord, error) {
				rec, err := r.GetLive(ctx, publicID, now)
				if err == nil {
					// Очистка успевает удалить байты после проверки срока
					_ = env.files.Delete(rec.StorageLocation)
				}
				return rec, err
			},
		}
	})
	rec := env.mustUpload(t, "a.txt", "abc", "")

	rr, err := serve(t, env.download, httptest.NewRequest(http.MethodGet, "/", nil), rec.PublicID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Ожидалась ErrNotFound, получили %v", err)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("Тело ответа должно быть пустым: %q", rr.Body.String())
	}
	if env.cache.Len() != 0 {
		t.Error("Запись должна быть удалена из кэша")
	}
}

func TestDownload_StoreErrorDegradesToNotFound(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(), func(r repository.FileRepository) repository.FileRepository {
		return &wrappedRepo{
			FileRepository: r,
			getLive: func(context.Context, string, time.Time) (*model.FileRecord, error) {
				return nil, errors.New("connection reset")
			},
		}
	})

	_, err := serve(t, env.download, httptest.NewRequest(http.MethodGet, "/", nil), "x_00000000")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Ошибка чтения должна давать ErrNotFound, получили %v", err)
	}
}

func TestDownload_ClientDisconnectNotCounted(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(), nil)
	rec := env.mustUpload(t, "a.txt", strings.Repeat("z", 4096), "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)

	if _, err := serve(t, env.download, req, rec.PublicID); err != nil {
		t.Fatalf("Отключение клиента не должно быть ошибкой: %v", err)
	}

	info, _ := env.download.Info(context.Background(), rec.PublicID)
	if info.DownloadCount != 0 {
		t.Errorf("DownloadCount = %d, ожидалось 0", info.DownloadCount)
	}
	events, _ := env.repo.CountAccessEvents(context.Background(), rec.ID)
	if events != 1 {
		t.Errorf("Попытка отдачи должна логироваться: %d событий", events)
	}
}

func TestDownload_PartialAndConditionalNotCounted(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(), nil)
	rec := env.mustUpload(t, "a.txt", "0123456789", "")

	rangeReq := httptest.NewRequest(http.MethodGet, "/", nil)
	rangeReq.Header.Set("Range", "bytes=0-3")
	rr, err := serve(t, env.download, rangeReq, rec.PublicID)
	if err != nil || rr.Code != http.StatusPartialContent || rr.Body.String() != "0123" {
		t.Fatalf("Range: %v %d %q", err, rr.Code, rr.Body.String())
	}

	condReq := httptest.NewRequest(http.MethodGet, "/", nil)
	condReq.Header.Set("If-None-Match", strconv.Quote(rec.Checksum))
	rr, err = serve(t, env.download, condReq, rec.PublicID)
	if err != nil || rr.Code != http.StatusNotModified {
		t.Fatalf("If-None-Match: %v %d", err, rr.Code)
	}

	headReq := httptest.NewRequest(http.MethodHead, "/", nil)
	if _, err := serve(t, env.download, headReq, rec.PublicID); err != nil {
		t.Fatalf("HEAD: %v", err)
	}

	info, _ := env.download.Info(context.Background(), rec.PublicID)
	if info.DownloadCount != 0 {
		t.Errorf("DownloadCount = %d, ожидалось 0", info.DownloadCount)
	}
}

func TestCacheControl(t *testing.T) {
	tests := []struct {
		remaining time.Duration
		want      string
	}{
		{48 * time.Hour, "public, max-age=3600"},
		{90 * time.Second, "public, max-age=90"},
		{-time.Second, "public, max-age=0"},
	}
	for _, tt := range tests {
		if got := cacheControl(tt.remaining); got != tt.want {
			t.Errorf("cacheControl(%v) = %q, ожидалось %q", tt.remaining, got, tt.want)
		}
	}
}

func TestContentDisposition(t *testing.T) {
	if got := contentDisposition(""); got != "inline" {
		t.Errorf("Пустое имя: %q", got)
	}
	if got := contentDisposition("отчёт.pdf"); !strings.HasPrefix(got, "inline; filename*=utf-8''") {
		t.Errorf("Не-ASCII имя должно кодироваться по RFC 2231: %q", got)
	}
	if got := contentDisposition(`a"b.txt`); !strings.Contains(got, `filename="a\"b.txt"`) {
		t.Errorf("Кавычки должны экранироваться: %q", got)
	}
}

func TestRecordCache(t *testing.T) {
	c := NewRecordCache(2, time.Minute)
	rec := &model.FileRecord{PublicID: "a", SizeBytes: 1}
	c.Set(rec)

	got, ok := c.Get("a")
	if !ok || got.SizeBytes != 1 {
		t.Fatalf("Get: %v %v", got, ok)
	}
	got.SizeBytes = 99
	again, _ := c.Get("a")
	if again.SizeBytes != 1 {
		t.Error("Кэш должен отдавать копии")
	}

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("Запись должна быть удалена")
	}

	disabled := NewRecordCache(0, time.Minute)
	disabled.Set(rec)
	if _, ok := disabled.Get("a"); ok || disabled.Len() != 0 {
		t.Error("Отключённый кэш ничего не хранит")
	}
}

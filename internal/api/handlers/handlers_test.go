package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aShanki/fileditch/internal/api/middleware"
	"github.com/aShanki/fileditch/internal/service"
	"github.com/aShanki/fileditch/internal/storage/filestore"
	"github.com/aShanki/fileditch/internal/storage/memstore"
	"github.com/aShanki/fileditch/internal/storage/wal"
)

const testMaxFileSize = 1024

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// filesEnv — FilesHandler поверх memstore и временных директорий.
type filesEnv struct {
	handler  *FilesHandler
	download *service.DownloadService
	files    *filestore.FileStore
	repo     *memstore.Store
	router   chi.Router
}

func newFilesEnv(t *testing.T) *filesEnv {
	t.Helper()
	root := t.TempDir()
	logger := testLogger()

	files, err := filestore.New(filepath.Join(root, "data"))
	if err != nil {
		t.Fatalf("Ошибка создания filestore: %v", err)
	}
	w, err := wal.New(filepath.Join(root, "wal"), logger)
	if err != nil {
		t.Fatalf("Ошибка создания WAL: %v", err)
	}
	repo := memstore.New(logger)
	names := service.NewNameGenerator(repo, 16, 5, nil, logger)
	upload := service.NewUploadService(repo, files, w, names, service.UploadPolicy{
		BaseURL:            "http://files.test",
		MaxFileSize:        testMaxFileSize,
		AllowedTypes:       []string{"txt", "png"},
		DefaultExpireHours: 24,
		MaxExpireHours:     72,
		NameMaxAttempts:    5,
	}, logger)
	download := service.NewDownloadService(repo, files, nil, logger)

	h := NewFilesHandler(upload, download, testMaxFileSize, logger)
	r := chi.NewRouter()
	r.Post("/upload", h.Upload)
	r.Get("/file/{publicId}", h.Download)
	r.Get("/file/{publicId}/info", h.Info)

	return &filesEnv{handler: h, download: download, files: files, repo: repo, router: r}
}

// formField — поле multipart формы; filename != "" означает файл.
type formField struct {
	name, filename, value string
}

func multipartRequest(t *testing.T, fields ...formField) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		var (
			part io.Writer
			err  error
		)
		if f.filename != "" {
			part, err = mw.CreateFormFile(f.name, f.filename)
		} else {
			part, err = mw.CreateFormField(f.name)
		}
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write([]byte(f.value)); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *filesEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	e.download.Wait()
	return rr
}

// errorCode извлекает код ошибки из тела ответа.
func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("Тело ошибки не JSON: %q", rr.Body.String())
	}
	return body.Error.Code
}

func TestUpload_FieldOrderDoesNotMatter(t *testing.T) {
	env := newFilesEnv(t)

	orders := map[string][]formField{
		"file first":  {{"file", "a.txt", "hello"}, {"expireHours", "", "2"}},
		"hours first": {{"expireHours", "", "2"}, {"file", "a.txt", "hello"}},
	}
	for name, fields := range orders {
		t.Run(name, func(t *testing.T) {
			rr := env.do(multipartRequest(t, fields...))
			if rr.Code != http.StatusOK {
				t.Fatalf("Статус %d: %s", rr.Code, rr.Body.String())
			}
			var resp UploadResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.URL != "http://files.test/file/"+resp.PublicID {
				t.Errorf("URL = %q", resp.URL)
			}

			info := env.do(httptest.NewRequest(http.MethodGet, "/file/"+resp.PublicID+"/info", nil))
			var rec struct {
				Size      int64     `json:"size"`
				CreatedAt time.Time `json:"createdAt"`
				ExpiresAt time.Time `json:"expiresAt"`
			}
			if err := json.Unmarshal(info.Body.Bytes(), &rec); err != nil {
				t.Fatal(err)
			}
			if rec.Size != 5 {
				t.Errorf("size = %d", rec.Size)
			}
			if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != 2*time.Hour {
				t.Errorf("Срок хранения %v, ожидалось 2h", got)
			}
		})
	}
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		req      func(t *testing.T) *http.Request
		wantCode int
		wantErr  string
	}{
		{
			name: "без файла",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, formField{"expireHours", "", "1"})
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "VALIDATION_ERROR",
		},
		{
			name: "не multipart",
			req: func(*testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{}`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "VALIDATION_ERROR",
		},
		{
			name: "запрещённое расширение",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, formField{"file", "run.exe", "MZ"})
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "UNSUPPORTED_TYPE",
		},
		{
			name: "слишком большой",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, formField{"file", "big.txt", strings.Repeat("x", testMaxFileSize+1)})
			},
			wantCode: http.StatusRequestEntityTooLarge,
			wantErr:  "FILE_TOO_LARGE",
		},
		{
			name: "два файла",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, formField{"file", "a.txt", "1"}, formField{"file", "b.txt", "2"})
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "VALIDATION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newFilesEnv(t)
			rr := env.do(tt.req(t))
			if rr.Code != tt.wantCode {
				t.Fatalf("Статус %d, ожидалось %d: %s", rr.Code, tt.wantCode, rr.Body.String())
			}
			if got := errorCode(t, rr); got != tt.wantErr {
				t.Errorf("Код ошибки %q, ожидалось %q", got, tt.wantErr)
			}

			// Отклонённая загрузка не оставляет ни байтов, ни записей
			stored, err := env.files.Walk()
			if err != nil {
				t.Fatal(err)
			}
			if len(stored) != 0 {
				t.Errorf("На диске остались файлы: %+v", stored)
			}
			if env.repo.Count() != 0 {
				t.Errorf("Осталось записей: %d", env.repo.Count())
			}
		})
	}
}

func TestDownload_RoundTrip(t *testing.T) {
	env := newFilesEnv(t)
	content := "0123456789"

	rr := env.do(multipartRequest(t, formField{"file", "digits.txt", content}))
	var resp UploadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	got := env.do(httptest.NewRequest(http.MethodGet, "/file/"+resp.PublicID, nil))
	if got.Code != http.StatusOK || got.Body.String() != content {
		t.Fatalf("Скачивание: %d %q", got.Code, got.Body.String())
	}

	info := env.do(httptest.NewRequest(http.MethodGet, "/file/"+resp.PublicID+"/info", nil))
	if cc := info.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control info = %q", cc)
	}
	var rec struct {
		Name      string `json:"name"`
		Downloads int64  `json:"downloads"`
	}
	if err := json.Unmarshal(info.Body.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Name != "digits.txt" || rec.Downloads != 1 {
		t.Errorf("Метаданные: %+v", rec)
	}
}

func TestDownload_UnknownIs404(t *testing.T) {
	env := newFilesEnv(t)
	for _, path := range []string{"/file/nope_0000.txt", "/file/nope_0000.txt/info"} {
		rr := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: статус %d", path, rr.Code)
		}
		if got := errorCode(t, rr); got != "NOT_FOUND" {
			t.Errorf("%s: код %q", path, got)
		}
	}
}

func newTestAuth(t *testing.T) *middleware.SessionAuth {
	t.Helper()
	auth, err := middleware.NewSessionAuth(middleware.SessionAuthConfig{
		Password: "hunter2",
		Secret:   "0123456789abcdef0123456789abcdef",
		TTL:      time.Hour,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return auth
}

func TestLogin(t *testing.T) {
	h := NewAuthHandler(newTestAuth(t), testLogger())

	tests := []struct {
		name        string
		contentType string
		body        string
		wantCode    int
	}{
		{"json", "application/json", `{"password":"hunter2"}`, http.StatusOK},
		{"форма", "application/x-www-form-urlencoded", url.Values{"password": {"hunter2"}}.Encode(), http.StatusOK},
		{"неверный пароль", "application/json", `{"password":"nope"}`, http.StatusUnauthorized},
		{"битый json", "application/json", `{"password":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rr := httptest.NewRecorder()
			h.Login(rr, req)

			if rr.Code != tt.wantCode {
				t.Fatalf("Статус %d, ожидалось %d", rr.Code, tt.wantCode)
			}
			hasCookie := false
			for _, c := range rr.Result().Cookies() {
				if c.Name == middleware.SessionCookieName && c.Value != "" {
					hasCookie = true
				}
			}
			if hasCookie != (tt.wantCode == http.StatusOK) {
				t.Errorf("Cookie сессии: %v", hasCookie)
			}
		})
	}
}

func TestLogout(t *testing.T) {
	h := NewAuthHandler(newTestAuth(t), testLogger())
	rr := httptest.NewRecorder()
	h.Logout(rr, httptest.NewRequest(http.MethodPost, "/logout", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("Статус %d", rr.Code)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Errorf("Cookie должна сбрасываться: %+v", cookies)
	}
}

type stubReadiness struct{ status, message string }

func (s stubReadiness) CheckReady() (string, string) { return s.status, s.message }

func TestHealthReady(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist")

	tests := []struct {
		name       string
		dataDir    string
		walDir     string
		meta       ReadinessChecker
		deps       ReadinessChecker
		wantCode   int
		wantStatus string
	}{
		{"всё в порядке", dir, dir, stubReadiness{"ok", "ok"}, nil, http.StatusOK, "ok"},
		{"метаданные недоступны", dir, dir, stubReadiness{"fail", "down"}, nil, http.StatusServiceUnavailable, "fail"},
		{"данные недоступны", missing, dir, stubReadiness{"ok", "ok"}, nil, http.StatusServiceUnavailable, "fail"},
		{"WAL недоступен", dir, missing, stubReadiness{"ok", "ok"}, nil, http.StatusOK, "degraded"},
		{"мониторинг сообщает сбой", dir, dir, stubReadiness{"ok", "ok"}, stubReadiness{"fail", "недоступны: postgresql"}, http.StatusOK, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.dataDir, tt.walDir, tt.meta, tt.deps)
			rr := httptest.NewRecorder()
			h.HealthReady(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rr.Code != tt.wantCode {
				t.Errorf("Статус %d, ожидалось %d", rr.Code, tt.wantCode)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, ожидалось %s", body["status"], tt.wantStatus)
			}
		})
	}

	// Проверочный файл не остаётся в директории данных
	if _, err := os.Stat(filepath.Join(dir, ".health_check")); !os.IsNotExist(err) {
		t.Error(".health_check не удалён")
	}
}

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler("", "", nil, nil)
	rr := httptest.NewRecorder()
	h.HealthLive(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if rr.Code != http.StatusOK || body["service"] != "fileditch" {
		t.Errorf("Ответ: %d %v", rr.Code, body)
	}
}

type stubSweeper struct {
	result *service.SweepResult
	err    error
}

func (s stubSweeper) RunOnce(context.Context) (*service.SweepResult, error) { return s.result, s.err }

type stubReconciler struct {
	result     *service.ReconcileResult
	inProgress bool
}

func (s stubReconciler) RunOnce(context.Context) (*service.ReconcileResult, bool, error) {
	return s.result, s.inProgress, nil
}

func TestMaintenance(t *testing.T) {
	logger := testLogger()

	busy := NewMaintenanceHandler(
		stubSweeper{err: service.ErrSweepInProgress},
		stubReconciler{inProgress: true},
		logger,
	)
	rr := httptest.NewRecorder()
	busy.Sweep(rr, httptest.NewRequest(http.MethodPost, "/maintenance/sweep", nil))
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "SWEEP_IN_PROGRESS" {
		t.Errorf("Sweep при занятой очистке: %d %s", rr.Code, rr.Body.String())
	}
	rr = httptest.NewRecorder()
	busy.Reconcile(rr, httptest.NewRequest(http.MethodPost, "/maintenance/reconcile", nil))
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "RECONCILE_IN_PROGRESS" {
		t.Errorf("Reconcile при занятой сверке: %d %s", rr.Code, rr.Body.String())
	}

	idle := NewMaintenanceHandler(
		stubSweeper{result: &service.SweepResult{Expired: 2, Deleted: 2}},
		stubReconciler{result: &service.ReconcileResult{FilesChecked: 5, OrphansRemoved: 1}},
		logger,
	)
	rr = httptest.NewRecorder()
	idle.Sweep(rr, httptest.NewRequest(http.MethodPost, "/maintenance/sweep", nil))
	var sweep map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &sweep); err != nil {
		t.Fatal(err)
	}
	if rr.Code != http.StatusOK || sweep["deleted"] != float64(2) {
		t.Errorf("Sweep: %d %v", rr.Code, sweep)
	}

	rr = httptest.NewRecorder()
	idle.Reconcile(rr, httptest.NewRequest(http.MethodPost, "/maintenance/reconcile", nil))
	var rec map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rr.Code != http.StatusOK || rec["orphansRemoved"] != float64(1) {
		t.Errorf("Reconcile: %d %v", rr.Code, rec)
	}
}

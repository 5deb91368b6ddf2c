// auth.go — вход и выход по общему паролю сайта.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"time"

	apierrors "github.com/aShanki/fileditch/internal/api/errors"
	"github.com/aShanki/fileditch/internal/api/middleware"
)

// maxLoginBody — лимит тела запроса входа.
const maxLoginBody = 4 << 10

// LoginResponse — ответ POST /login.
type LoginResponse struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuthHandler — обработчик /login и /logout.
type AuthHandler struct {
	auth   *middleware.SessionAuth
	logger *slog.Logger
}

// NewAuthHandler создаёт обработчик входа.
func NewAuthHandler(auth *middleware.SessionAuth, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   auth,
		logger: logger.With(slog.String("component", "auth_handler")),
	}
}

// Login обрабатывает POST /login.
// Пароль принимается в JSON ({"password": "..."}) или в форме (password=...).
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBody)

	password, err := readPassword(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	token, expiresAt, err := h.auth.Login(password)
	if err != nil {
		if errors.Is(err, middleware.ErrInvalidPassword) {
			h.logger.Warn("Неудачная попытка входа",
				slog.String("remote_addr", middleware.ClientIP(r)),
			)
			apierrors.Unauthorized(w, "Неверный пароль")
			return
		}
		h.logger.Error("Ошибка выпуска сессии", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Не удалось создать сессию")
		return
	}

	h.auth.SetSessionCookie(w, token, expiresAt)
	writeJSON(w, http.StatusOK, LoginResponse{ExpiresAt: expiresAt})
}

// Logout обрабатывает POST /logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, _ *http.Request) {
	h.auth.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// readPassword извлекает пароль из JSON или формы.
func readPassword(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", errors.New("некорректный JSON")
		}
		return body.Password, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", errors.New("некорректная форма")
	}
	return r.PostForm.Get("password"), nil
}

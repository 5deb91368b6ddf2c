// auth.go — сессионный доступ по общему паролю сайта.
// После входа клиент получает cookie с JWT (HS256), подписанным
// FD_SESSION_SECRET. Загрузка и обслуживание требуют валидной сессии,
// скачивание и info — публичны.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	apierrors "github.com/aShanki/fileditch/internal/api/errors"
)

// SessionCookieName — имя cookie сессии.
const SessionCookieName = "fileditch_session"

// sessionSubject — sub единственного субъекта: владельца общего пароля.
const sessionSubject = "site"

// ErrInvalidPassword — пароль не совпадает.
var ErrInvalidPassword = errors.New("неверный пароль")

// SessionAuth проверяет пароль и выдаёт/проверяет сессионные токены.
type SessionAuth struct {
	passwordHash []byte
	secret       []byte
	ttl          time.Duration
	secure       bool
	now          func() time.Time
	logger       *slog.Logger
}

// SessionAuthConfig — параметры SessionAuth.
type SessionAuthConfig struct {
	// Password — пароль в открытом виде (хэшируется при создании)
	Password string
	// PasswordHash — готовый bcrypt-хэш; приоритетнее Password
	PasswordHash string
	// Secret — ключ подписи HS256
	Secret string
	// TTL — время жизни сессии
	TTL time.Duration
	// Secure — атрибут Secure для cookie
	Secure bool
}

// NewSessionAuth создаёт SessionAuth. Открытый пароль хэшируется bcrypt.
func NewSessionAuth(cfg SessionAuthConfig, logger *slog.Logger) (*SessionAuth, error) {
	hash := []byte(cfg.PasswordHash)
	if len(hash) == 0 {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("ошибка хэширования пароля: %w", err)
		}
	} else if _, err := bcrypt.Cost(hash); err != nil {
		return nil, fmt.Errorf("некорректный bcrypt-хэш пароля: %w", err)
	}

	return &SessionAuth{
		passwordHash: hash,
		secret:       []byte(cfg.Secret),
		ttl:          cfg.TTL,
		secure:       cfg.Secure,
		now:          time.Now,
		logger:       logger.With(slog.String("component", "session_auth")),
	}, nil
}

// Login проверяет пароль и возвращает подписанный токен сессии.
func (a *SessionAuth) Login(password string) (token string, expiresAt time.Time, err error) {
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidPassword
	}

	now := a.now()
	expiresAt = now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   sessionSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("ошибка подписи токена: %w", err)
	}
	return token, expiresAt, nil
}

// Verify проверяет подпись, срок и субъект токена.
func (a *SessionAuth) Verify(tokenString string) error {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return err
	}
	if !token.Valid || claims.Subject != sessionSubject {
		return errors.New("невалидный токен сессии")
	}
	return nil
}

// Middleware пропускает запрос только с валидной cookie сессии, иначе 401.
func (a *SessionAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				apierrors.Unauthorized(w, "Требуется вход")
				return
			}

			if err := a.Verify(cookie.Value); err != nil {
				a.logger.Debug("Сессия не прошла проверку",
					slog.String("error", err.Error()),
					slog.String("remote_addr", ClientIP(r)),
				)
				apierrors.Unauthorized(w, "Сессия недействительна или истекла")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetSessionCookie устанавливает cookie сессии (HttpOnly, SameSite=Lax).
func (a *SessionAuth) SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie удаляет cookie сессии.
func (a *SessionAuth) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/lumenlms/lumen/internal/database"
	"github.com/lumenlms/lumen/internal/httputil"
	"golang.org/x/crypto/bcrypt"
)

const (
	RefreshCookieName = "refresh_token"
	refreshCookiePath = "/api/auth"

	uniqueViolation = "23505"
)

var (
	errRefreshRejected = errors.New("refresh token revoked or expired")
	validate           = validator.New()
)

type contextKey string

const userIDKey contextKey = "userID"

// Handler serves the /api/auth endpoints of the development backend. Access
// tokens are stateless; refresh tokens are tracked in refresh_tokens and
// rotated on every use.
type Handler struct {
	db            database.DBTX
	jwtSecret     string
	secureCookies bool
	accessTTL     time.Duration
	clock         clockwork.Clock
	logger        *slog.Logger
}

func NewHandler(db database.DBTX, jwtSecret string, secureCookies bool) *Handler {
	return &Handler{
		db:            db,
		jwtSecret:     jwtSecret,
		secureCookies: secureCookies,
		accessTTL:     AccessTokenDuration,
		clock:         clockwork.NewRealClock(),
		logger:        slog.Default(),
	}
}

// SetAccessTTL changes the lifetime of issued access tokens. Short lifetimes
// exercise the client's refresh path.
func (h *Handler) SetAccessTTL(ttl time.Duration) {
	if ttl > 0 {
		h.accessTTL = ttl
	}
}

func (h *Handler) SetLogger(logger *slog.Logger) {
	h.logger = logger
}

// SetClock sets the clock refresh-token expiry is measured against.
func (h *Handler) SetClock(clock clockwork.Clock) {
	h.clock = clock
}

type credentials struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type registerRequest struct {
	credentials
	Name string `json:"name" validate:"required,max=200"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type verifyRequest struct {
	Token string `json:"token" validate:"required"`
}

type resendRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// decodeRequest reads and validates a JSON body, answering 400 itself when
// either step fails.
func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httputil.DecodeJSON(w, r, v); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage reports the first failing field in the request's JSON
// naming.
func validationMessage(err error) string {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return "invalid request"
	}
	f := fields[0]
	name := strings.ToLower(f.Field())
	switch f.Tag() {
	case "required":
		return name + " is required"
	case "email":
		return "invalid email address"
	case "min":
		return name + " must be at least " + f.Param() + " characters"
	case "max":
		return name + " must be at most " + f.Param() + " characters"
	}
	return "invalid " + name
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	verifyToken, err := newTokenID()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	var userID string
	err = h.db.QueryRow(r.Context(),
		"INSERT INTO users (email, password, name, verify_token) VALUES ($1, $2, $3, $4) RETURNING id",
		normalizeEmail(req.Email), string(hash), req.Name, verifyToken,
	).Scan(&userID)
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		httputil.WriteError(w, http.StatusConflict, "could not create account")
		return
	case err != nil:
		h.logger.Error("auth: create user failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	// No mail transport in development; the token is read from the log.
	h.logger.Info("auth: verification token issued", "user_id", userID, "token", verifyToken)
	h.startSession(r.Context(), w, http.StatusCreated, userID)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	var userID, hash string
	err := h.db.QueryRow(r.Context(),
		"SELECT id, password FROM users WHERE email = $1", normalizeEmail(req.Email),
	).Scan(&userID, &hash)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			h.logger.Error("auth: load user failed", "error", err)
		}
		httputil.WriteError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	h.startSession(r.Context(), w, http.StatusOK, userID)
}

// Refresh trades the refresh cookie for a new token pair. The presented
// refresh token is revoked, so each one works once.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.refreshClaims(r)
	if !ok {
		if _, err := r.Cookie(RefreshCookieName); err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "refresh token not found")
			return
		}
		httputil.WriteError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	if err := h.checkRefreshToken(r.Context(), claims); err != nil {
		if !errors.Is(err, errRefreshRejected) && !errors.Is(err, pgx.ErrNoRows) {
			h.logger.Error("auth: load refresh token failed", "error", err)
		}
		httputil.WriteError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	if err := h.revokeRefreshToken(r.Context(), claims.TokenID); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to revoke refresh token")
		return
	}

	h.startSession(r.Context(), w, http.StatusOK, claims.UserID)
}

// Logout revokes the presented refresh token, when there is a valid one, and
// always clears the cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if claims, ok := h.refreshClaims(r); ok {
		if err := h.revokeRefreshToken(r.Context(), claims.TokenID); err != nil {
			h.logger.Warn("auth: revoke on logout failed", "error", err)
		}
	}
	http.SetCookie(w, h.refreshCookie("", -1))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	tag, err := h.db.Exec(r.Context(),
		"UPDATE users SET email_verified = true, verify_token = NULL WHERE verify_token = $1", req.Token)
	if err != nil {
		h.logger.Error("auth: verify email failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to verify email")
		return
	}
	if tag.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "invalid or expired verification token")
		return
	}
	httputil.WriteMessage(w, http.StatusOK, "email verified")
}

// ResendVerification answers 200 whether or not the address has an
// unverified account.
func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	token, err := newTokenID()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to issue verification token")
		return
	}
	tag, err := h.db.Exec(r.Context(),
		"UPDATE users SET verify_token = $1 WHERE email = $2 AND email_verified = false",
		token, normalizeEmail(req.Email))
	switch {
	case err != nil:
		h.logger.Error("auth: resend verification failed", "error", err)
	case tag.RowsAffected() > 0:
		h.logger.Info("auth: verification token reissued", "email", req.Email, "token", token)
	}
	httputil.WriteMessage(w, http.StatusOK, "if the account exists and is unverified, a new verification token was issued")
}

// Middleware admits requests carrying a valid access token and stores its
// user id in the request context.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			httputil.WriteError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		claims, err := ValidateToken(h.jwtSecret, raw)
		switch {
		case err != nil:
			httputil.WriteError(w, http.StatusUnauthorized, "invalid token")
		case claims.TokenType != TypeAccess:
			httputil.WriteError(w, http.StatusUnauthorized, "invalid token type")
		default:
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), claims.UserID)))
		}
	})
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}

// startSession issues an access token and a tracked refresh token for userID,
// sets the refresh cookie and writes the access token with status.
func (h *Handler) startSession(ctx context.Context, w http.ResponseWriter, status int, userID string) {
	tokenID, err := newTokenID()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}
	expiresAt := h.clock.Now().Add(RefreshTokenDuration)
	if _, err := h.db.Exec(ctx,
		"INSERT INTO refresh_tokens (token_id, user_id, expires_at, revoked) VALUES ($1, $2, $3, false)",
		tokenID, userID, expiresAt); err != nil {
		h.logger.Error("auth: store refresh token failed", "user_id", userID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	access, err := GenerateAccessToken(h.jwtSecret, userID, h.accessTTL)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}
	refresh, err := GenerateRefreshToken(h.jwtSecret, userID, tokenID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	http.SetCookie(w, h.refreshCookie(refresh, int(RefreshTokenDuration/time.Second)))
	httputil.WriteJSON(w, status, tokenResponse{AccessToken: access})
}

func (h *Handler) refreshCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Path:     refreshCookiePath,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAge,
	}
}

// refreshClaims returns the claims of a well-formed refresh token cookie.
func (h *Handler) refreshClaims(r *http.Request) (*Claims, bool) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil {
		return nil, false
	}
	claims, err := ValidateToken(h.jwtSecret, cookie.Value)
	if err != nil || claims.TokenType != TypeRefresh || claims.TokenID == "" {
		return nil, false
	}
	return claims, true
}

func (h *Handler) checkRefreshToken(ctx context.Context, claims *Claims) error {
	var revoked bool
	var expiresAt time.Time
	err := h.db.QueryRow(ctx,
		"SELECT revoked, expires_at FROM refresh_tokens WHERE token_id = $1 AND user_id = $2",
		claims.TokenID, claims.UserID,
	).Scan(&revoked, &expiresAt)
	if err != nil {
		return err
	}
	if revoked || !h.clock.Now().Before(expiresAt) {
		return errRefreshRejected
	}
	return nil
}

func (h *Handler) revokeRefreshToken(ctx context.Context, tokenID string) error {
	_, err := h.db.Exec(ctx, "UPDATE refresh_tokens SET revoked = true, revoked_at = now() WHERE token_id = $1", tokenID)
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newTokenID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

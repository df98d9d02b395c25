package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/GoCodeAlone/dashboard/audit"
	"github.com/GoCodeAlone/dashboard/cache"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 8

var errInactive = errors.New("user inactive")

// AuthHandler serves the /api/v1/auth endpoints. Tokens are stateless JWTs;
// logout and refresh rotation revoke token ids through the cache.
type AuthHandler struct {
	users   store.UserStore
	tokens  *tokenSigner
	revoked revocations
	audit   *audit.Logger
	logger  *slog.Logger
}

func NewAuthHandler(users store.UserStore, revocationStore cache.Store, auditLog *audit.Logger, logger *slog.Logger, secret []byte, issuer string, accessTTL, refreshTTL time.Duration) *AuthHandler {
	if accessTTL == 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL == 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &AuthHandler{
		users:   users,
		tokens:  newTokenSigner(secret, issuer, accessTTL, refreshTTL),
		revoked: revocations{store: revocationStore, logger: logger},
		audit:   auditLog,
		logger:  logger,
	}
}

// validPassword enforces the minimum length in characters, not bytes.
func validPassword(w http.ResponseWriter, pw string) bool {
	if utf8.RuneCountInString(pw) < minPasswordLen {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("password must be at least %d characters", minPasswordLen))
		return false
	}
	return true
}

func hashPassword(pw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// respondTokens issues a token pair for u and writes it with status.
func (h *AuthHandler) respondTokens(w http.ResponseWriter, r *http.Request, status int, u *store.User) {
	pair, err := h.tokens.issue(u.ID, u.Email)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, status, pair)
}

// Register handles POST /api/v1/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"` //nolint:gosec // G117: request DTO field
		DisplayName string `json:"display_name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		WriteError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if addr, err := mail.ParseAddress(req.Email); err != nil || addr.Address != req.Email {
		WriteError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if !validPassword(w, req.Password) {
		return
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	user := &store.User{
		ID:           uuid.New(),
		Email:        req.Email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		Active:       true,
	}
	switch err := h.users.Create(r.Context(), user); {
	case errors.Is(err, store.ErrDuplicate):
		WriteError(w, http.StatusConflict, "email already registered")
		return
	case err != nil:
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.audit.LogAuth(r.Context(), "register", user.Email, &user.ID, realIP(r), true, "")
	h.respondTokens(w, r, http.StatusCreated, user)
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"` //nolint:gosec // G117: request DTO field
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	user, err := h.users.GetByEmail(r.Context(), req.Email)
	if err == nil && user.Active {
		err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password))
	} else if err == nil {
		err = errInactive
	}
	if err != nil {
		h.audit.LogAuth(r.Context(), "login", req.Email, nil, realIP(r), false, "invalid credentials")
		WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := time.Now()
	user.LastLoginAt = &now
	if err := h.users.Update(r.Context(), user); err != nil {
		h.logger.Warn("record last login failed", "user_id", user.ID, "error", err)
	}
	h.audit.LogAuth(r.Context(), "login", user.Email, &user.ID, realIP(r), true, "")
	h.respondTokens(w, r, http.StatusOK, user)
}

// Refresh handles POST /api/v1/auth/refresh. The presented refresh token is
// revoked so each one can be used once.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"` //nolint:gosec // G117: request DTO field
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	user, claims, err := h.redeem(r.Context(), req.RefreshToken)
	if err != nil {
		h.logger.Debug("refresh rejected", "error", err)
		WriteError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	if err := h.revoked.revoke(r.Context(), claims.ID, claims.ExpiresAt); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.respondTokens(w, r, http.StatusOK, user)
}

// redeem validates a refresh token that has not been used yet and loads its
// active owner.
func (h *AuthHandler) redeem(ctx context.Context, raw string) (*store.User, *sessionClaims, error) {
	claims, err := h.tokens.verify(raw, refreshToken)
	if err != nil {
		return nil, nil, err
	}
	if claims.ID == "" {
		return nil, nil, jwt.ErrTokenInvalidId
	}
	if err := h.revoked.check(ctx, claims.ID); err != nil {
		return nil, nil, err
	}
	id, err := claims.userID()
	if err != nil {
		return nil, nil, err
	}
	user, err := h.users.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !user.Active {
		return nil, nil, errInactive
	}
	return user, claims, nil
}

// Logout handles POST /api/v1/auth/logout. The access token used for the
// request is revoked until it expires, as is the refresh token when given.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token"` //nolint:gosec // G117: request DTO field
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	revoke := []*sessionClaims{sessionFromContext(r.Context())}
	if req.RefreshToken != "" {
		// A refresh token of another user is ignored rather than rejected.
		if c, err := h.tokens.verify(req.RefreshToken, refreshToken); err == nil && c.Subject == user.ID.String() {
			revoke = append(revoke, c)
		}
	}
	for _, c := range revoke {
		if c == nil {
			continue
		}
		if err := h.revoked.revoke(r.Context(), c.ID, c.ExpiresAt); err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
	}
	h.audit.LogAuth(r.Context(), "logout", user.Email, &user.ID, realIP(r), true, "")
	WriteJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// Me handles GET /api/v1/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

// UpdateMe handles PUT /api/v1/auth/me. Changing the password requires the
// current one.
func (h *AuthHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		DisplayName     *string `json:"display_name"`
		AvatarURL       *string `json:"avatar_url"`
		CurrentPassword string  `json:"current_password"` //nolint:gosec // G117: request DTO field
		NewPassword     string  `json:"new_password"`     //nolint:gosec // G117: request DTO field
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DisplayName != nil {
		user.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.AvatarURL != nil {
		user.AvatarURL = strings.TrimSpace(*req.AvatarURL)
	}
	if req.NewPassword != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)); err != nil {
			h.audit.LogAuth(r.Context(), "password_change", user.Email, &user.ID, realIP(r), false, "wrong current password")
			WriteError(w, http.StatusForbidden, "current password is incorrect")
			return
		}
		if !validPassword(w, req.NewPassword) {
			return
		}
		hash, err := hashPassword(req.NewPassword)
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		user.PasswordHash = hash
		h.audit.LogAuth(r.Context(), "password_change", user.Email, &user.ID, realIP(r), true, "")
	}
	if err := h.users.Update(r.Context(), user); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

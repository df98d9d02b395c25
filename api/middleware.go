package api

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/GoCodeAlone/dashboard/cache"
	"github.com/GoCodeAlone/dashboard/metrics"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Middleware authenticates API requests and rate limits the auth
// endpoints.
type Middleware struct {
	tokens  *tokenSigner
	revoked revocations
	users   store.UserStore
	logger  *slog.Logger
	limiter *clientLimiter
}

// NewMiddleware verifies tokens signed with jwtSecret by issuer. revocationStore
// holds the ids of access tokens revoked before expiry; nil disables logout
// revocation.
func NewMiddleware(jwtSecret []byte, issuer string, users store.UserStore, revocationStore cache.Store, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		tokens:  newTokenSigner(jwtSecret, issuer, 0, 0),
		revoked: revocations{store: revocationStore, logger: logger},
		users:   users,
		logger:  logger,
	}
}

// RequireAuth admits requests carrying a valid, unrevoked access token of an
// active user and answers 401 otherwise.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, claims, err := m.authenticate(r)
		if err != nil {
			m.logger.Debug("authentication failed", "path", r.URL.Path, "error", err)
			WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := setSession(SetUserContext(r.Context(), user), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimit limits each client address to requestsPerMinute, 10 when zero.
// All routes wrapped by one Middleware share the buckets; Stop releases the
// sweeper.
func (m *Middleware) RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 10
	}
	if m.limiter == nil {
		m.limiter = newClientLimiter(requestsPerMinute)
	}
	return m.limiter.handler
}

func (m *Middleware) Stop() {
	if m.limiter != nil {
		m.limiter.stop()
	}
}

// bearerToken returns the Bearer token of r. WebSocket upgrades may pass it
// as the access_token query parameter since browsers cannot set headers on
// them.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if websocket.IsWebSocketUpgrade(r) {
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				return tok, true
			}
		}
		return "", false
	}
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		return "", false
	}
	return tok, true
}

func (m *Middleware) authenticate(r *http.Request) (*store.User, *sessionClaims, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return nil, nil, jwt.ErrTokenMalformed
	}
	claims, err := m.tokens.verify(raw, accessToken)
	if err != nil {
		return nil, nil, err
	}
	if claims.ID != "" {
		if err := m.revoked.check(r.Context(), claims.ID); err != nil {
			return nil, nil, err
		}
	}
	id, err := claims.userID()
	if err != nil {
		return nil, nil, err
	}
	user, err := m.users.Get(r.Context(), id)
	if err != nil {
		return nil, nil, err
	}
	if !user.Active {
		return nil, nil, errInactive
	}
	return user, claims, nil
}

// RequestID assigns every request an id, echoing it in X-Request-ID. A
// well-formed incoming X-Request-ID is kept.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get("X-Request-ID"))
		if err != nil {
			id = uuid.New()
		}
		w.Header().Set("X-Request-ID", id.String())
		next.ServeHTTP(w, r.WithContext(SetRequestID(r.Context(), id)))
	})
}

// Logging logs one line per request. It must sit inside RequestID and pass
// the request unchanged toward the ServeMux so the matched pattern is
// visible after the handler returns.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			status := metrics.Serve(next, w, r)

			route := r.Pattern
			if route == "" {
				route = r.URL.Path
			}
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case r.Pattern == "GET /healthz", r.Pattern == "GET /readyz":
				level = slog.LevelDebug
			}
			attrs := []any{
				"method", r.Method,
				"route", route,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFromContext(r.Context()),
			}
			if tid := r.PathValue("tid"); tid != "" {
				attrs = append(attrs, "tenant", tid)
			}
			logger.Log(r.Context(), level, "http request", attrs...)
		})
	}
}

// Recover turns handler panics into 500 responses.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					logger.Error("handler panic",
						"panic", v,
						"path", r.URL.Path,
						"stack", string(debug.Stack()))
					WriteError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// limitBody caps request bodies at n bytes.
func limitBody(n int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, n)
		}
		next.ServeHTTP(w, r)
	})
}

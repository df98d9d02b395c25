package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/dashboard/cache"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	accessToken  = "access"
	refreshToken = "refresh"
)

var (
	errTokenKind    = errors.New("wrong token type")
	errTokenRevoked = errors.New("token revoked")
)

// sessionClaims is the payload of both token kinds. Email is only set on
// access tokens.
type sessionClaims struct {
	Kind  string `json:"type"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// userID returns the subject as a user id.
func (c *sessionClaims) userID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject %q", jwt.ErrTokenInvalidSubject, c.Subject)
	}
	return id, nil
}

// tokenResponse is the body returned by register, login and refresh.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`  //nolint:gosec // G117: token response field
	RefreshToken string `json:"refresh_token"` //nolint:gosec // G117: token response field
	ExpiresIn    int64  `json:"expires_in"`
}

// tokenSigner issues and verifies HS256 session tokens.
type tokenSigner struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	parser     *jwt.Parser
}

func newTokenSigner(secret []byte, issuer string, accessTTL, refreshTTL time.Duration) *tokenSigner {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &tokenSigner{
		secret:     secret,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		parser:     jwt.NewParser(opts...),
	}
}

func (s *tokenSigner) sign(c sessionClaims, now time.Time, ttl time.Duration) (string, error) {
	c.ID = uuid.NewString()
	c.Issuer = s.issuer
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// issue returns a fresh access and refresh token for the user.
func (s *tokenSigner) issue(userID uuid.UUID, email string) (*tokenResponse, error) {
	now := time.Now()
	sub := jwt.RegisteredClaims{Subject: userID.String()}
	access, err := s.sign(sessionClaims{Kind: accessToken, Email: email, RegisteredClaims: sub}, now, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := s.sign(sessionClaims{Kind: refreshToken, RegisteredClaims: sub}, now, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &tokenResponse{AccessToken: access, RefreshToken: refresh, ExpiresIn: int64(s.accessTTL.Seconds())}, nil
}

// verify checks the signature, issuer and expiry of raw and that it is of
// the given kind.
func (s *tokenSigner) verify(raw, kind string) (*sessionClaims, error) {
	c := new(sessionClaims)
	if _, err := s.parser.ParseWithClaims(raw, c, func(*jwt.Token) (any, error) { return s.secret, nil }); err != nil {
		return nil, err
	}
	if c.Kind != kind {
		return nil, errTokenKind
	}
	return c, nil
}

// revocations records token ids revoked before their expiry. A nil store
// disables revocation.
type revocations struct {
	store  cache.Store
	logger *slog.Logger
}

func revocationKey(jti string) string { return "revoked:" + jti }

// revoke remembers jti until the token would have expired anyway.
func (r revocations) revoke(ctx context.Context, jti string, exp *jwt.NumericDate) error {
	if r.store == nil || jti == "" || exp == nil {
		return nil
	}
	ttl := time.Until(exp.Time)
	if ttl <= 0 {
		return nil
	}
	return r.store.Set(ctx, revocationKey(jti), []byte{1}, ttl)
}

// check returns errTokenRevoked for a revoked id. A failed lookup is
// returned as an error so callers reject the token.
func (r revocations) check(ctx context.Context, jti string) error {
	if r.store == nil {
		return nil
	}
	_, err := r.store.Get(ctx, revocationKey(jti))
	switch {
	case err == nil:
		return errTokenRevoked
	case errors.Is(err, cache.ErrMiss):
		return nil
	default:
		r.logger.Error("token revocation lookup failed", "error", err)
		return fmt.Errorf("revocation lookup: %w", err)
	}
}

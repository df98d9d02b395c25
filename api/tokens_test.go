package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoCodeAlone/dashboard/cache"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestTokenSignerRoundTrip(t *testing.T) {
	s := newTokenSigner([]byte(testSecret), "test", time.Minute, time.Hour)
	id := uuid.New()
	pair, err := s.issue(id, "a@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.ExpiresIn != 60 {
		t.Errorf("expected expires_in 60, got %d", pair.ExpiresIn)
	}

	c, err := s.verify(pair.AccessToken, accessToken)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if got, _ := c.userID(); got != id || c.Email != "a@example.com" || c.ID == "" {
		t.Errorf("unexpected access claims %+v", c)
	}
	if _, err := s.verify(pair.AccessToken, refreshToken); !errors.Is(err, errTokenKind) {
		t.Errorf("expected an access token rejected as refresh, got %v", err)
	}

	r, err := s.verify(pair.RefreshToken, refreshToken)
	if err != nil {
		t.Fatalf("verify refresh: %v", err)
	}
	if r.Email != "" {
		t.Error("expected no email on the refresh token")
	}
	if r.ID == c.ID {
		t.Error("expected distinct token ids")
	}
}

func TestTokenSignerRejects(t *testing.T) {
	s := newTokenSigner([]byte(testSecret), "test", time.Minute, time.Hour)
	other := newTokenSigner([]byte("another-secret-of-sufficient-len"), "test", time.Minute, time.Hour)
	pair, _ := other.issue(uuid.New(), "a@example.com")
	if _, err := s.verify(pair.AccessToken, accessToken); err == nil {
		t.Error("expected a foreign signature rejected")
	}

	expired := newTokenSigner([]byte(testSecret), "test", -time.Minute, time.Hour)
	pair, _ = expired.issue(uuid.New(), "a@example.com")
	if _, err := s.verify(pair.AccessToken, accessToken); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("expected an expired token rejected, got %v", err)
	}

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": uuid.NewString(), "type": accessToken, "iss": "test",
	}).SignedString([]byte(testSecret))
	if _, err := s.verify(noExp, accessToken); err == nil {
		t.Error("expected a token without expiry rejected")
	}
}

func TestRevocations(t *testing.T) {
	ctx := context.Background()
	r := revocations{store: cache.NewMemory(cache.Config{}), logger: quietLogger()}

	if err := r.check(ctx, "jti-1"); err != nil {
		t.Fatalf("expected unknown id accepted, got %v", err)
	}
	if err := r.revoke(ctx, "jti-1", jwt.NewNumericDate(time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := r.check(ctx, "jti-1"); !errors.Is(err, errTokenRevoked) {
		t.Errorf("expected errTokenRevoked, got %v", err)
	}

	// Already expired tokens are not stored.
	if err := r.revoke(ctx, "jti-2", jwt.NewNumericDate(time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := r.check(ctx, "jti-2"); err != nil {
		t.Errorf("expected expired id ignored, got %v", err)
	}

	var disabled revocations
	if err := disabled.revoke(ctx, "x", jwt.NewNumericDate(time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := disabled.check(ctx, "x"); err != nil {
		t.Errorf("expected disabled revocation to accept, got %v", err)
	}
}

func TestClientLimiter(t *testing.T) {
	l := newClientLimiter(2)
	defer l.stop()
	now := time.Now()

	if l.wait("a", now) != 0 || l.wait("a", now) != 0 {
		t.Fatal("expected the burst admitted")
	}
	if d := l.wait("a", now); d <= 0 {
		t.Fatal("expected the third request delayed")
	}
	if l.wait("b", now) != 0 {
		t.Error("expected clients limited independently")
	}
	// A refused request does not consume a token: half a minute later one
	// token is back.
	if l.wait("a", now.Add(30*time.Second)) != 0 {
		t.Error("expected a token refilled after 30s")
	}

	l.sweep(now.Add(time.Hour))
	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("expected idle buckets swept, %d left", n)
	}
}

package api

import (
	"context"

	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
)

type contextKey int

const (
	contextKeyUser contextKey = iota
	contextKeyRequestID
	contextKeySession
)

func SetUserContext(ctx context.Context, u *store.User) context.Context {
	return context.WithValue(ctx, contextKeyUser, u)
}

// UserFromContext extracts the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *store.User {
	u, _ := ctx.Value(contextKeyUser).(*store.User)
	return u
}

// userID adapts UserFromContext to tenant.Resolver.
func userID(ctx context.Context) (uuid.UUID, bool) {
	if u := UserFromContext(ctx); u != nil {
		return u.ID, true
	}
	return uuid.Nil, false
}

func SetRequestID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, id)
}

// RequestIDFromContext returns the id assigned by RequestID, or uuid.Nil.
func RequestIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(contextKeyRequestID).(uuid.UUID)
	return id
}

func setSession(ctx context.Context, c *sessionClaims) context.Context {
	return context.WithValue(ctx, contextKeySession, c)
}

// sessionFromContext returns the claims of the access token the request was
// authenticated with, or nil.
func sessionFromContext(ctx context.Context) *sessionClaims {
	c, _ := ctx.Value(contextKeySession).(*sessionClaims)
	return c
}

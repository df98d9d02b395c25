// Package media stores the images and videos attached to planned posts.
// Assets are scoped by tenant and identified by a flat key.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("media not found")
	ErrInvalidKey      = errors.New("invalid media key")
	ErrTooLarge        = errors.New("media too large")
	ErrUnsupportedType = errors.New("unsupported media type")
)

// Store defines the interface for media storage backends.
type Store interface {
	// Put stores the reader's content under key, replacing any existing
	// asset. The SHA-256 checksum is computed while storing.
	Put(ctx context.Context, tenantID uuid.UUID, key, contentType string, r io.Reader) (Asset, error)

	// Get opens an asset. The caller closes the returned ReadCloser.
	Get(ctx context.Context, tenantID uuid.UUID, key string) (io.ReadCloser, Asset, error)

	// Stat returns an asset's metadata.
	Stat(ctx context.Context, tenantID uuid.UUID, key string) (Asset, error)

	// List returns the tenant's assets sorted by key.
	List(ctx context.Context, tenantID uuid.UUID) ([]Asset, error)

	Delete(ctx context.Context, tenantID uuid.UUID, key string) error
}

// Asset is the metadata of a stored media object.
type Asset struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"` // SHA-256 hex digest
	CreatedAt   time.Time `json:"created_at"`
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateKey rejects keys that could escape the tenant's scope.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Policy limits what can be uploaded.
type Policy struct {
	// MaxSize is the largest accepted upload in bytes.
	MaxSize int64 `yaml:"max_size"`
	// Types maps each accepted content type to the key extension used for it.
	Types map[string]string `yaml:"types"`
}

// DefaultPolicy accepts common web image and video formats up to 50 MiB.
func DefaultPolicy() Policy {
	return Policy{
		MaxSize: 50 << 20,
		Types: map[string]string{
			"image/jpeg":      ".jpg",
			"image/png":       ".png",
			"image/gif":       ".gif",
			"image/webp":      ".webp",
			"video/mp4":       ".mp4",
			"video/webm":      ".webm",
			"video/quicktime": ".mov",
		},
	}
}

// Service validates uploads and stores them.
type Service struct {
	store  Store
	policy Policy
	logger *slog.Logger
}

// NewService creates a Service. A zero policy is replaced by DefaultPolicy.
func NewService(store Store, policy Policy, logger *slog.Logger) *Service {
	def := DefaultPolicy()
	if policy.MaxSize <= 0 {
		policy.MaxSize = def.MaxSize
	}
	if len(policy.Types) == 0 {
		policy.Types = def.Types
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, policy: policy, logger: logger}
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Upload stores r under a generated key. The content type is sniffed from
// the first bytes; the declared type is used only when sniffing is
// inconclusive. Uploads over the size limit fail with ErrTooLarge.
func (s *Service) Upload(ctx context.Context, tenantID uuid.UUID, declaredType string, r io.Reader) (Asset, error) {
	br := bufio.NewReaderSize(r, 512)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return Asset{}, fmt.Errorf("read upload: %w", err)
	}
	if len(head) == 0 {
		return Asset{}, fmt.Errorf("%w: empty upload", ErrUnsupportedType)
	}

	contentType, ext, err := s.resolveType(declaredType, head)
	if err != nil {
		return Asset{}, err
	}

	lr := &limitReader{r: br, remaining: s.policy.MaxSize}
	key := uuid.NewString() + ext
	asset, err := s.store.Put(ctx, tenantID, key, contentType, lr)
	if err != nil {
		if lr.exceeded {
			_ = s.store.Delete(ctx, tenantID, key)
			return Asset{}, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.policy.MaxSize)
		}
		return Asset{}, err
	}
	s.logger.Info("media uploaded", "tenant_id", tenantID, "key", key, "content_type", contentType, "size", asset.Size)
	return asset, nil
}

func (s *Service) resolveType(declared string, head []byte) (string, string, error) {
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(head))
	if ext, ok := s.policy.Types[sniffed]; ok {
		return sniffed, ext, nil
	}
	declared, _, _ = mime.ParseMediaType(strings.TrimSpace(declared))
	if sniffed == "application/octet-stream" {
		if ext, ok := s.policy.Types[declared]; ok {
			return declared, ext, nil
		}
	}
	if declared == "" {
		declared = sniffed
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnsupportedType, declared)
}

// limitReader fails once more than remaining bytes have been read.
type limitReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitReader) Read(p []byte) (int, error) {
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		l.exceeded = true
		return n, ErrTooLarge
	}
	return n, err
}

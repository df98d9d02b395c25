package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const metaDir = ".meta"

// LocalStore implements Store on the local filesystem. Objects live under
// {baseDir}/{tenantID}/{key}; metadata is kept next to them in
// {baseDir}/{tenantID}/.meta/{key}.json so it survives restarts.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a LocalStore rooted at baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

func (s *LocalStore) tenantDir(tenantID uuid.UUID) string {
	return filepath.Join(s.baseDir, tenantID.String())
}

func (s *LocalStore) paths(tenantID uuid.UUID, key string) (data, meta string, err error) {
	if err := ValidateKey(key); err != nil {
		return "", "", err
	}
	if !filepath.IsLocal(key) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	dir := s.tenantDir(tenantID)
	return filepath.Join(dir, key), filepath.Join(dir, metaDir, key+".json"), nil
}

// Put writes the object to a temporary file and renames it into place once
// fully written.
func (s *LocalStore) Put(_ context.Context, tenantID uuid.UUID, key, contentType string, r io.Reader) (Asset, error) {
	dataPath, metaPath, err := s.paths(tenantID, key)
	if err != nil {
		return Asset{}, err
	}
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o750); err != nil {
		return Asset{}, fmt.Errorf("create media directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".upload-*")
	if err != nil {
		return Asset{}, fmt.Errorf("create media file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Asset{}, fmt.Errorf("write media: %w", err)
	}

	asset := Asset{
		Key:         key,
		ContentType: contentType,
		Size:        size,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt:   time.Now().UTC(),
	}
	meta, err := json.Marshal(asset)
	if err != nil {
		return Asset{}, fmt.Errorf("marshal media metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return Asset{}, fmt.Errorf("store media: %w", err)
	}
	if err := os.WriteFile(metaPath, meta, 0o640); err != nil {
		return Asset{}, fmt.Errorf("write media metadata: %w", err)
	}
	return asset, nil
}

// Get opens a stored object.
func (s *LocalStore) Get(ctx context.Context, tenantID uuid.UUID, key string) (io.ReadCloser, Asset, error) {
	asset, err := s.Stat(ctx, tenantID, key)
	if err != nil {
		return nil, Asset{}, err
	}
	dataPath, _, _ := s.paths(tenantID, key)
	f, err := os.Open(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Asset{}, ErrNotFound
	}
	if err != nil {
		return nil, Asset{}, fmt.Errorf("open media: %w", err)
	}
	return f, asset, nil
}

func (s *LocalStore) Stat(_ context.Context, tenantID uuid.UUID, key string) (Asset, error) {
	_, metaPath, err := s.paths(tenantID, key)
	if err != nil {
		return Asset{}, err
	}
	return readMeta(metaPath)
}

func readMeta(path string) (Asset, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("read media metadata: %w", err)
	}
	var a Asset
	if err := json.Unmarshal(b, &a); err != nil {
		return Asset{}, fmt.Errorf("decode media metadata: %w", err)
	}
	return a, nil
}

// List returns all assets of a tenant, sorted by key.
func (s *LocalStore) List(_ context.Context, tenantID uuid.UUID) ([]Asset, error) {
	dir := filepath.Join(s.tenantDir(tenantID), metaDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Asset{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	assets := make([]Asset, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		a, err := readMeta(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Key < assets[j].Key })
	return assets, nil
}

// Delete removes an object and its metadata.
func (s *LocalStore) Delete(_ context.Context, tenantID uuid.UUID, key string) error {
	dataPath, metaPath, err := s.paths(tenantID, key)
	if err != nil {
		return err
	}
	if err := os.Remove(metaPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete media metadata: %w", err)
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete media: %w", err)
	}
	return nil
}

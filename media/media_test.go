package media

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	tenant, other := uuid.New(), uuid.New()

	content := []byte("hello media content")
	asset, err := s.Put(ctx, tenant, "b.png", "image/png", bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), asset.Size)
	assert.Equal(t, checksum(content), asset.Checksum)
	_, err = s.Put(ctx, tenant, "a.jpg", "image/jpeg", strings.NewReader("jpeg"))
	require.NoError(t, err)

	rc, got, err := s.Get(ctx, tenant, "b.png")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content, data)
	assert.Equal(t, "image/png", got.ContentType)
	assert.Equal(t, asset.Checksum, got.Checksum)

	list, err := s.List(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.jpg", list[0].Key)
	assert.Equal(t, "b.png", list[1].Key)

	// Other tenants see nothing.
	list, err = s.List(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, list)
	_, _, err = s.Get(ctx, other, "b.png")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, tenant, "b.png"))
	_, err = s.Stat(ctx, tenant, "b.png")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, tenant, "b.png"), ErrNotFound)

	for _, key := range []string{"../escape", "..", "a/b", ".hidden", "", "a..b"} {
		_, err := s.Put(ctx, tenant, key, "image/png", strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestLocalStore(t *testing.T) {
	exerciseStore(t, NewLocalStore(t.TempDir()))
}

func TestLocalStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	tenant := uuid.New()
	_, err := NewLocalStore(dir).Put(context.Background(), tenant, "k.png", "image/png", strings.NewReader("x"))
	require.NoError(t, err)

	list, err := NewLocalStore(dir).List(context.Background(), tenant)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "image/png", list[0].ContentType)
}

func TestServiceUpload(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	svc := NewService(NewLocalStore(t.TempDir()), Policy{MaxSize: 64}, nil)

	asset, err := svc.Upload(ctx, tenant, "application/octet-stream", bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.Equal(t, "image/png", asset.ContentType)
	assert.True(t, strings.HasSuffix(asset.Key, ".png"))

	// Sniffing wins over the declared type.
	_, err = svc.Upload(ctx, tenant, "image/png", strings.NewReader("just some text"))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = svc.Upload(ctx, tenant, "image/png", bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	big := append(append([]byte{}, pngHeader...), make([]byte, 100)...)
	_, err = svc.Upload(ctx, tenant, "image/png", bytes.NewReader(big))
	assert.ErrorIs(t, err, ErrTooLarge)

	list, err := svc.Store().List(ctx, tenant)
	require.NoError(t, err)
	assert.Len(t, list, 1, "oversized uploads are not kept")
}

// fakeS3 is a minimal path-style S3 endpoint holding objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	data   []byte
	header http.Header
	mod    time.Time
}

type listResult struct {
	XMLName     xml.Name    `xml:"ListBucketResult"`
	Name        string      `xml:"Name"`
	Prefix      string      `xml:"Prefix"`
	KeyCount    int         `xml:"KeyCount"`
	IsTruncated bool        `xml:"IsTruncated"`
	Contents    []listEntry `xml:"Contents"`
}

type listEntry struct {
	Key          string `xml:"Key"`
	Size         int    `xml:"Size"`
	LastModified string `xml:"LastModified"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")

	if key == "" && r.Method == http.MethodGet {
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: bucket, Prefix: prefix}
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			o := f.objects[k]
			res.Contents = append(res.Contents, listEntry{k, len(o.data), o.mod.Format(time.RFC3339)})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)
		return
	}

	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		h := http.Header{}
		h.Set("Content-Type", r.Header.Get("Content-Type"))
		for name, v := range r.Header {
			if strings.HasPrefix(strings.ToLower(name), "x-amz-meta-") {
				h[name] = v
			}
		}
		f.objects[key] = fakeObject{data: data, header: h, mod: time.Now().UTC()}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		o, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			}
			return
		}
		for name, v := range o.header {
			w.Header()[name] = v
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(o.data)))
		w.Header().Set("Last-Modified", o.mod.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(o.data)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Store(t *testing.T) {
	srv := httptest.NewServer(&fakeS3{objects: map[string]fakeObject{}})
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                credentials.NewStaticCredentialsProvider("key", "secret", ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	exerciseStore(t, NewS3Store(client, "media-bucket", "dev"))
}

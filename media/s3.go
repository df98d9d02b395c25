package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// S3Config configures the S3 client used by S3Store.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint selects an S3-compatible service (MinIO, LocalStack) and
	// switches to path-style addressing.
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// NewS3Client builds an S3 client from the default AWS credential chain,
// or from static keys when they are set.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// S3Store implements Store on an S3-compatible backend. Objects are stored
// under {prefix}/media/{tenantID}/{key} with the checksum in object metadata.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates a new S3Store.
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) tenantPrefix(tenantID uuid.UUID) string {
	return path.Join(s.prefix, "media", tenantID.String()) + "/"
}

func (s *S3Store) objectKey(tenantID uuid.UUID, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return s.tenantPrefix(tenantID) + key, nil
}

// Put buffers the content to compute its checksum before uploading, so the
// body sent to S3 is seekable and has a known length.
func (s *S3Store) Put(ctx context.Context, tenantID uuid.UUID, key, contentType string, r io.Reader) (Asset, error) {
	objectKey, err := s.objectKey(tenantID, key)
	if err != nil {
		return Asset{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Asset{}, fmt.Errorf("read media: %w", err)
	}
	asset := Asset{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Checksum:    checksum(data),
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &objectKey,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(asset.Size),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			"checksum":   asset.Checksum,
			"size":       strconv.FormatInt(asset.Size, 10),
			"created-at": asset.CreatedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return Asset{}, fmt.Errorf("put media to S3: %w", err)
	}
	return asset, nil
}

// Get retrieves an object from S3.
func (s *S3Store) Get(ctx context.Context, tenantID uuid.UUID, key string) (io.ReadCloser, Asset, error) {
	objectKey, err := s.objectKey(tenantID, key)
	if err != nil {
		return nil, Asset{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &objectKey})
	if err != nil {
		return nil, Asset{}, mapS3Error("get media from S3", err)
	}
	asset := assetFromHeaders(key, out.ContentType, out.ContentLength, out.Metadata, out.LastModified)
	return out.Body, asset, nil
}

func (s *S3Store) Stat(ctx context.Context, tenantID uuid.UUID, key string) (Asset, error) {
	objectKey, err := s.objectKey(tenantID, key)
	if err != nil {
		return Asset{}, err
	}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &objectKey})
	if err != nil {
		return Asset{}, mapS3Error("head media", err)
	}
	return assetFromHeaders(key, head.ContentType, head.ContentLength, head.Metadata, head.LastModified), nil
}

// List returns all assets of a tenant by listing the objects under the
// tenant prefix and reading each one's metadata.
func (s *S3Store) List(ctx context.Context, tenantID uuid.UUID) ([]Asset, error) {
	prefix := s.tenantPrefix(tenantID)
	assets := []Asset{}
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list media from S3: %w", err)
		}
		for _, obj := range page.Contents {
			key := path.Base(aws.ToString(obj.Key))
			if ValidateKey(key) != nil {
				continue
			}
			a, err := s.Stat(ctx, tenantID, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Key < assets[j].Key })
	return assets, nil
}

// Delete removes an object. S3 deletes are idempotent, so the object is
// looked up first to report ErrNotFound.
func (s *S3Store) Delete(ctx context.Context, tenantID uuid.UUID, key string) error {
	if _, err := s.Stat(ctx, tenantID, key); err != nil {
		return err
	}
	objectKey, _ := s.objectKey(tenantID, key)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &objectKey}); err != nil {
		return fmt.Errorf("delete media from S3: %w", err)
	}
	return nil
}

func assetFromHeaders(key string, contentType *string, size *int64, meta map[string]string, modified *time.Time) Asset {
	a := Asset{
		Key:         key,
		ContentType: aws.ToString(contentType),
		Size:        aws.ToInt64(size),
		Checksum:    meta["checksum"],
	}
	if ts, ok := meta["created-at"]; ok {
		a.CreatedAt, _ = time.Parse(time.RFC3339, ts)
	}
	if a.CreatedAt.IsZero() && modified != nil {
		a.CreatedAt = modified.UTC()
	}
	if a.Size == 0 {
		if n, err := strconv.ParseInt(meta["size"], 10, 64); err == nil {
			a.Size = n
		}
	}
	return a
}

func mapS3Error(op string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Package archive uploads audit exports to S3-compatible object storage (R2)
// and hands back pre-signed download URLs.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/onnwee/complianced/internal/audit"
	"github.com/onnwee/complianced/internal/tracing"
)

// Metadata keys stored on every archived object.
const (
	MetadataSHA256  = "sha256"
	MetadataService = "service"
	MetadataFormat  = "format"
)

var (
	// ErrInvalidServiceName is returned when the service name has no usable characters.
	ErrInvalidServiceName = errors.New("invalid service name")
	// ErrEmptyExport is returned when the exporter produced no bytes.
	ErrEmptyExport = errors.New("export produced no data")
)

// Exporter produces an audit export. *audit.Chain satisfies it.
type Exporter interface {
	Export(opts audit.ExportOptions) ([]byte, error)
}

// objectAPI is the subset of *s3.Client the service uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// presignAPI is the subset of *s3.PresignClient the service uses.
type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Object describes an archived export.
type Object struct {
	Bucket    string             `json:"bucket"`
	Key       string             `json:"key"`
	Format    audit.ExportFormat `json:"format"`
	SHA256    string             `json:"sha256"`
	SizeBytes int64              `json:"size_bytes"`
	URL       string             `json:"url"`        // Pre-signed GET URL
	ExpiresAt time.Time          `json:"expires_at"` // URL expiration time
}

// Service archives audit exports to a bucket.
type Service struct {
	objects     objectAPI
	presigner   presignAPI
	bucketName  string
	serviceName string
	urlExpiry   time.Duration
	timeNow     func() time.Time // For testability
	newID       func() string
}

// ServiceConfig holds configuration for the archive service.
type ServiceConfig struct {
	BucketName       string
	AccessKeyID      string
	SecretAccessKey  string
	Endpoint         string
	Region           string // Default: "auto" (R2)
	ServiceName      string // First key segment below audit/
	URLExpiryMinutes int    // Default: 15 minutes
}

// Enabled reports whether enough is configured to build a service.
func (c ServiceConfig) Enabled() bool {
	return c.BucketName != ""
}

// NewService creates a new archive service with the given configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if sanitizePathComponent(cfg.ServiceName) == "" {
		return nil, ErrInvalidServiceName
	}

	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if cfg.URLExpiryMinutes <= 0 {
		cfg.URLExpiryMinutes = 15
	}

	s3Client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	return newService(s3Client, s3.NewPresignClient(s3Client), cfg.BucketName, cfg.ServiceName,
		time.Duration(cfg.URLExpiryMinutes)*time.Minute), nil
}

func newService(objects objectAPI, presigner presignAPI, bucket, serviceName string, expiry time.Duration) *Service {
	return &Service{
		objects:     objects,
		presigner:   presigner,
		bucketName:  bucket,
		serviceName: sanitizePathComponent(serviceName),
		urlExpiry:   expiry,
		timeNow:     time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

// BucketName returns the bucket exports are written to.
func (s *Service) BucketName() string {
	return s.bucketName
}

// ObjectKey builds the key for an export created at t.
// Pattern: audit/{service}/{yyyy}/{mm}/{uuid}.{ext}
func (s *Service) ObjectKey(t time.Time, format audit.ExportFormat) string {
	t = t.UTC()
	return fmt.Sprintf("audit/%s/%04d/%02d/%s.%s", s.serviceName, t.Year(), int(t.Month()), s.newID(), format.Extension())
}

// sanitizePathComponent removes potentially dangerous characters from path components.
func sanitizePathComponent(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Archive exports from src with opts, uploads the result and returns its
// location with a pre-signed download URL.
func (s *Service) Archive(ctx context.Context, src Exporter, opts audit.ExportOptions) (*Object, error) {
	data, err := src.Export(opts)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyExport
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	now := s.timeNow()
	key := s.ObjectKey(now, opts.Format)

	putCtx, endSpan := tracing.StartStoreSpan(ctx, tracing.StoreS3, "put_object", s.bucketName)
	_, err = s.objects.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(opts.Format.ContentType()),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			MetadataSHA256:  checksum,
			MetadataService: s.serviceName,
			MetadataFormat:  string(opts.Format),
		},
	})
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("failed to upload export: %w", err)
	}

	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	}, func(po *s3.PresignOptions) {
		po.Expires = s.urlExpiry
	})
	if err != nil {
		return nil, fmt.Errorf("failed to presign request: %w", err)
	}

	return &Object{
		Bucket:    s.bucketName,
		Key:       key,
		Format:    opts.Format,
		SHA256:    checksum,
		SizeBytes: int64(len(data)),
		URL:       presigned.URL,
		ExpiresAt: now.Add(s.urlExpiry),
	}, nil
}

// HealthCheck verifies the bucket is reachable with the configured credentials.
func (s *Service) HealthCheck(ctx context.Context) error {
	if _, err := s.objects.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucketName)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucketName, err)
	}
	return nil
}

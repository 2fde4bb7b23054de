package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"marketjobs/internal/config"
	"marketjobs/internal/models"
)

// Uploader archives one serialized batch and returns a reference to it.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// NewUploader picks the archive backend: S3 when a bucket is configured,
// otherwise the local directory.
func NewUploader(ctx context.Context, cfg config.IngestConfig) (Uploader, error) {
	if cfg.S3Bucket != "" {
		return NewS3Store(ctx, cfg)
	}
	return NewLocalStore(cfg.LocalDir), nil
}

// S3Store writes batch artifacts to an S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(ctx context.Context, cfg config.IngestConfig) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &S3Store{client: client, bucket: cfg.S3Bucket}, nil
}

func (s *S3Store) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put s3 object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// LocalStore writes batch artifacts under a base directory. It serves
// development setups without an object store.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

func (l *LocalStore) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

// ArtifactKey is the archive location for one job's batch.
func ArtifactKey(jobType models.JobType, symbol string, asof time.Time) string {
	return fmt.Sprintf("%s/%s/%s.csv", jobType, symbol, asof.Format(models.DateFormat))
}

var csvHeader = []string{"symbol", "date", "open", "high", "low", "close", "adj_close", "volume"}

// BarsCSV serializes a batch in the archive layout, one row per day.
func BarsCSV(symbol string, bars []models.PriceBar) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, b := range bars {
		row := []string{
			symbol,
			b.Date.Format(models.DateFormat),
			formatPrice(b.Open),
			formatPrice(b.High),
			formatPrice(b.Low),
			formatPrice(b.Close),
			formatPrice(b.AdjClose),
			strconv.FormatInt(b.Volume, 10),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

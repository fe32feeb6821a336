// Package backup archives team snapshots taken before a team is disbanded.
// Archives are JSON compressed with snappy and written to S3 or to a local
// directory.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"

	"github.com/iliyamo/regimen-sync/internal/model"
)

// Archive is everything a team owned at the moment it was disbanded.
type Archive struct {
	Team      model.TeamSnapshot         `json:"team"`
	Members   []model.MembershipSnapshot `json:"members"`
	Patients  []model.PatientSnapshot    `json:"patients"`
	CreatedAt string                     `json:"created_at"`
	CreatedBy string                     `json:"created_by"`
}

// Encode returns the JSON form of a and its snappy-compressed form.
func Encode(a Archive) (raw, compressed []byte, err error) {
	raw, err = json.Marshal(a)
	if err != nil {
		return nil, nil, err
	}
	return raw, snappy.Encode(nil, raw), nil
}

// Decode reverses Encode.
func Decode(compressed []byte) (Archive, error) {
	var a Archive
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return a, fmt.Errorf("snappy decode: %w", err)
	}
	err = json.Unmarshal(raw, &a)
	return a, err
}

// Key names the archive object of a team.
func Key(slug string, at time.Time) string {
	return fmt.Sprintf("teams/%s/%s.json.sz", slug, at.UTC().Format("20060102T150405Z"))
}

// Store persists archives.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// DirStore writes archives below a local directory.
type DirStore struct {
	Dir string
}

func (d DirStore) path(key string) (string, error) {
	p := filepath.Join(d.Dir, filepath.FromSlash(key))
	if !strings.HasPrefix(p, filepath.Clean(d.Dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return p, nil
}

// Put writes data to Dir/key.
func (d DirStore) Put(_ context.Context, key string, data []byte) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o600)
}

// Get reads Dir/key.
func (d DirStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// S3Config addresses an S3 bucket or an S3-compatible service.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // MinIO and friends
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Store writes archives to a bucket.
type S3Store struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Store builds an S3 client.  Static credentials are used when set;
// otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	return &S3Store{client: s3.NewFromConfig(awsCfg, s3Opts...), cfg: cfg}, nil
}

func (s *S3Store) key(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + key
}

// Put uploads data under the configured prefix.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.key(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-snappy-framed"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get downloads an archive.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

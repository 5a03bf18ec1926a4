package state

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/config"
)

const (
	metaKind      = "Kind"
	metaID        = "Checkpoint-Id"
	objectSuffix  = ".ckpt"
	timestampSize = 20
)

// MinIOStorage writes each checkpoint as one object under
// <prefix>/<job>/<created_at>-<id>.ckpt. Keys sort chronologically.
type MinIOStorage struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

func NewMinIOStorage(cfg config.StateMinIOConfig, logger *zap.Logger) (*MinIOStorage, error) {
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOStorage{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// cleanEndpoint reduces an endpoint URL to host:port.
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths (got path: %s)", parsed.Path)
	}
	return parsed.Host, nil
}

func (s *MinIOStorage) Initialize(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	}
	s.logger.Info("MinIO state storage initialized",
		zap.String("bucket", s.bucket),
		zap.String("prefix", s.prefix))
	return nil
}

func (s *MinIOStorage) Close() error {
	return nil
}

func (s *MinIOStorage) jobPrefix(jobID string) string {
	return path.Join(s.prefix, jobID) + "/"
}

func (s *MinIOStorage) objectKey(cp *Checkpoint) string {
	return s.jobPrefix(cp.JobID) + formatTimestamp(cp.CreatedAt) + "-" + cp.ID + objectSuffix
}

func formatTimestamp(t time.Time) string {
	ts := strconv.FormatInt(t.UnixNano(), 10)
	return strings.Repeat("0", timestampSize-len(ts)) + ts
}

// parseObjectKey recovers the creation time and ID from an object key.
func parseObjectKey(key string) (time.Time, string, error) {
	base := strings.TrimSuffix(path.Base(key), objectSuffix)
	ts, id, ok := strings.Cut(base, "-")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed checkpoint object key %q", key)
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed checkpoint object key %q: %w", key, err)
	}
	return time.Unix(0, nanos).UTC(), id, nil
}

func (s *MinIOStorage) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	key := s.objectKey(checkpoint)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(checkpoint.Data), int64(len(checkpoint.Data)),
		minio.PutObjectOptions{
			ContentType:  "application/octet-stream",
			UserMetadata: map[string]string{metaKind: checkpoint.Kind, metaID: checkpoint.ID},
		})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.logger.Debug("Checkpoint saved", zap.String("key", key), zap.Int("bytes", len(checkpoint.Data)))
	return nil
}

// keys lists the job's checkpoint object keys, newest first.
func (s *MinIOStorage) keys(ctx context.Context, jobID string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.jobPrefix(jobID),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if strings.HasSuffix(obj.Key, objectSuffix) {
			keys = append(keys, obj.Key)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}

func (s *MinIOStorage) load(ctx context.Context, jobID, key string) (*Checkpoint, error) {
	createdAt, id, err := parseObjectKey(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ID:        id,
		JobID:     jobID,
		Kind:      info.UserMetadata[metaKind],
		Data:      data,
		CreatedAt: createdAt,
	}, nil
}

func (s *MinIOStorage) GetLatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	list, err := s.ListCheckpoints(ctx, jobID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *MinIOStorage) ListCheckpoints(ctx context.Context, jobID string, limit int) ([]*Checkpoint, error) {
	keys, err := s.keys(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]*Checkpoint, 0, len(keys))
	for _, key := range keys {
		cp, err := s.load(ctx, jobID, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint %s: %w", key, err)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *MinIOStorage) Prune(ctx context.Context, jobID string, before time.Time) error {
	keys, err := s.keys(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	for _, key := range pruneCandidates(keys, before) {
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to remove checkpoint %s: %w", key, err)
		}
	}
	return nil
}

// pruneCandidates returns the keys older than before, never the newest.
// keys must be sorted newest first.
func pruneCandidates(keys []string, before time.Time) []string {
	var out []string
	for i, key := range keys {
		if i == 0 {
			continue
		}
		createdAt, _, err := parseObjectKey(key)
		if err == nil && createdAt.Before(before) {
			out = append(out, key)
		}
	}
	return out
}

func (s *MinIOStorage) HealthCheck(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("checkpoint bucket health check failed: %w", err)
	}
	return nil
}

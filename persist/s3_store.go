package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const s3OpTimeout = 30 * time.Second

// S3Config contains the configuration required to connect to S3-compatible
// object storage.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
}

// S3Store persists records as objects in an S3-compatible bucket:
//
//	<prefix>/users/<user-id>.json
//	<prefix>/secrets/<record-id>.json
//
// Versions are object ETags; updates use If-Match conditions so a
// concurrent writer loses with ErrConflict instead of silently clobbering.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	// serializes the read-compare-write of single-process callers; cross
	// process atomicity rides on the ETag precondition.
	mu sync.Mutex
}

// NewS3Store connects to the object store and verifies the bucket exists.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket name")
	}
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()
	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", config.Bucket)
	}
	return store, nil
}

// NewS3StoreFromConfig builds a store from factory configuration.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}
	return NewS3Store(s3Config)
}

func (s3s *S3Store) objectName(kind, id string) string {
	return path.Join(s3s.keyPrefix, kind, id+".json")
}

func (s3s *S3Store) PutUser(user *UserRecord, expectedVersion string) (string, error) {
	data, err := json.Marshal(user)
	if err != nil {
		return "", fmt.Errorf("failed to serialize user record: %w", err)
	}
	return s3s.putObject(s3s.objectName("users", user.ID), data, expectedVersion)
}

func (s3s *S3Store) GetUser(userID string) (*UserRecord, error) {
	data, version, err := s3s.getObject(s3s.objectName("users", userID))
	if err != nil {
		return nil, err
	}
	var user UserRecord
	if err = json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to deserialize user record: %w", err)
	}
	user.Version = version
	return &user, nil
}

func (s3s *S3Store) DeleteUser(userID string) error {
	return s3s.deleteObject(s3s.objectName("users", userID))
}

func (s3s *S3Store) PutSecret(record *SecretRecord, expectedVersion string) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to serialize secret record: %w", err)
	}
	return s3s.putObject(s3s.objectName("secrets", record.ID), data, expectedVersion)
}

func (s3s *S3Store) GetSecret(recordID string) (*SecretRecord, error) {
	data, version, err := s3s.getObject(s3s.objectName("secrets", recordID))
	if err != nil {
		return nil, err
	}
	var record SecretRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize secret record: %w", err)
	}
	record.Version = version
	return &record, nil
}

func (s3s *S3Store) DeleteSecret(recordID string) error {
	return s3s.deleteObject(s3s.objectName("secrets", recordID))
}

func (s3s *S3Store) ListSecrets(userID string) ([]*SecretRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()

	prefix := path.Join(s3s.keyPrefix, "secrets") + "/"
	records := []*SecretRecord{}
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list secrets: %w", object.Err)
		}
		data, version, err := s3s.getObject(object.Key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // deleted between list and read
			}
			return nil, err
		}
		var record SecretRecord
		if err = json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to deserialize secret record: %w", err)
		}
		if record.UserID != userID {
			continue
		}
		record.Version = version
		records = append(records, &record)
	}
	return records, nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()
	if _, err := s3s.client.BucketExists(ctx, s3s.bucketName); err != nil {
		return fmt.Errorf("object store not reachable: %w", err)
	}
	return nil
}

func (s3s *S3Store) Close() error { return nil }

func (s3s *S3Store) putObject(objectName string, data []byte, expectedVersion string) (string, error) {
	s3s.mu.Lock()
	defer s3s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()

	putOptions := minio.PutObjectOptions{ContentType: "application/json"}

	_, statErr := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	exists := statErr == nil
	if statErr != nil && !isNoSuchKey(statErr) {
		return "", fmt.Errorf("failed to check object: %w", statErr)
	}

	if expectedVersion == "" && exists {
		return "", fmt.Errorf("%w: %s already exists", ErrConflict, path.Base(objectName))
	}
	if expectedVersion != "" {
		if !exists {
			return "", ErrNotFound
		}
		current, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
		if err != nil {
			return "", fmt.Errorf("failed to verify current version: %w", err)
		}
		if cleanETag(current.ETag) != expectedVersion {
			return "", fmt.Errorf("%w: %s changed since read", ErrConflict, path.Base(objectName))
		}
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		return "", fmt.Errorf("failed to save object: %w", err)
	}
	return cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) getObject(objectName string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("failed to load object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to read object: %w", err)
	}
	info, err := object.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to stat object: %w", err)
	}
	return data, cleanETag(info.ETag), nil
}

func (s3s *S3Store) deleteObject(objectName string) error {
	s3s.mu.Lock()
	defer s3s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()

	// RemoveObject succeeds on missing keys, so check first to honor the
	// store contract.
	if _, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to check object: %w", err)
	}
	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}

func cleanETag(etag string) string {
	return strings.Trim(etag, `"`)
}

package persistence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig configures a MinIO / S3 backed store
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// ObjectStore keeps one object per document: <prefix>/<documentID>.bin
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectStore connects to the endpoint and creates the bucket if needed
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		log.Printf("✓ Created bucket %s", cfg.Bucket)
	}

	return &ObjectStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Load reads the document object
func (s *ObjectStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(documentID), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapObjectError(err)
	}
	defer obj.Close()

	state, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapObjectError(err)
	}
	return state, nil
}

// Save overwrites the document object
func (s *ObjectStore) Save(ctx context.Context, documentID string, state []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(documentID),
		bytes.NewReader(state), int64(len(state)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

func (s *ObjectStore) objectKey(documentID string) string {
	return path.Join(s.prefix, documentID+".bin")
}

func mapObjectError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return fmt.Errorf("failed to get object: %w", err)
}

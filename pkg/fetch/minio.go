package fetch

import (
	"context"
	"errors"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/errcode"
)

// NewMinIOClient builds the object store client from configuration.
func NewMinIOClient(cfg config.MinIOConfig) (*minio.Client, error) {
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
}

// ObjectStore is the slice of object storage the fetcher needs: streaming
// reads for package download and server-side copies for archival.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
}

type minioStore struct {
	client *minio.Client
}

// NewStore wraps a MinIO client as an ObjectStore. Errors returned from the
// store are already classified for the router.
func NewStore(client *minio.Client) ObjectStore {
	return &minioStore{client: client}
}

func (s *minioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, classifyStoreError(err)
	}
	// GetObject is lazy; Stat forces the first round trip and surfaces a
	// missing key.
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, 0, classifyStoreError(err)
	}
	return obj, stat.Size, nil
}

func (s *minioStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey},
	)
	if err != nil {
		return classifyStoreError(err)
	}
	return nil
}

// classifyStoreError maps object store failures onto the error taxonomy: a
// missing key is terminal, context expiry keeps its meaning, and everything
// else is a retryable outage.
func classifyStoreError(err error) *errcode.StageError {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" {
		return errcode.New(errcode.ObjectNotFound, errcode.StageDownload, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errcode.Classify(err, errcode.StageDownload)
	}
	return errcode.New(errcode.ObjectStoreUnavailable, errcode.StageDownload, err)
}

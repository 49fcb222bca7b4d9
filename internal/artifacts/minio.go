package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig locates the bucket that holds artifacts.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinIOStore keeps artifacts in an S3-compatible bucket as
// {pipeline}/{job_id}/{stage}.
type MinIOStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinIOStore creates a client. It does not contact the server; call
// EnsureBucket for that.
func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("artifacts: minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("minio bucket exists: %w", err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("minio make bucket: %w", err)
	}
	return nil
}

func objectName(pipeline, jobID, stage string) string {
	return pipeline + "/" + jobID + "/" + stage
}

// Put implements Store.
func (s *MinIOStore) Put(ctx context.Context, a Artifact) error {
	if err := validate(a.Pipeline, a.JobID, a.Stage); err != nil {
		return err
	}
	if a.ContentType == "" {
		a.ContentType = defaultContentType
	}
	_, err := s.client.PutObject(ctx, s.bucket, objectName(a.Pipeline, a.JobID, a.Stage),
		bytes.NewReader(a.Data), int64(len(a.Data)), minio.PutObjectOptions{ContentType: a.ContentType})
	if err != nil {
		return fmt.Errorf("minio put: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *MinIOStore) Get(ctx context.Context, pipeline, jobID, stage string) (Artifact, error) {
	if err := validate(pipeline, jobID, stage); err != nil {
		return Artifact{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, objectName(pipeline, jobID, stage), minio.GetObjectOptions{})
	if err != nil {
		return Artifact{}, translate(err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		return Artifact{}, translate(err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return Artifact{}, translate(err)
	}
	return Artifact{
		Pipeline:    pipeline,
		JobID:       jobID,
		Stage:       stage,
		ContentType: info.ContentType,
		Data:        data,
		UpdatedAt:   info.LastModified.UTC(),
	}, nil
}

func translate(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return fmt.Errorf("minio get: %w", err)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

// s3API is the part of the S3 client the artifact store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Storage stores artifacts in an S3 bucket or an S3-compatible store.
// Transient failures are retried by the SDK's standard retryer.
type S3Storage struct {
	client s3API
	bucket string
	cfg    S3Config
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Region string
	// Endpoint is set for S3-compatible stores such as MinIO.
	Endpoint     string
	UsePathStyle bool
	// MaxAttempts bounds the SDK retryer, first attempt included.
	MaxAttempts int
	Multipart   MultipartUploadConfig
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:      "us-east-1",
		MaxAttempts: 4,
		Multipart:   DefaultMultipartConfig(),
	}
}

// NewS3Storage creates an S3 store for bucket from the default AWS credential chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Storage(client, bucket, cfg), nil
}

func newS3Storage(client s3API, bucket string, cfg S3Config) *S3Storage {
	def := DefaultMultipartConfig()
	if cfg.Multipart.PartSize <= 0 {
		cfg.Multipart.PartSize = def.PartSize
	}
	if cfg.Multipart.Concurrency <= 0 {
		cfg.Multipart.Concurrency = def.Concurrency
	}
	return &S3Storage{client: client, bucket: bucket, cfg: cfg}
}

// Put uploads localPath in one request when it fits a part and as a
// parallel multipart upload otherwise.
func (s *S3Storage) Put(ctx context.Context, key, localPath, contentType string, metadata map[string]string) (*Object, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	obj := &Object{Key: key, Size: info.Size(), ContentType: contentType, Metadata: metadata}
	if info.Size() <= s.cfg.Multipart.PartSize {
		out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          file,
			ContentLength: aws.Int64(info.Size()),
			ContentType:   aws.String(contentType),
			Metadata:      metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUploadFailed, key, err)
		}
		obj.ETag = aws.ToString(out.ETag)
		return obj, nil
	}

	obj.ETag, err = s.putMultipart(ctx, file, info.Size(), obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUploadFailed, key, err)
	}
	return obj, nil
}

// putMultipart uploads file in PartSize parts, Concurrency at a time. The
// upload is aborted on any failure so no orphaned parts are billed.
func (s *S3Storage) putMultipart(ctx context.Context, file *os.File, size int64, obj *Object) (string, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(obj.Key),
		ContentType: aws.String(obj.ContentType),
		Metadata:    obj.Metadata,
	})
	if err != nil {
		return "", err
	}
	abort := func() {
		// The caller's context may already be cancelled.
		_, _ = s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(obj.Key),
			UploadId: created.UploadId,
		})
	}

	partSize := s.cfg.Multipart.PartSize
	n := int((size + partSize - 1) / partSize)
	parts := make([]types.CompletedPart, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Multipart.Concurrency)
	for i := range n {
		off := int64(i) * partSize
		length := min(partSize, size-off)
		num := aws.Int32(int32(i + 1))
		g.Go(func() error {
			out, err := s.client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(obj.Key),
				UploadId:      created.UploadId,
				PartNumber:    num,
				Body:          io.NewSectionReader(file, off, length),
				ContentLength: aws.Int64(length),
			})
			if err != nil {
				return fmt.Errorf("part %d: %w", *num, err)
			}
			parts[i] = types.CompletedPart{ETag: out.ETag, PartNumber: num}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		abort()
		return "", err
	}

	done, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(obj.Key),
		UploadId:        created.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		abort()
		return "", err
	}
	return aws.ToString(done.ETag), nil
}

// Get streams the object into localPath.
func (s *S3Storage) Get(ctx context.Context, key, localPath string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDownloadFailed, key, err)
	}
	defer out.Body.Close()

	want := int64(-1)
	if out.ContentLength != nil {
		want = *out.ContentLength
	}
	n, err := copyAtomic(localPath, out.Body, want)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDownloadFailed, key, err)
	}
	return &Object{
		Key:         key,
		Size:        n,
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}, nil
}

// Head describes an object.
func (s *S3Storage) Head(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("head %s: %w", key, err)
	}
	return &Object{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}, nil
}

// Delete removes an object. S3 reports success for missing keys.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, key, err)
	}
	return nil
}

// List pages through every key under prefix.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// isNotFound matches GetObject's NoSuchKey and HeadObject's bodiless NotFound.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

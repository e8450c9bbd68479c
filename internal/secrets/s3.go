package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const s3Scheme = "s3://"

// S3Client is the subset of the S3 API the store uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3aws.GetObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3aws.DeleteObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.DeleteObjectOutput, error)
}

type S3Config struct {
	Bucket      string
	Region      string
	Prefix      string
	Endpoint    string // for S3-compatible services
	AccessKeyID string
	SecretKey   string
}

// S3Store keeps secrets as SSE-encrypted objects.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

func NewS3Store(ctx context.Context, cfg S3Config, client S3Client) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("secrets bucket is required")
	}

	if client == nil {
		opts := []func(*config.LoadOptions) error{
			config.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
			))
		}

		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}

		client = s3aws.NewFromConfig(awsCfg, func(o *s3aws.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
	}

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) Ref(name string) string {
	return s3Scheme + s.bucket + "/" + s.key(name)
}

func (s *S3Store) key(name string) string {
	return s.prefix + strings.TrimPrefix(name, "/")
}

func (s *S3Store) Put(ctx context.Context, name string, data []byte) (string, error) {
	key := s.key(name)
	_, err := s.client.PutObject(ctx, &s3aws.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/x-pem-file"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", classifyS3Error(err, "put")
	}
	return s.Ref(name), nil
}

func (s *S3Store) Get(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := parseS3Ref(ref)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3aws.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(err, "get")
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

func (s *S3Store) Delete(ctx context.Context, ref string) error {
	bucket, key, err := parseS3Ref(ref)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3aws.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classifyS3Error(err, "delete")
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func parseS3Ref(ref string) (string, string, error) {
	rest, ok := strings.CutPrefix(ref, s3Scheme)
	if !ok {
		return "", "", fmt.Errorf("unsupported secret ref %q", ref)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed secret ref %q", ref)
	}
	return bucket, key, nil
}

func classifyS3Error(err error, operation string) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %s", ErrNotFound, err)
		default:
			return fmt.Errorf("s3 %s failed (code: %s): %w", operation, apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("s3 %s failed: %w", operation, err)
}

// Router dispatches refs to the store that produced them, so records written
// under a previous backend stay readable after a config change.
type Router struct {
	primary Store
	file    *FileStore
	s3      *S3Store
}

func NewRouter(primary Store, file *FileStore, s3 *S3Store) *Router {
	return &Router{primary: primary, file: file, s3: s3}
}

// Ref names where Put would write name. A primary without deterministic refs
// yields an empty ref.
func (r *Router) Ref(name string) string {
	if named, ok := r.primary.(Named); ok {
		return named.Ref(name)
	}
	return ""
}

func (r *Router) Put(ctx context.Context, name string, data []byte) (string, error) {
	return r.primary.Put(ctx, name, data)
}

func (r *Router) Get(ctx context.Context, ref string) ([]byte, error) {
	store, err := r.storeFor(ref)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, ref)
}

func (r *Router) Delete(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	store, err := r.storeFor(ref)
	if err != nil {
		return err
	}
	return store.Delete(ctx, ref)
}

func (r *Router) storeFor(ref string) (Store, error) {
	switch {
	case strings.HasPrefix(ref, fileScheme) && r.file != nil:
		return r.file, nil
	case strings.HasPrefix(ref, s3Scheme) && r.s3 != nil:
		return r.s3, nil
	default:
		return nil, fmt.Errorf("no secret backend for ref %q", ref)
	}
}

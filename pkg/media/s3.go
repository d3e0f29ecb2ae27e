package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client は S3Store が使う S3 API です。*s3.Client が満たします。
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store は S3 互換オブジェクトストレージ上の BlobStore です。
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Store は S3Store を生成します。prefix はすべてのキーの先頭に付与されます。
func NewS3Store(client S3Client, bucket, prefix string) (*S3Store, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *S3Store) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put はオブジェクトを書き込み、s3://bucket/key 形式のロケータを返します。
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	full := s.key(key)
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("S3への書き込みに失敗しました (key=%s): %w", full, err)
	}
	return "s3://" + s.bucket + "/" + full, nil
}

// Read は s3:// ロケータのオブジェクトを読み込みます。
func (s *S3Store) Read(ctx context.Context, locator string) ([]byte, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(locator, "s3://"), "/")
	if !strings.HasPrefix(locator, "s3://") || !ok || key == "" {
		return nil, fmt.Errorf("s3 ロケータではありません: %q", locator)
	}
	if bucket != s.bucket {
		return nil, fmt.Errorf("別バケットのロケータです: %q", locator)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("read %s: %w", locator, ErrNotFound)
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

var _ BlobStore = (*S3Store)(nil)

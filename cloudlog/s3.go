package cloudlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures S3Store. Endpoint and UsePathStyle serve S3-compatible
// services such as MinIO or Spaces.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PageSize        int
}

// S3Store keeps the log in an S3 bucket using the same prefix layout as
// GCSStore. S3 has no creation time, so LastModified stands in for it; event
// objects are never rewritten.
type S3Store struct {
	mu     sync.Mutex
	cfg    S3Config
	awsCfg aws.Config
	client *s3.Client
}

func NewS3Store(cfg S3Config) *S3Store {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 1000 {
		cfg.PageSize = 1000
	}
	cfg.Prefix = prefixPath(cfg.Prefix)
	return &S3Store{cfg: cfg}
}

func (s *S3Store) Authorize(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.cfg.Region)}
		if s.cfg.AccessKeyID != "" && s.cfg.SecretAccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(s.cfg.AccessKeyID, s.cfg.SecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		s.awsCfg = awsCfg
		s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if s.cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(s.cfg.Endpoint)
			}
			o.UsePathStyle = s.cfg.UsePathStyle
		})
	} else if !force {
		return nil
	}
	if s.awsCfg.Credentials == nil {
		return fmt.Errorf("no aws credentials configured: %w", ErrUnauthorized)
	}
	if force {
		if cache, ok := s.awsCfg.Credentials.(*aws.CredentialsCache); ok {
			cache.Invalidate()
		}
	}
	if _, err := s.awsCfg.Credentials.Retrieve(ctx); err != nil {
		return fmt.Errorf("retrieve aws credentials: %w: %v", ErrUnauthorized, err)
	}
	return nil
}

func (s *S3Store) api() (*s3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, fmt.Errorf("s3 not authorized: %w", ErrUnauthorized)
	}
	return s.client, nil
}

func (s *S3Store) folderKey(name, parentId string) string {
	if parentId == "" {
		parentId = s.cfg.Prefix
	}
	return parentId + strings.Trim(name, "/") + "/"
}

func (s *S3Store) FindFolder(ctx context.Context, name, parentId string) (string, bool, error) {
	client, err := s.api()
	if err != nil {
		return "", false, err
	}
	key := s.folderKey(name, parentId)
	out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return "", false, s3Error("find folder "+key, err)
	}
	return key, len(out.Contents) > 0, nil
}

func (s *S3Store) EnsureFolder(ctx context.Context, name, parentId string) (string, error) {
	if key, ok, err := s.FindFolder(ctx, name, parentId); err != nil || ok {
		return key, err
	}
	client, err := s.api()
	if err != nil {
		return "", err
	}
	key := s.folderKey(name, parentId)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key + folderMarker),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return "", s3Error("create folder "+key, err)
	}
	return key, nil
}

func (s *S3Store) List(ctx context.Context, folderId string, createdAfter *time.Time, pageToken string) (Page, error) {
	client, err := s.api()
	if err != nil {
		return Page{}, err
	}
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.cfg.Bucket),
		Prefix:    aws.String(folderId),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(int32(s.cfg.PageSize)),
	}
	if pageToken != "" {
		in.ContinuationToken = aws.String(pageToken)
	}
	out, err := client.ListObjectsV2(ctx, in)
	if err != nil {
		return Page{}, s3Error("list "+folderId, err)
	}
	var page Page
	if aws.ToBool(out.IsTruncated) {
		page.NextPageToken = aws.ToString(out.NextContinuationToken)
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if strings.HasSuffix(key, "/"+folderMarker) {
			continue
		}
		modified := aws.ToTime(obj.LastModified).UTC()
		if createdAfter != nil && !modified.After(*createdAfter) {
			continue
		}
		page.Objects = append(page.Objects, Object{Id: key, Name: path.Base(key), CreatedAt: modified, ModifiedAt: modified})
	}
	return page, nil
}

func (s *S3Store) Read(ctx context.Context, id string) ([]byte, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, s3Error("get "+id, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", id, err)
	}
	return b, nil
}

func (s *S3Store) Write(ctx context.Context, folderId, name string, body []byte) (string, error) {
	client, err := s.api()
	if err != nil {
		return "", err
	}
	key := folderId + name
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", s3Error("put "+key, err)
	}
	return key, nil
}

func s3Error(op string, err error) error {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		switch status.HTTPStatusCode() {
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, err)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ExpiredToken", "InvalidToken", "InvalidAccessKeyId":
			return fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, err)
		case "NoSuchBucket", "NotFound":
			return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

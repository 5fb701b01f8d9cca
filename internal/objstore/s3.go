// Package objstore keeps mirrored assets and page snapshots in S3.
package objstore

import (
	"bytes"
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

// S3API is the subset of *s3.Client the store calls
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Options struct {
	Logger log.Logger

	Client S3API

	// Bucket receiving objects
	Bucket string
}

// Store reads and writes objects in one bucket. Every failure is marked xerrors.KindStorage.
type Store struct {
	client S3API
	bucket string
	logger log.Logger
}

func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, xerrors.New("objstore: Client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.Mark(xerrors.New("objstore: Bucket is required"), xerrors.KindConfig)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Store{client: opts.Client, bucket: opts.Bucket, logger: opts.Logger}, nil
}

func (s *Store) Bucket() string { return s.bucket }

// Exists reports whether key is present. Only a not-found answer means false; any other
// failure is returned.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, xerrors.Mark(xerrors.Wrapf(err, "head s3://%s/%s", s.bucket, key), xerrors.KindStorage)
}

// Put writes body to key, overwriting any existing object
func (s *Store) Put(ctx context.Context, key, contentType string, body []byte) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "put s3://%s/%s", s.bucket, key), xerrors.KindStorage)
	}
	s.logger.Debug(ctx, "stored object", "bucket", s.bucket, "key", key, "bytes", len(body))
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

package lock

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

// S3API is the subset of the S3 API the marker lock uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 is a lock held as a marker object in a shared bucket. The marker is
// written with If-None-Match so only one writer wins; an expired marker is
// replaced with If-Match on its ETag.
type S3 struct {
	client S3API
	bucket string
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ bootstrap.Locker = (*S3)(nil)

// NewS3 creates a marker lock in bucket.
func NewS3(client S3API, bucket, prefix string, ttl time.Duration) *S3 {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "cloud-bootstrap/locks/"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *S3) objectKey(req bootstrap.LockRequest) string {
	return s.prefix + lockKey(req) + ".json"
}

func preconditionFailed(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

func noSuchKey(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && (ae.ErrorCode() == "NoSuchKey" || ae.ErrorCode() == "NotFound")
}

// Acquire implements bootstrap.Locker.
func (s *S3) Acquire(ctx context.Context, req bootstrap.LockRequest) (bootstrap.Lease, error) {
	key := s.objectKey(req)
	body, err := newHolder(req, s.now(), s.ttl).encode()
	if err != nil {
		return nil, err
	}
	lease := &s3Lease{s: s, key: key, runID: req.RunID}

	// Two rounds: the marker may be released between our write and our read.
	for attempt := 0; attempt < 2; attempt++ {
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
			IfNoneMatch: aws.String("*"),
		})
		if err == nil {
			return lease, nil
		}
		if !preconditionFailed(err) {
			return nil, errors.Wrapf(err, "write lock marker s3://%s/%s", s.bucket, key)
		}

		holder, etag, err := s.read(ctx, key)
		if noSuchKey(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !holder.Expired(s.now()) {
			return nil, lockedBy(req, holder)
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
			IfMatch:     aws.String(etag),
		})
		switch {
		case err == nil:
			return lease, nil
		case preconditionFailed(err):
			// Someone else took the expired lock first.
			return nil, lockedBy(req, holder)
		default:
			return nil, errors.Wrapf(err, "take over lock marker s3://%s/%s", s.bucket, key)
		}
	}
	return nil, bootstrap.Errorf(bootstrap.KindLocked, "environment %s lock is contended", req.Environment).
		WithRetrySafe(true)
}

func (s *S3) read(ctx context.Context, key string) (Holder, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return Holder{}, "", err
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return Holder{}, "", errors.Wrap(err, "read lock marker")
	}
	h, err := decodeHolder(b)
	if err != nil {
		return Holder{}, "", err
	}
	return h, aws.ToString(out.ETag), nil
}

type s3Lease struct {
	s     *S3
	key   string
	runID string
}

// Release implements bootstrap.Lease. The marker is only deleted while it
// still names this run.
func (l *s3Lease) Release(ctx context.Context) error {
	holder, etag, err := l.s.read(ctx, l.key)
	if noSuchKey(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if holder.RunID != l.runID {
		return nil
	}
	_, err = l.s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(l.s.bucket),
		Key:     aws.String(l.key),
		IfMatch: aws.String(etag),
	})
	if err != nil && !noSuchKey(err) && !preconditionFailed(err) {
		return errors.Wrapf(err, "delete lock marker s3://%s/%s", l.s.bucket, l.key)
	}
	return nil
}

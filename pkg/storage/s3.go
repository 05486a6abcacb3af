package storage

import (
	"context"
	"crypto/md5"
	"fmt"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/imkira/go-interpol"

	"github.com/tilezen/quadcat/pkg/buffer"
)

// S3Storage reads blobs from a bucket that mirrors the blob service, one
// object per data handle.
type S3Storage struct {
	client        s3iface.S3API
	bufferManager buffer.BufferManager
	bucket        string
	keyPattern    string
	defaultPrefix string
	healthcheck   string
}

func NewS3Storage(api s3iface.S3API, bufferManager buffer.BufferManager, bucket, keyPattern, defaultPrefix, healthcheck string) *S3Storage {
	if bufferManager == nil {
		bufferManager = &buffer.OnDemandBufferManager{}
	}

	return &S3Storage{
		client:        api,
		bufferManager: bufferManager,
		bucket:        bucket,
		keyPattern:    keyPattern,
		defaultPrefix: defaultPrefix,
		healthcheck:   healthcheck,
	}
}

// s3Hash spreads objects over key prefixes to avoid S3 hot partitions.
func (s *S3Storage) s3Hash(ref BlobRef) string {
	hash := md5.Sum([]byte(fmt.Sprintf("%s/%s", ref.Layer, ref.DataHandle)))
	return fmt.Sprintf("%x", hash)[0:5]
}

func (s *S3Storage) objectKey(ref BlobRef) (string, error) {
	m := map[string]string{
		"prefix":  s.defaultPrefix,
		"hash":    s.s3Hash(ref),
		"catalog": ref.Catalog,
		"layer":   ref.Layer,
		"handle":  ref.DataHandle,
	}

	return interpol.WithMap(s.keyPattern, m)
}

func (s *S3Storage) respondWithKey(ctx context.Context, key string, c Condition) (*StorageResponse, error) {
	input := &s3.GetObjectInput{Bucket: &s.bucket, Key: &key}
	input.IfModifiedSince = c.IfModifiedSince
	input.IfNoneMatch = c.IfNoneMatch

	output, err := s.client.GetObjectWithContext(ctx, input)
	// check if we are an error, 304, or 404
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok {
			// NOTE: the way to distinguish seems to be string matching on the code ...
			switch awsErr.Code() {
			case s3.ErrCodeNoSuchKey, "NotFound":
				return &StorageResponse{NotFound: true}, nil
			case "NotModified":
				return &StorageResponse{NotModified: true}, nil
			}
		}

		return nil, err
	}

	// ensure that it's safe to always close the body upstream
	var storageSize uint64
	var body []byte
	if output.Body == nil {
		body = make([]byte, 0)
	} else {
		defer output.Body.Close()
		body, err = readBody(s.bufferManager, output.Body)
		if err != nil {
			return nil, err
		}

		if output.ContentLength != nil {
			storageSize = uint64(*output.ContentLength)
		}
	}

	return &StorageResponse{
		Response: &SuccessfulResponse{
			Body:         body,
			LastModified: output.LastModified,
			ETag:         output.ETag,
			Size:         storageSize,
		},
	}, nil
}

func (s *S3Storage) Fetch(ctx context.Context, ref BlobRef, c Condition) (*StorageResponse, error) {
	key, err := s.objectKey(ref)
	if err != nil {
		return nil, err
	}

	return s.respondWithKey(ctx, key, c)
}

func (s *S3Storage) HealthCheck(ctx context.Context) error {
	input := &s3.GetObjectInput{Bucket: &s.bucket, Key: &s.healthcheck}
	resp, err := s.client.GetObjectWithContext(ctx, input)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return err
}

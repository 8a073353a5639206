// Package media talks to the S3-compatible bucket that holds uploaded
// clips. Viewers never download through this client; playback and the
// publish flow both use presigned URLs from internal/signer. The API
// client exists for the control plane: existence checks before a publish
// is accepted and object listings for operational tooling.
package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Settings configures the bucket client. Endpoint is the S3 API endpoint
// of the storage account (distinct from the public media host presigned
// URLs are served from).
type Settings struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// ObjectStore is the S3 API client for the clip bucket.
type ObjectStore struct {
	client *s3.Client
	bucket string
}

// New creates an ObjectStore. With static credentials present they are
// used directly; otherwise the default AWS credential chain applies.
func New(ctx context.Context, settings *Settings) (*ObjectStore, error) {
	if settings.Bucket == "" {
		return nil, fmt.Errorf("media bucket name is required")
	}

	region := settings.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if settings.AccessKeyID != "" || settings.SecretAccessKey != "" {
		if settings.AccessKeyID == "" || settings.SecretAccessKey == "" {
			return nil, fmt.Errorf("media storage needs both access key id and secret access key")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(settings.AccessKeyID, settings.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if settings.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(settings.Endpoint)
			// S3-compatible services want path-style addressing.
			o.UsePathStyle = true
		})
	}

	return &ObjectStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: settings.Bucket,
	}, nil
}

// Exists reports whether an object is present at key.
func (o *ObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", key, err)
	}
	return true, nil
}

// Metadata describes one stored clip.
type Metadata struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Stat returns an object's size and modification time.
func (o *ObjectStore) Stat(ctx context.Context, key string) (*Metadata, error) {
	result, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}

	meta := &Metadata{Key: key}
	if result.ContentLength != nil {
		meta.Size = *result.ContentLength
	}
	if result.LastModified != nil {
		meta.LastModified = *result.LastModified
	}
	return meta, nil
}

// List returns up to maxKeys object keys under prefix.
func (o *ObjectStore) List(ctx context.Context, prefix string, maxKeys int32) ([]string, error) {
	result, err := o.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(o.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(maxKeys),
	})
	if err != nil {
		return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
	}

	keys := make([]string, 0, len(result.Contents))
	for _, obj := range result.Contents {
		if obj.Key != nil {
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}

// isNotFound matches the SDK's missing-object errors without depending on
// the concrete smithy error types.
func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "StatusCode: 404")
}

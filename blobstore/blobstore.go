// Package blobstore wraps the S3-compatible object store holding job
// inputs and spilled results.
//
// The client works against AWS as well as self-hosted stores (MinIO,
// Garage): static credentials, an optional endpoint override, and
// path-style addressing. Transfers go through the s3/manager download
// and upload managers, which split large documents into concurrent
// parts.
package blobstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config locates the object store. Endpoint is optional; when set it
// overrides the AWS default so S3-compatible stores work unchanged.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// Store is an S3 client scoped to whole-object transfers.
type Store struct {
	client     *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
}

// New builds a Store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	// Path-style addressing; bucket-in-hostname does not resolve on
	// self-hosted endpoints.
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &Store{
		client:     client,
		downloader: manager.NewDownloader(client),
		uploader:   manager.NewUploader(client),
	}, nil
}

// Download fetches bucket/key into memory.
func (s *Store) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: download %s/%s: %w", bucket, key, err)
	}
	return buf.Bytes(), nil
}

// Upload stores data at bucket/key.
func (s *Store) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("blobstore: upload %s/%s: %w", bucket, key, err)
	}
	return nil
}

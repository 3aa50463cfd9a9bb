// Package archive writes terminated instance records to S3-compatible object
// storage as zstd-compressed JSON, keeping the live table small while
// preserving history for audits.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/stratusgg/stratus/pkg/types"
)

// Config holds the configuration for the S3 archive backend.
type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store archives instance records in object storage.
type Store struct {
	client s3API
	bucket string
}

// NewStore creates an S3-backed archive store.
func NewStore(cfg Config) (*Store, error) {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = cfg.Region
			if cfg.AccessKeyID != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		},
	}

	return &Store{
		client: s3.New(s3.Options{}, opts...),
		bucket: cfg.Bucket,
	}, nil
}

// recordKey returns the S3 key for one archived record.
func recordKey(rec *types.InstanceRecord) string {
	return fmt.Sprintf("records/%s/%s-%d.json.zst", rec.UserID, rec.InstanceID, time.Now().UnixNano())
}

// Archive compresses the record and uploads it.
func (s *Store) Archive(ctx context.Context, rec *types.InstanceRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal instance record: %w", err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := enc.Write(body); err != nil {
		enc.Close()
		return fmt.Errorf("failed to compress instance record: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to flush zstd writer: %w", err)
	}

	key := recordKey(rec)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return fmt.Errorf("failed to upload record to S3: %w", err)
	}

	log.Printf("archive: stored %s (%d bytes compressed)", key, buf.Len())
	return nil
}

// Fetch downloads and decompresses one archived record.
func (s *Store) Fetch(ctx context.Context, key string) (*types.InstanceRecord, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download record from S3: %w", err)
	}
	defer resp.Body.Close()

	dec, err := zstd.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	body, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress record: %w", err)
	}

	var rec types.InstanceRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode archived record: %w", err)
	}
	return &rec, nil
}

// Delete removes an archived record.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete archived record from S3: %w", err)
	}
	return nil
}

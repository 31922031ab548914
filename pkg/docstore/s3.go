// Package docstore stores KYC photos and claim evidence in S3.
package docstore

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Putter is the subset of the S3 client used here.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes objects to a single bucket.
type S3Store struct {
	client Putter
	bucket string
}

func NewS3Store(client Putter, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// LoadS3Client builds an S3 client for region. AWS_ENDPOINT_URL points it at a local
// emulator with path-style addressing.
func LoadS3Client(ctx context.Context, region string) (*s3.Client, error) {
	endpoint := os.Getenv("AWS_ENDPOINT_URL")
	cfg, err := awsCfg.LoadDefaultConfig(ctx, awsCfg.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Put uploads data under key and returns the s3:// reference.
func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte, meta map[string]string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		Metadata:             meta,
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// KYCKey is the object key for a rider's identity document.
func KYCKey(phone, mediaID, contentType string) string {
	return fmt.Sprintf("kyc/%s/%s%s", phone, sanitize(mediaID), extension(contentType))
}

// ClaimKey is the object key for one piece of claim evidence.
func ClaimKey(phone, mediaID, contentType string) string {
	return fmt.Sprintf("claims/%s/%s%s", phone, sanitize(mediaID), extension(contentType))
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func extension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "application/pdf":
		return ".pdf"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

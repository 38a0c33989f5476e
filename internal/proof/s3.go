// Package proof checks that uploaded match proof (screenshots, clips) exists
// in the S3 compatible proof bucket.
package proof

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/config"
)

// ObjectHeader is the part of *s3.Client the verifier uses.
type ObjectHeader interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type Verifier struct {
	client ObjectHeader
	bucket string
	log    *zap.Logger
}

// NewVerifier builds a verifier for cfg.ProofBucket. It returns nil, nil when
// no bucket is configured.
func NewVerifier(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Verifier, error) {
	if cfg.ProofBucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.ProofRegion)}
	if cfg.ProofAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.ProofAccessKey, cfg.ProofSecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load proof storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ProofEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ProofEndpoint)
			o.UsePathStyle = true
		}
	})
	return New(client, cfg.ProofBucket, log), nil
}

func New(client ObjectHeader, bucket string, log *zap.Logger) *Verifier {
	return &Verifier{client: client, bucket: bucket, log: log.Named("proof")}
}

// Exists reports whether ref names an object in the proof bucket. ref is an
// object key, optionally written as s3://bucket/key.
func (v *Verifier) Exists(ctx context.Context, ref string) (bool, error) {
	if v == nil {
		return false, nil
	}
	key, err := v.key(ref)
	if err != nil {
		return false, err
	}
	_, err = v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return false, nil
		}
	}
	return false, fmt.Errorf("head proof object %s: %w", key, err)
}

func (v *Verifier) key(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket != v.bucket {
			return "", fmt.Errorf("proof ref %q is outside bucket %s", ref, v.bucket)
		}
		ref = key
	}
	ref = strings.TrimPrefix(ref, "/")
	if ref == "" {
		return "", errors.New("empty proof ref")
	}
	return ref, nil
}

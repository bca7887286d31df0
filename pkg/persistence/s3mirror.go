// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Mirror ships a copy of the most recently flushed record to an S3-
// compatible bucket, as an optional off-box backstop on top of the spare
// devices' own redundant copies. It never participates in the attach
// quorum; a mirror read failure or absence never blocks attach.
type S3Mirror struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	key      string
}

// NewS3Mirror builds a mirror against endpoint (empty for AWS default)
// using static credentials, the way an operator would point this at an
// on-prem S3-compatible store.
func NewS3Mirror(ctx context.Context, endpoint, region, accessKey, secretKey, bucket, key string) (*S3Mirror, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	return &S3Mirror{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		key:      key,
	}, nil
}

// Upload pushes the encoded record image to the configured bucket/key using
// the managed uploader, which handles multipart transfer transparently if a
// future record image grows past the single-PUT size. Failures are logged
// by the caller's discretion; this method only returns the error so a
// caller who cares (an explicit "save" reply) can surface it.
func (m *S3Mirror) Upload(ctx context.Context, image []byte) error {
	_, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key),
		Body:   bytes.NewReader(image),
	})
	if err != nil {
		return fmt.Errorf("uploading metadata mirror: %w", err)
	}
	return nil
}

// Download retrieves the mirrored image, for operator-triggered disaster
// recovery outside the normal attach path.
func (m *S3Mirror) Download(ctx context.Context) ([]byte, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading metadata mirror: %w", err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("reading metadata mirror body: %w", err)
	}
	return buf.Bytes(), nil
}

// MirrorAfterFlush is the hook Manager.Flush calls after a successful flush:
// it ships an already-encoded record image, logging rather than failing the
// flush on mirror error.
func MirrorAfterFlush(ctx context.Context, mirror *S3Mirror, image []byte) {
	if mirror == nil {
		return
	}
	if err := mirror.Upload(ctx, image); err != nil {
		log.Error().Err(err).Msg("s3 metadata mirror upload failed")
	}
}

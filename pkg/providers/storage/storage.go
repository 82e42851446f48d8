/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package storage presigns uploads and downloads against any S3-compatible
// object store. Miners and workers never receive credentials; every object
// access goes through a time-limited presigned URL minted here.
package storage

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/kibotos/kibotos/pkg/errors"
)

const (
	DefaultUploadTTL   = 15 * time.Minute
	DefaultDownloadTTL = 30 * time.Minute
)

type Options struct {
	// Endpoint overrides the AWS endpoint for R2/MinIO deployments
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// UsePathStyle is required by MinIO and most self-hosted stores
	UsePathStyle bool
	UploadTTL    time.Duration
	DownloadTTL  time.Duration
}

// PresignedRequest is a ready-to-use HTTP request for one object operation
type PresignedRequest struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Key       string            `json:"key"`
	ExpiresAt time.Time         `json:"expires_at"`
}

type Provider interface {
	PresignUpload(ctx context.Context, key string, contentLength int64) (*PresignedRequest, error)
	PresignDownload(ctx context.Context, key string) (*PresignedRequest, error)
	ObjectSize(ctx context.Context, key string) (int64, error)
}

type DefaultProvider struct {
	client  *s3.Client
	presign *s3.PresignClient
	opts    Options
}

func NewDefaultProvider(ctx context.Context, opts Options) (*DefaultProvider, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if opts.UploadTTL <= 0 {
		opts.UploadTTL = DefaultUploadTTL
	}
	if opts.DownloadTTL <= 0 {
		opts.DownloadTTL = DefaultDownloadTTL
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading object store config, %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &DefaultProvider{
		client:  client,
		presign: s3.NewPresignClient(client),
		opts:    opts,
	}, nil
}

// NewKey mints the canonical object key for a fresh upload. The uuid segment
// keeps concurrent miners from colliding on a filename.
func NewKey(filename string) string {
	return fmt.Sprintf("uploads/%s/%s", uuid.NewString(), path.Base(filename))
}

func (p *DefaultProvider) PresignUpload(ctx context.Context, key string, contentLength int64) (*PresignedRequest, error) {
	out, err := p.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.opts.Bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(contentLength),
	}, s3.WithPresignExpires(p.opts.UploadTTL))
	if err != nil {
		return nil, fmt.Errorf("presigning upload for %q, %w", key, err)
	}
	presignCounter.WithLabelValues("upload").Inc()
	return toPresignedRequest(out.URL, out.Method, out.SignedHeader, key, time.Now().Add(p.opts.UploadTTL)), nil
}

func (p *DefaultProvider) PresignDownload(ctx context.Context, key string) (*PresignedRequest, error) {
	out, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.opts.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.opts.DownloadTTL))
	if err != nil {
		return nil, fmt.Errorf("presigning download for %q, %w", key, err)
	}
	presignCounter.WithLabelValues("download").Inc()
	return toPresignedRequest(out.URL, out.Method, out.SignedHeader, key, time.Now().Add(p.opts.DownloadTTL)), nil
}

// ObjectSize confirms the object exists and reports its size
func (p *DefaultProvider) ObjectSize(ctx context.Context, key string) (int64, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, errors.New(errors.CodeNotFound, "object %q is not in the store, %v", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func toPresignedRequest(url, method string, header http.Header, key string, expiresAt time.Time) *PresignedRequest {
	headers := map[string]string{}
	for name := range header {
		headers[name] = header.Get(name)
	}
	return &PresignedRequest{
		URL:       url,
		Method:    method,
		Headers:   headers,
		Key:       key,
		ExpiresAt: expiresAt.UTC(),
	}
}

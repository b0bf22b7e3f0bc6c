// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package downstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/devsecops-labs/credbroker/internal/broker"
)

// ObjectStoreConfig is the immutable configuration of the object-store
// client.
type ObjectStoreConfig struct {
	// Endpoint overrides the service endpoint, e.g. for a Ceph RGW. Empty
	// means the SDK default.
	Endpoint string
	// Region passed to the SDK. Ceph and friends accept any value.
	Region string
}

// ObjectStoreClient lists and stores objects in a bucket, authenticating
// with a credential of the form "accessKeyID:secretAccessKey". It implements
// [broker.DownstreamClient].
type ObjectStoreClient struct {
	cfg    ObjectStoreConfig
	logger *slog.Logger
}

// NewObjectStoreClient builds an object-store client for cfg.
func NewObjectStoreClient(cfg ObjectStoreConfig, logger *slog.Logger) *ObjectStoreClient {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &ObjectStoreClient{cfg: cfg, logger: logger}
}

// Use lists the objects in the target bucket with cred. The credential is
// used for this one call and not retained.
func (c *ObjectStoreClient) Use(ctx context.Context, cred broker.IssuedCredential, target string) (broker.ResourceListing, error) {
	client, err := c.s3Client(ctx, cred)
	if err != nil {
		return broker.ResourceListing{}, err
	}

	out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(target)})
	if err != nil {
		return broker.ResourceListing{}, classifyObjectStoreError(err)
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	c.logger.Debug("objects listed", slog.String("bucket", target), slog.Int("count", len(keys)))
	return broker.ResourceListing{Target: target, Resources: keys}, nil
}

// Upload stores body under key in the target bucket with cred.
func (c *ObjectStoreClient) Upload(ctx context.Context, cred broker.IssuedCredential, target, key string, body io.Reader) error {
	client, err := c.s3Client(ctx, cred)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(target),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return classifyObjectStoreError(err)
	}
	c.logger.Debug("object stored", slog.String("bucket", target), slog.String("key", key))
	return nil
}

// s3Client builds a per-call SDK client so the credential lives no longer
// than the call that consumes it.
func (c *ObjectStoreClient) s3Client(ctx context.Context, cred broker.IssuedCredential) (*s3.Client, error) {
	accessKey, secretKey, ok := strings.Cut(cred.Value, ":")
	if !ok || accessKey == "" || secretKey == "" {
		return nil, broker.NewDownstreamFailed(0, "object-store credential is not an accessKeyID:secretAccessKey pair")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(c.cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		// Retry policy is the broker's decision, not the transport's.
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, fmt.Errorf("loading object-store config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// classifyObjectStoreError separates a service verdict from plain network
// failure.
func classifyObjectStoreError(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return broker.NewDownstreamFailed(respErr.HTTPStatusCode(), "object store rejected the credential")
	}
	return broker.NewTransportError(broker.StageDownstream, err)
}

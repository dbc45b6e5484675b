// Package s3range implements rangestream.RangeReader against Amazon S3 and
// S3-compatible object stores via the AWS SDK for Go v2.
package s3range

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithymiddleware "github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ClientConfig holds configuration for constructing an S3 client to pass
// to New.
type ClientConfig struct {
	// Region is the AWS region (required).
	Region string

	// Endpoint is an optional custom endpoint URL, for S3-compatible
	// services (MinIO, LocalStack, R2). Example: "http://localhost:4566".
	Endpoint string

	// UsePathStyle enables path-style addressing instead of
	// virtual-hosted style. Required by some S3-compatible services.
	UsePathStyle bool

	// Credentials are the AWS credentials to use. If nil, uses the
	// default credential chain.
	Credentials aws.CredentialsProvider
}

// NewClient creates a new S3 client with the given configuration. Every
// request the returned client issues on behalf of a Reader carries an
// X-Rangestream-Request-Id header populated from the correlation ID the
// Reader attaches to its call context (see withRequestID); requests whose
// context holds no such ID go out without it. A GetObject burst from the read-ahead
// pool's workers can be traced back to the logical ReadRange call that
// triggered it on the server side as well as in this process's own
// diagnostics.
//
// For AWS S3:
//
//	client, err := s3range.NewClient(ctx, s3range.ClientConfig{Region: "us-east-1"})
//
// For LocalStack:
//
//	client, err := s3range.NewClient(ctx, s3range.ClientConfig{
//	    Region:       "us-east-1",
//	    Endpoint:     "http://localhost:4566",
//	    UsePathStyle: true,
//	    Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
//	})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.Credentials != nil {
		opts = append(opts, config.WithCredentialsProvider(cfg.Credentials))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.APIOptions = append(o.APIOptions, attachCorrelationID)
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// NewLocalStackClient creates an S3 client configured for LocalStack.
// Defaults: endpoint=http://localhost:4566, region=us-east-1,
// credentials=test/test.
func NewLocalStackClient(ctx context.Context) (*s3.Client, error) {
	return NewClient(ctx, ClientConfig{
		Region:       "us-east-1",
		Endpoint:     "http://localhost:4566",
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	})
}

// correlationIDHeader is the header NewClient's request middleware sets
// from the context a Reader.ReadRange call attaches its correlation ID to.
const correlationIDHeader = "X-Rangestream-Request-Id"

// attachCorrelationID registers a Build-step middleware that copies the
// correlation ID from RequestID(ctx), if any, onto the outgoing HTTP
// request. It is a no-op for calls that were not made through a Reader
// (e.g. the HeadObject helper below).
func attachCorrelationID(stack *smithymiddleware.Stack) error {
	return stack.Build.Add(smithymiddleware.BuildMiddlewareFunc(
		"RangestreamAttachCorrelationID",
		func(ctx context.Context, in smithymiddleware.BuildInput, next smithymiddleware.BuildHandler) (
			smithymiddleware.BuildOutput, smithymiddleware.Metadata, error,
		) {
			if id := RequestID(ctx); id != "" {
				if req, ok := in.Request.(*smithyhttp.Request); ok {
					req.Header.Set(correlationIDHeader, id)
				}
			}
			return next.HandleBuild(ctx, in)
		},
	), smithymiddleware.After)
}

// HeadObject retrieves the content length and ETag of bucket/key, the
// values a caller typically needs to populate rangestream.Config before
// calling rangestream.Open.
func HeadObject(ctx context.Context, client API, bucket, key string) (contentLength int64, etag string, err error) {
	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, "", err
	}
	return aws.ToInt64(out.ContentLength), aws.ToString(out.ETag), nil
}

package s3range

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/quillbyte/rangestream"
)

// API is the subset of *s3.Client's method set a Reader needs.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Reader implements rangestream.RangeReader against a single bucket/key,
// translating positioned range requests into GetObject calls with an HTTP
// Range header.
type Reader struct {
	client API
	bucket string
	key    string
}

// New constructs a Reader over bucket/key using client.
func New(client API, bucket, key string) (*Reader, error) {
	if client == nil {
		return nil, errors.New("rangestream/s3range: client is required")
	}
	if bucket == "" || key == "" {
		return nil, errors.New("rangestream/s3range: bucket and key are required")
	}
	return &Reader{client: client, bucket: bucket, key: key}, nil
}

// ReadRange implements rangestream.RangeReader.
//
// path is unused: a Reader is already bound to exactly one object. It is
// part of the RangeReader signature so a single implementation backed by a
// client without a fixed key could route on it; Reader does not need to.
func (r *Reader) ReadRange(ctx context.Context, path string, position int64, dst []byte, dstOffset, length int, etagOrStar string) (int, error) {
	if position < 0 || length < 0 || dstOffset+length > len(dst) {
		return 0, rangestream.ErrIndexOutOfBounds
	}
	if length == 0 {
		return 0, nil
	}

	requestID := uuid.New().String()
	ctx = withRequestID(ctx, requestID)

	end := position + int64(length) - 1
	input := &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", position, end)),
	}
	if etagOrStar != "" && etagOrStar != "*" {
		input.IfMatch = aws.String(etagOrStar)
	}

	out, err := r.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return 0, rangestream.ErrNotFound
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return -1, nil
		}
		return 0, &rangestream.IOError{Cause: fmt.Errorf("get object (request %s): %w", requestID, err)}
	}
	defer func() { _ = out.Body.Close() }()

	if cl := aws.ToInt64(out.ContentLength); cl > int64(math.MaxInt) {
		return 0, &rangestream.IOError{Cause: fmt.Errorf("request %s: content length %d exceeds maximum addressable integer", requestID, cl)}
	}

	n, err := io.ReadFull(out.Body, dst[dstOffset:dstOffset+length])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return n, &rangestream.IOError{Cause: fmt.Errorf("read body (request %s): %w", requestID, err)}
	}
	return n, nil
}

// isNotFound reports whether err indicates the object or bucket no longer
// exists.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts the correlation ID a Reader attached to ctx for a
// given ReadRange call, if any. Intended for a caller's own logging
// middleware wrapping the S3 client.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

var _ rangestream.RangeReader = (*Reader)(nil)

package s3range

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// MockAPI is a test double for API: an in-memory bucket with deterministic
// fault injection on GetObject, for tests that need to exercise the optimised-path fallback without a real S3 endpoint.
type MockAPI struct {
	mu      sync.Mutex
	objects map[string][]byte
	etags   map[string]string

	getObjectCalls int

	// FailGetObjectOnCall fails the Nth GetObject call (1-indexed) with
	// FailGetObjectErr. Zero disables.
	FailGetObjectOnCall int
	FailGetObjectErr    error

	// TruncateFirstNCalls, if > 0, limits the first N GetObject calls to
	// at most TruncateBytes of the requested range, modeling a server
	// that satisfies a range request partially.
	TruncateFirstNCalls int
	TruncateBytes       int
}

// NewMockAPI creates an empty MockAPI.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		objects: make(map[string][]byte),
		etags:   make(map[string]string),
	}
}

// PutObject seeds key with data and an ETag, bypassing S3 semantics
// entirely — this is a test setup helper, not part of API.
func (m *MockAPI) PutObject(key string, data []byte, etag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.etags[key] = etag
}

// GetObjectCalls returns the number of GetObject invocations so far.
func (m *MockAPI) GetObjectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getObjectCalls
}

// GetObject implements API.GetObject.
func (m *MockAPI) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	m.getObjectCalls++
	callIdx := m.getObjectCalls
	data, exists := m.objects[key]
	etag := m.etags[key]
	failOnCall, failErr := m.FailGetObjectOnCall, m.FailGetObjectErr
	truncateN, truncateBytes := m.TruncateFirstNCalls, m.TruncateBytes
	m.mu.Unlock()

	if !exists {
		return nil, &types.NoSuchKey{}
	}
	if failOnCall > 0 && callIdx == failOnCall {
		return nil, failErr
	}
	if aws.ToString(params.IfMatch) != "" && aws.ToString(params.IfMatch) != etag {
		return nil, &smithyAPIError{code: "PreconditionFailed", message: "etag mismatch"}
	}

	if params.Range != nil {
		var start, end int64
		_, _ = fmt.Sscanf(aws.ToString(params.Range), "bytes=%d-%d", &start, &end)
		if start >= int64(len(data)) {
			return nil, &smithyAPIError{code: "InvalidRange"}
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		data = data[start : end+1]
	}

	if truncateN > 0 && callIdx <= truncateN && len(data) > truncateBytes {
		data = data[:truncateBytes]
	}

	return &s3.GetObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(etag),
		Body:          io.NopCloser(bytes.NewReader(data)),
	}, nil
}

// HeadObject implements API.HeadObject.
func (m *MockAPI) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	data, exists := m.objects[key]
	etag := m.etags[key]
	m.mu.Unlock()

	if !exists {
		return nil, &types.NoSuchKey{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(etag),
	}, nil
}

// smithyAPIError implements smithy.APIError for testing error classification.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *smithyAPIError) ErrorCode() string { return e.code }

func (e *smithyAPIError) ErrorMessage() string { return e.message }

func (e *smithyAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ API = (*MockAPI)(nil)

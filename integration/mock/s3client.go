// Package mock provides in-memory stand-ins for the AWS clients used by the
// wrappers, shared by the integration tests.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
)

// S3Client is an in-memory implementation of aws.S3Client. Objects are keyed
// by "bucket/key".
type S3Client struct {
	mu sync.RWMutex
	// Maps bucket/key to object content
	Files map[string][]byte
	// Maps bucket/key to user metadata
	Metadata map[string]map[string]string
	// Maps bucket/key to content type
	ContentTypes map[string]*string
	// Maps bucket/key to ETags
	ETags map[string]*string
	// Number of calls per operation name
	Calls map[string]int
}

// NewS3Client creates an empty mock S3 client
func NewS3Client() *S3Client {
	return &S3Client{
		Files:        make(map[string][]byte),
		Metadata:     make(map[string]map[string]string),
		ContentTypes: make(map[string]*string),
		ETags:        make(map[string]*string),
		Calls:        make(map[string]int),
	}
}

// AddObject stores content under bucket/key as if it had been uploaded.
func (m *S3Client) AddObject(bucket, key string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(bucketKey(bucket, key), content, nil, nil)
}

// Object returns the content stored under bucket/key.
func (m *S3Client) Object(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.Files[bucketKey(bucket, key)]
	return data, ok
}

// Keys lists all stored bucket/key names in order.
func (m *S3Client) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.Files))
	for k := range m.Files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func bucketKey(bucket, key string) string {
	return fmt.Sprintf("%s/%s", bucket, key)
}

func (m *S3Client) store(bk string, data []byte, metadata map[string]string, contentType *string) *string {
	m.Files[bk] = data
	if metadata == nil {
		metadata = make(map[string]string)
	}
	m.Metadata[bk] = metadata
	m.ContentTypes[bk] = contentType
	etag := aws.String(fmt.Sprintf("\"%x\"", len(data)))
	m.ETags[bk] = etag
	return etag
}

func noSuchKey(key string) error {
	return &types.NoSuchKey{
		Message: aws.String(fmt.Sprintf("The specified key does not exist: %s", key)),
	}
}

// GetObject implements the S3Client interface for reading objects
func (m *S3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetObject"]++

	bk := bucketKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	content, ok := m.Files[bk]
	if !ok {
		return nil, noSuchKey(aws.ToString(params.Key))
	}

	body, contentRange, err := byteRange(content, aws.ToString(params.Range))
	if err != nil {
		return nil, err
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		Metadata:      m.Metadata[bk],
		ContentType:   m.ContentTypes[bk],
		ETag:          m.ETags[bk],
		ContentLength: aws.Int64(int64(len(body))),
		ContentRange:  contentRange,
	}, nil
}

// byteRange applies a "bytes=first-[last]" header to content.
func byteRange(content []byte, header string) ([]byte, *string, error) {
	if header == "" {
		return content, nil, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	firstStr, lastStr, found := strings.Cut(spec, "-")
	if !ok || !found {
		return nil, nil, fmt.Errorf("mock S3: unsupported range %q", header)
	}
	first, err := strconv.ParseInt(firstStr, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("mock S3: unsupported range %q", header)
	}
	size := int64(len(content))
	last := size - 1
	if lastStr != "" {
		if last, err = strconv.ParseInt(lastStr, 10, 64); err != nil {
			return nil, nil, fmt.Errorf("mock S3: unsupported range %q", header)
		}
		last = min(last, size-1)
	}
	if first >= size || first > last {
		return nil, nil, &smithy.GenericAPIError{Code: "InvalidRange", Message: "The requested range is not satisfiable"}
	}

	cr := fmt.Sprintf("bytes %d-%d/%d", first, last, size)
	return content[first : last+1], &cr, nil
}

// PutObject implements the S3Client interface for writing objects
func (m *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["PutObject"]++

	bk := bucketKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	etag := m.store(bk, data, params.Metadata, params.ContentType)
	return &s3.PutObjectOutput{ETag: etag}, nil
}

// HeadObject implements the S3Client interface for retrieving object metadata
func (m *S3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["HeadObject"]++

	bk := bucketKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	content, ok := m.Files[bk]
	if !ok {
		// HEAD responses carry no body, S3 answers a bare 404
		return nil, &types.NotFound{Message: aws.String("Not Found")}
	}

	return &s3.HeadObjectOutput{
		ETag:          m.ETags[bk],
		Metadata:      m.Metadata[bk],
		ContentType:   m.ContentTypes[bk],
		ContentLength: aws.Int64(int64(len(content))),
	}, nil
}

// DeleteObject implements the S3Client interface. Missing keys succeed.
func (m *S3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["DeleteObject"]++

	bk := bucketKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	delete(m.Files, bk)
	delete(m.Metadata, bk)
	delete(m.ContentTypes, bk)
	delete(m.ETags, bk)
	return &s3.DeleteObjectOutput{}, nil
}

// CreateMultipartUpload is a stub implementation for the s3streamer.S3Client interface
func (m *S3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, fmt.Errorf("CreateMultipartUpload not implemented in mock")
}

// UploadPart is a stub implementation for the s3streamer.S3Client interface
func (m *S3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, fmt.Errorf("UploadPart not implemented in mock")
}

// CompleteMultipartUpload is a stub implementation for the s3streamer.S3Client interface
func (m *S3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, fmt.Errorf("CompleteMultipartUpload not implemented in mock")
}

// AbortMultipartUpload is a stub implementation for the s3streamer.S3Client interface
func (m *S3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, fmt.Errorf("AbortMultipartUpload not implemented in mock")
}

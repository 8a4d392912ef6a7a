// Package objectstore wraps a single S3 bucket: uploads, metadata lookups,
// lazy downloads, deletes, pre-signed URLs and line-by-line reads.
//
// A Store without a bucket or client is unconfigured. It can still be
// constructed and passed around, but every operation fails with a
// *config.ConfigurationError before any network call.
package objectstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"github.com/gurre/awschome/aws"
	"github.com/gurre/awschome/config"
	"github.com/gurre/awschome/metrics"
	"github.com/gurre/s3streamer"
)

// DefaultSignedURLExpiry is how long a URL from GetSignedURL stays valid.
const DefaultSignedURLExpiry = 15 * time.Minute

// ErrClosed is returned by reads on a stream that was closed.
var ErrClosed = errors.New("objectstore: read on closed stream")

// LineStreamer reads an object line by line starting at a byte offset.
type LineStreamer interface {
	Stream(ctx context.Context, bucket, key string, offset int64, fn func(line []byte, byteOffset int64) error) error
}

var _ LineStreamer = (s3streamer.Streamer)(nil)

// Store is bound to one bucket.
type Store struct {
	bucket    string
	client    aws.S3Client
	uploader  aws.Uploader
	presigner aws.PresignClient
	streamer  LineStreamer
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithUploader sets the uploader used by Upload. Without one, bodies are sent
// with a single PutObject call.
func WithUploader(u aws.Uploader) Option {
	return func(s *Store) { s.uploader = u }
}

// WithPresigner enables GetSignedURL.
func WithPresigner(p aws.PresignClient) Option {
	return func(s *Store) { s.presigner = p }
}

// WithStreamer enables StreamLines.
func WithStreamer(ls LineStreamer) Option {
	return func(s *Store) { s.streamer = ls }
}

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics counts uploads and failed calls.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a Store for bucket. An empty bucket leaves the store
// unconfigured and drops client.
func New(bucket string, client aws.S3Client, opts ...Option) *Store {
	s := &Store{
		bucket: bucket,
		logger: slog.Default(),
	}
	if bucket != "" {
		s.client = client
	}
	for _, o := range opts {
		o(s)
	}
	if s.uploader == nil && s.client != nil {
		s.uploader = putObjectUploader{client: s.client}
	}
	return s
}

// Bucket returns the bucket name, empty when unconfigured.
func (s *Store) Bucket() string {
	return s.bucket
}

// Configured reports whether operations can succeed.
func (s *Store) Configured() bool {
	return s.bucket != "" && s.client != nil
}

func (s *Store) ensureConfigured() error {
	if !s.Configured() {
		return config.NotConfigured("s3 store")
	}
	return nil
}

// Upload writes body under key. opts run after Bucket, Key and Body are set
// and may add content type, metadata and similar fields.
func (s *Store) Upload(ctx context.Context, key string, body io.Reader, opts ...func(*s3.PutObjectInput)) (*manager.UploadOutput, error) {
	if err := s.ensureConfigured(); err != nil {
		return nil, err
	}

	input := &s3.PutObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(key),
		Body:   body,
	}
	for _, o := range opts {
		o(input)
	}

	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		s.metrics.RecordError()
		return nil, err
	}

	s.metrics.RecordObjectUploaded()
	s.logger.Debug("uploaded object", "bucket", s.bucket, "key", key)
	return out, nil
}

// GetMetadata returns the object's metadata without its body.
func (s *Store) GetMetadata(ctx context.Context, id string) (*s3.HeadObjectOutput, error) {
	if err := s.ensureConfigured(); err != nil {
		return nil, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(id),
	})
	if err != nil {
		s.metrics.RecordError()
		return nil, err
	}
	return out, nil
}

// GetStream returns a reader over the object's body. The GetObject request is
// made on the first Read, so a missing object surfaces as a read error.
// Close before the first Read makes no request at all.
func (s *Store) GetStream(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := s.ensureConfigured(); err != nil {
		return nil, err
	}
	return &lazyReader{ctx: ctx, store: s, key: id}, nil
}

// DeleteByID removes the object. S3 reports success for missing keys.
func (s *Store) DeleteByID(ctx context.Context, id string) (*s3.DeleteObjectOutput, error) {
	if err := s.ensureConfigured(); err != nil {
		return nil, err
	}

	out, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(id),
	})
	if err != nil {
		s.metrics.RecordError()
		return nil, err
	}

	s.logger.Debug("deleted object", "bucket", s.bucket, "key", id)
	return out, nil
}

type signOptions struct {
	expiry time.Duration
}

// SignOption configures GetSignedURL.
type SignOption func(*signOptions)

// WithExpiry overrides DefaultSignedURLExpiry.
func WithExpiry(d time.Duration) SignOption {
	return func(o *signOptions) { o.expiry = d }
}

// GetSignedURL returns a pre-signed GET URL for the object. Signing is local;
// the object does not have to exist.
func (s *Store) GetSignedURL(ctx context.Context, id string, opts ...SignOption) (string, error) {
	if err := s.ensureConfigured(); err != nil {
		return "", err
	}
	if s.presigner == nil {
		return "", config.NotConfigured("s3 presigner")
	}

	o := signOptions{expiry: DefaultSignedURLExpiry}
	for _, opt := range opts {
		opt(&o)
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(id),
	}, s3.WithPresignExpires(o.expiry))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// StreamLines calls fn for every line of the object that ends after offset.
// byteOffset is the absolute position just past the line, so passing it back
// as offset continues with the next line.
//
// The streamer reports where each line starts, counted from the offset it was
// asked to read from. Compressed objects are counted in decompressed bytes
// and cannot be read from the middle, so they are always read from the start
// and lines ending at or before offset are skipped.
func (s *Store) StreamLines(ctx context.Context, id string, offset int64, fn func(line []byte, byteOffset int64) error) error {
	if err := s.ensureConfigured(); err != nil {
		return err
	}
	if s.streamer == nil {
		return config.NotConfigured("s3 line streamer")
	}

	from := offset
	if offset > 0 && Compressed(id) {
		s.logger.Debug("reading compressed object from the start", "bucket", s.bucket, "key", id, "offset", offset)
		from = 0
	}

	err := s.streamer.Stream(ctx, s.bucket, id, from, func(line []byte, lineStart int64) error {
		end := from + lineStart + int64(len(line)) + 1
		if end <= offset {
			return nil
		}
		return fn(line, end)
	})

	// Resuming at the end of the object leaves nothing to read
	var apiErr smithy.APIError
	if from > 0 && errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
		return nil
	}
	return err
}

// Compressed reports whether key names a gzip object.
func Compressed(key string) bool {
	k := strings.ToLower(key)
	return strings.HasSuffix(k, ".gz") || strings.HasSuffix(k, ".gzip")
}

type lazyReader struct {
	ctx   context.Context
	store *Store
	key   string

	mu     sync.Mutex
	body   io.ReadCloser
	closed bool
}

func (r *lazyReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	if r.body == nil {
		out, err := r.store.client.GetObject(r.ctx, &s3.GetObjectInput{
			Bucket: awssdk.String(r.store.bucket),
			Key:    awssdk.String(r.key),
		})
		if err != nil {
			r.store.metrics.RecordError()
			return 0, err
		}
		r.body = out.Body
	}
	return r.body.Read(p)
}

func (r *lazyReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.body != nil {
		return r.body.Close()
	}
	return nil
}

// putObjectUploader sends the whole body in one PutObject call.
type putObjectUploader struct {
	client aws.S3Client
}

func (u putObjectUploader) Upload(ctx context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	out, err := u.client.PutObject(ctx, input)
	if err != nil {
		return nil, err
	}
	return &manager.UploadOutput{
		ETag:      out.ETag,
		VersionID: out.VersionId,
		Key:       input.Key,
	}, nil
}

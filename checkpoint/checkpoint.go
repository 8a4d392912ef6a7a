// Package checkpoint persists replay progress so an interrupted replay can
// resume where it stopped. State is stored as a small JSON document in S3, on
// the local filesystem or in memory.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/awschome/aws"
)

// CompletedOffset marks an object as fully replayed. Using -1 distinguishes
// "completed" from "start at offset 0".
const CompletedOffset = int64(-1)

// State is the replay position within one source object.
//
//	store, _ := checkpoint.Open("s3://my-bucket/checkpoints/replay.json", client)
//	state, err := store.Load(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("resuming %s at %d\n", state.ObjectKey, state.LastByteOffset)
type State struct {
	Bucket         string `json:"bucket"`
	ObjectKey      string `json:"objectKey"`
	LastByteOffset int64  `json:"lastByteOffset"`
}

// Completed reports whether the object was replayed to the end.
func (s State) Completed() bool {
	return s.LastByteOffset == CompletedOffset
}

// ResumeOffset returns where to continue reading bucket/key. A state for
// another object starts from zero.
func (s State) ResumeOffset(bucket, key string) (offset int64, done bool) {
	if s.Bucket != bucket || s.ObjectKey != key {
		return 0, false
	}
	if s.Completed() {
		return 0, true
	}
	return s.LastByteOffset, false
}

// Store saves and loads checkpoint state. Load returns the zero State when
// nothing was saved yet.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// Open picks a Store by URI scheme: s3://bucket/key, file:///abs/path or
// mem:// (also used for an empty URI). client is only needed for s3.
func Open(uri string, client aws.S3Client) (Store, error) {
	switch {
	case uri == "" || strings.HasPrefix(uri, "mem://"):
		return NewMemoryStore(), nil
	case strings.HasPrefix(uri, "s3://"):
		if client == nil {
			return nil, fmt.Errorf("s3 checkpoint %s needs an S3 client", uri)
		}
		return NewS3Store(client, uri)
	case strings.HasPrefix(uri, "file://"):
		return NewFileStore(uri)
	default:
		return nil, fmt.Errorf("unsupported checkpoint URI: %s", uri)
	}
}

// S3Store keeps the state in one S3 object.
type S3Store struct {
	client aws.S3Client
	bucket string
	key    string
}

// NewS3Store creates an S3Store from an s3://bucket/key URI.
func NewS3Store(client aws.S3Client, uri string) (*S3Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid S3 URI scheme: %s", u.Scheme)
	}

	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return nil, fmt.Errorf("S3 URI needs a bucket and key: %s", uri)
	}

	return &S3Store{
		client: client,
		bucket: u.Host,
		key:    key,
	}, nil
}

// Load reads the state object. A missing object is an empty state.
func (s *S3Store) Load(ctx context.Context) (State, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
	})
	if missingObject(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to get checkpoint s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return State{}, fmt.Errorf("failed to read checkpoint s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return decode(data)
}

// Save overwrites the state object.
func (s *S3Store) Save(ctx context.Context, state State) error {
	data, err := encode(state)
	if err != nil {
		return err
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &s.key,
		Body:        bytes.NewReader(data),
		ContentType: awssdk.String("application/json"),
	}); err != nil {
		return fmt.Errorf("failed to save checkpoint s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

// missingObject matches NoSuchKey and the NotFound some S3-compatible stores
// answer with.
func missingObject(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// FileStore keeps the state in a local file.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore from a file:// URI. The path must be
// absolute; missing parent directories are created.
func NewFileStore(uri string) (*FileStore, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid file URI: %w", err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("invalid file URI scheme: %s", u.Scheme)
	}

	cleanPath := filepath.Clean(u.Path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("checkpoint path must be absolute: %s", cleanPath)
	}

	if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &FileStore{
		path: cleanPath,
	}, nil
}

// Load reads the file. A missing file is an empty state.
func (f *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return decode(data)
}

// Save replaces the file atomically through a temporary sibling.
func (f *FileStore) Save(ctx context.Context, state State) error {
	data, err := encode(state)
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}

func (s State) validate() error {
	if s.LastByteOffset < CompletedOffset {
		return fmt.Errorf("invalid checkpoint offset %d for %s", s.LastByteOffset, s.ObjectKey)
	}
	if s.ObjectKey == "" && s.LastByteOffset != 0 {
		return fmt.Errorf("checkpoint offset %d without an object key", s.LastByteOffset)
	}
	return nil
}

func encode(s State) ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return data, nil
}

func decode(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if err := s.validate(); err != nil {
		return State{}, err
	}
	return s, nil
}

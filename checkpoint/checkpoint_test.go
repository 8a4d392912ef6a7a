package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// mockS3Client implements aws.S3Client with a single-map object store.
type mockS3Client struct {
	objects map[string][]byte
	getErr  error
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*params.Bucket+"/"+*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*params.Bucket+"/"+*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return &s3.DeleteObjectOutput{}, nil
}

func TestMemoryStore_SaveLoad(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := State{
		Bucket:         "events",
		ObjectKey:      "2024/07/04.jsonl",
		LastByteOffset: 1024,
	}

	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}

	if loaded != state {
		t.Errorf("state mismatch: got %+v, want %+v", loaded, state)
	}
	if store.Saves() != 1 {
		t.Errorf("expected 1 save, got %d", store.Saves())
	}
}

func TestMemoryStore_EmptyState(t *testing.T) {
	store := NewMemoryStore()

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load empty state: %v", err)
	}
	if state != (State{}) {
		t.Errorf("expected zero state, got %+v", state)
	}
}

func TestMemoryStore_Overwrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, State{ObjectKey: "first", LastByteOffset: 100}); err != nil {
		t.Fatalf("failed to save first state: %v", err)
	}
	if err := store.Save(ctx, State{ObjectKey: "second", LastByteOffset: 200}); err != nil {
		t.Fatalf("failed to save second state: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded.ObjectKey != "second" {
		t.Errorf("expected ObjectKey 'second', got %s", loaded.ObjectKey)
	}
}

func TestStateResumeOffset(t *testing.T) {
	cases := []struct {
		name       string
		state      State
		wantOffset int64
		wantDone   bool
	}{
		{"empty", State{}, 0, false},
		{"same object", State{Bucket: "b", ObjectKey: "k", LastByteOffset: 42}, 42, false},
		{"completed", State{Bucket: "b", ObjectKey: "k", LastByteOffset: CompletedOffset}, 0, true},
		{"other object", State{Bucket: "b", ObjectKey: "other", LastByteOffset: 42}, 0, false},
		{"other bucket", State{Bucket: "x", ObjectKey: "k", LastByteOffset: CompletedOffset}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			offset, done := tc.state.ResumeOffset("b", "k")
			if offset != tc.wantOffset || done != tc.wantDone {
				t.Errorf("got (%d, %v), want (%d, %v)", offset, done, tc.wantOffset, tc.wantDone)
			}
		})
	}
}

func TestFileStore_SaveLoad(t *testing.T) {
	uri := "file://" + filepath.Join(t.TempDir(), "checkpoint.json")

	store, err := NewFileStore(uri)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	ctx := context.Background()
	state := State{Bucket: "b", ObjectKey: "data-002.jsonl", LastByteOffset: 2048}

	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded != state {
		t.Errorf("state mismatch: got %+v, want %+v", loaded, state)
	}
}

func TestFileStore_NonExistent(t *testing.T) {
	uri := "file://" + filepath.Join(t.TempDir(), "nonexistent.json")

	store, err := NewFileStore(uri)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load non-existent state: %v", err)
	}
	if state != (State{}) {
		t.Errorf("expected empty state for non-existent file, got: %+v", state)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := NewFileStore("file://" + path)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	if _, err := store.Load(context.Background()); err == nil {
		t.Error("expected decode error for corrupt checkpoint")
	}
}

func TestFileStore_InvalidURI(t *testing.T) {
	testCases := []string{
		"s3://bucket/key",
		"http://example.com/file",
		"/path/without/scheme",
	}

	for _, uri := range testCases {
		t.Run(uri, func(t *testing.T) {
			if _, err := NewFileStore(uri); err == nil {
				t.Errorf("expected error for invalid file URI: %s", uri)
			}
		})
	}
}

func TestFileStore_CreatesDirectory(t *testing.T) {
	nestedDir := filepath.Join(t.TempDir(), "nested", "dir")
	uri := "file://" + filepath.Join(nestedDir, "checkpoint.json")

	store, err := NewFileStore(uri)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	if _, err := os.Stat(nestedDir); os.IsNotExist(err) {
		t.Error("expected nested directory to be created")
	}

	if err := store.Save(context.Background(), State{ObjectKey: "test"}); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
}

func TestS3Store_NewValidURI(t *testing.T) {
	store, err := NewS3Store(nil, "s3://my-bucket/path/to/checkpoint.json")
	if err != nil {
		t.Fatalf("failed to create S3 store: %v", err)
	}

	if store.bucket != "my-bucket" {
		t.Errorf("bucket mismatch: got %s, want my-bucket", store.bucket)
	}
	if store.key != "path/to/checkpoint.json" {
		t.Errorf("key mismatch: got %s, want path/to/checkpoint.json", store.key)
	}
}

func TestS3Store_InvalidURI(t *testing.T) {
	testCases := []string{
		"http://bucket/key",
		"https://bucket/key",
		"file:///path/to/file",
		"bucket/key",
		"s3://bucket-only",
	}

	for _, uri := range testCases {
		t.Run(uri, func(t *testing.T) {
			if _, err := NewS3Store(nil, uri); err == nil {
				t.Errorf("expected error for invalid S3 URI: %s", uri)
			}
		})
	}
}

func TestS3Store_SaveLoad(t *testing.T) {
	client := newMockS3Client()
	store, err := NewS3Store(client, "s3://ckpt/replay.json")
	if err != nil {
		t.Fatalf("failed to create S3 store: %v", err)
	}
	ctx := context.Background()

	empty, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("missing checkpoint should load as empty, got %v", err)
	}
	if empty != (State{}) {
		t.Errorf("expected zero state, got %+v", empty)
	}

	state := State{Bucket: "events", ObjectKey: "k", LastByteOffset: CompletedOffset}
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded != state || !loaded.Completed() {
		t.Errorf("state mismatch: got %+v, want %+v", loaded, state)
	}
}

func TestS3Store_LoadError(t *testing.T) {
	client := newMockS3Client()
	client.getErr = errors.New("access denied")
	store, _ := NewS3Store(client, "s3://ckpt/replay.json")

	if _, err := store.Load(context.Background()); !errors.Is(err, client.getErr) {
		t.Fatalf("expected wrapped access error, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	client := newMockS3Client()
	fileURI := "file://" + filepath.Join(t.TempDir(), "c.json")

	cases := []struct {
		uri     string
		wantErr bool
	}{
		{"", false},
		{"mem://", false},
		{"s3://bucket/key.json", false},
		{fileURI, false},
		{"ftp://host/file", true},
	}
	for _, tc := range cases {
		t.Run(tc.uri, func(t *testing.T) {
			store, err := Open(tc.uri, client)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tc.uri)
				}
				return
			}
			if err != nil || store == nil {
				t.Fatalf("Open(%q): %v", tc.uri, err)
			}
		})
	}

	if _, err := Open("s3://bucket/key.json", nil); err == nil {
		t.Error("expected error for s3 checkpoint without a client")
	}
}

func TestStoresRejectInvalidState(t *testing.T) {
	fileStore, err := NewFileStore("file://" + filepath.Join(t.TempDir(), "ckpt.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	s3Store, err := NewS3Store(newMockS3Client(), "s3://ckpt/replay.json")
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}

	invalid := []State{
		{ObjectKey: "k", LastByteOffset: -2},
		{LastByteOffset: 10},
	}
	for name, store := range map[string]Store{"file": fileStore, "s3": s3Store} {
		for _, state := range invalid {
			if err := store.Save(context.Background(), state); err == nil {
				t.Errorf("%s: expected error saving %+v", name, state)
			}
		}
	}
}

func TestS3Store_LoadInvalidOffset(t *testing.T) {
	client := newMockS3Client()
	client.objects["ckpt/replay.json"] = []byte(`{"bucket":"b","objectKey":"k","lastByteOffset":-5}`)
	store, _ := NewS3Store(client, "s3://ckpt/replay.json")

	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("expected error for a negative offset")
	}
}

func TestS3Store_LoadNotFound(t *testing.T) {
	client := newMockS3Client()
	client.getErr = &types.NotFound{}
	store, _ := NewS3Store(client, "s3://ckpt/replay.json")

	state, err := store.Load(context.Background())
	if err != nil || state != (State{}) {
		t.Fatalf("expected empty state for NotFound, got %+v (%v)", state, err)
	}
}

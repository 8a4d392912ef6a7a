package integration

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/awschome/checkpoint"
	"github.com/gurre/awschome/config"
	"github.com/gurre/awschome/integration/mock"
	"github.com/gurre/awschome/objectstore"
	"github.com/gurre/awschome/preflight"
	"github.com/gurre/awschome/replay"
	"github.com/gurre/awschome/services"
	"github.com/gurre/awschome/stream"
	"github.com/gurre/s3streamer"
)

const (
	testBucket = "test-bucket"
	testStream = "test-stream"
	streamARN  = "arn:aws:kinesis:us-west-2:123456789012:stream/test-stream"
	principal  = "arn:aws:iam::123456789012:role/awschome"
)

type fixture struct {
	s3      *mock.S3Client
	kinesis *mock.KinesisClient
	iam     *mock.IAMClient
	signer  *mock.PresignClient
	svc     *services.Services
}

func newFixture(t *testing.T, opts ...services.Option) *fixture {
	t.Helper()

	f := &fixture{
		s3:      mock.NewS3Client(),
		kinesis: mock.NewKinesisClient(),
		iam:     mock.NewIAMClient("s3:PutObject", "s3:GetObject", "s3:DeleteObject", "kinesis:PutRecord"),
		signer:  &mock.PresignClient{},
	}

	cfg := &config.Config{
		ServiceOptions: config.ServiceOptions{Region: "us-west-2", PrincipalARN: principal},
		S3:             config.ServiceOptions{S3Bucket: testBucket},
		Kinesis: config.ServiceOptions{
			KinesisStreamName:    testStream,
			StreamARN:            streamARN,
			LocaleStringTimezone: "UTC",
			LocaleStringAbbrev:   "UTC",
		},
	}

	all := append([]services.Option{services.WithClients(services.Clients{
		S3:        f.s3,
		Presigner: f.signer,
		Streamer:  f.s3,
		Kinesis:   f.kinesis,
		IAM:       f.iam,
	})}, opts...)

	svc, err := services.New(context.Background(), cfg, all...)
	if err != nil {
		t.Fatalf("Failed to build services: %v", err)
	}
	f.svc = svc
	return f
}

func ndjson(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"line":%d,"tags":"replay"}`+"\n", i)
	}
	return b.String()
}

// lines decodes the "line" field of every record the mock stream accepted.
func lines(t *testing.T, records []mock.Record) []int {
	t.Helper()
	out := make([]int, 0, len(records))
	for _, r := range records {
		var v struct {
			Line int `json:"line"`
		}
		if err := json.Unmarshal(r.Data, &v); err != nil {
			t.Fatalf("Failed to decode record %s: %v", r.Data, err)
		}
		out = append(out, v.Line)
	}
	return out
}

func TestObjectLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := f.svc.S3

	out, err := store.Upload(ctx, "docs/readme.txt", strings.NewReader("hello world"), func(in *s3.PutObjectInput) {
		in.ContentType = aws.String("text/plain")
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if aws.ToString(out.Key) != "docs/readme.txt" {
		t.Errorf("Expected key docs/readme.txt, got %q", aws.ToString(out.Key))
	}

	head, err := store.GetMetadata(ctx, "docs/readme.txt")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if aws.ToInt64(head.ContentLength) != 11 || aws.ToString(head.ContentType) != "text/plain" {
		t.Errorf("Unexpected metadata: length %d, type %q", aws.ToInt64(head.ContentLength), aws.ToString(head.ContentType))
	}

	rc, err := store.GetStream(ctx, "docs/readme.txt")
	if err != nil {
		t.Fatalf("GetStream failed: %v", err)
	}
	body, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || string(body) != "hello world" {
		t.Errorf("Expected body 'hello world', got %q (%v)", body, err)
	}

	url, err := store.GetSignedURL(ctx, "docs/readme.txt")
	if err != nil {
		t.Fatalf("GetSignedURL failed: %v", err)
	}
	if !strings.Contains(url, "/test-bucket/docs/readme.txt?") || !strings.Contains(url, "X-Amz-Expires=900") {
		t.Errorf("Unexpected signed URL %q", url)
	}

	if _, err := store.DeleteByID(ctx, "docs/readme.txt"); err != nil {
		t.Fatalf("DeleteByID failed: %v", err)
	}
	_, err = store.GetMetadata(ctx, "docs/readme.txt")
	var nf *types.NotFound
	if !errors.As(err, &nf) {
		t.Errorf("Expected NotFound after delete, got %v", err)
	}

	if r := f.svc.Metrics.GenerateReport(); r.ObjectsUploaded != 1 {
		t.Errorf("Expected 1 upload in report, got %d", r.ObjectsUploaded)
	}
}

func TestReplayEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := f.svc.S3.Upload(ctx, "events/day.jsonl", strings.NewReader(ndjson(1200))); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	ckpt, err := f.svc.CheckpointStore("file://" + filepath.Join(t.TempDir(), "replay.json"))
	if err != nil {
		t.Fatalf("Failed to open checkpoint store: %v", err)
	}

	res, err := f.svc.Replayer(replay.WithCheckpointStore(ckpt)).Run(ctx, "events/day.jsonl")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if res.Records != 1200 || res.Pages != 3 {
		t.Errorf("Expected 1200 records in 3 pages, got %+v", res)
	}

	records := f.kinesis.Records()
	if len(records) != 1200 || f.kinesis.Requests() != 3 {
		t.Fatalf("Expected 1200 records in 3 requests, got %d in %d", len(records), f.kinesis.Requests())
	}
	for i, line := range lines(t, records) {
		if line != i {
			t.Fatalf("Record %d carries line %d, order not preserved", i, line)
		}
	}

	var first map[string]any
	if err := json.Unmarshal(records[0].Data, &first); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}
	if tags, _ := first["tags"].([]any); len(tags) != 1 || tags[0] != "replay" {
		t.Errorf("Expected tags [replay], got %v", first["tags"])
	}
	if s, _ := first["timestampReadable"].(string); !strings.HasSuffix(s, " UTC") {
		t.Errorf("Expected timestampReadable with UTC suffix, got %q", s)
	}
	if records[0].Stream != testStream || len(records[0].PartitionKey) != 15 {
		t.Errorf("Unexpected record envelope %+v", records[0])
	}

	state, err := ckpt.Load(ctx)
	if err != nil || !state.Completed() {
		t.Fatalf("Expected completed checkpoint, got %+v (%v)", state, err)
	}

	// A rerun against the same checkpoint sends nothing
	again, err := f.svc.Replayer(replay.WithCheckpointStore(ckpt)).Run(ctx, "events/day.jsonl")
	if err != nil || !again.Skipped {
		t.Fatalf("Expected skipped rerun, got %+v (%v)", again, err)
	}
	if f.kinesis.Requests() != 3 {
		t.Errorf("Expected no new requests on rerun, got %d", f.kinesis.Requests())
	}
}

func TestReplayResumesAfterPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.s3.AddObject(testBucket, "events/retry.jsonl", []byte(ndjson(10)))
	ckpt := checkpoint.NewMemoryStore()
	replayer := f.svc.Replayer(replay.WithCheckpointStore(ckpt), replay.WithBatchSize(4))

	// The first page loses its first two entries
	f.kinesis.RejectNext(2)

	_, err := replayer.Run(ctx, "events/retry.jsonl")
	var pfe *replay.PartialFailureError
	if !errors.As(err, &pfe) {
		t.Fatalf("Expected PartialFailureError, got %v", err)
	}
	if pfe.Failed != 2 || pfe.ErrorCode != "ProvisionedThroughputExceededException" {
		t.Errorf("Unexpected partial failure %+v", pfe)
	}

	res, err := replayer.Run(ctx, "events/retry.jsonl")
	if err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	if res.Records != 10 {
		t.Errorf("Expected the whole object on retry after a failed first page, got %d", res.Records)
	}

	seen := make(map[int]int)
	for _, line := range lines(t, f.kinesis.Records()) {
		seen[line]++
	}
	for i := 0; i < 10; i++ {
		if seen[i] == 0 {
			t.Errorf("Line %d was never delivered", i)
		}
	}
	if seen[2] != 2 || seen[3] != 2 {
		t.Errorf("Expected lines accepted in the failed page to be delivered twice, got %v", seen)
	}
}

func TestReplayWithS3Streamer(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f.s3.AddObject(testBucket, "exports/data/part-0001.json.gz", gzipped(t, ndjson(42)))

	store := objectstore.New(testBucket, f.s3, objectstore.WithStreamer(s3streamer.NewS3Streamer(f.s3)))
	res, err := replay.New(store, f.svc.Kinesis).Run(ctx, "exports/data/part-0001.json.gz")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if res.Records != 42 || len(f.kinesis.Records()) != 42 {
		t.Errorf("Expected 42 records, got %d (stream has %d)", res.Records, len(f.kinesis.Records()))
	}
}

func gzipped(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.WriteString(zw, content); err != nil {
		t.Fatalf("Failed to compress: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to compress: %v", err)
	}
	return buf.Bytes()
}

// lineEnd returns the offset just past line i of ndjson(n).
func lineEnd(i int) int64 {
	return int64(len(ndjson(i + 1)))
}

func TestReplayResumeWithS3Streamer(t *testing.T) {
	tests := []struct {
		name string
		key  string
		gzip bool
	}{
		{name: "plain", key: "events/resume.jsonl"},
		{name: "gzip", key: "events/resume.jsonl.gz", gzip: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			content := []byte(ndjson(8))
			if tc.gzip {
				content = gzipped(t, ndjson(8))
			}
			f.s3.AddObject(testBucket, tc.key, content)

			// Second and fourth requests lose their first entry
			f.kinesis.RejectRequest(2, 1)
			f.kinesis.RejectRequest(4, 1)

			store := objectstore.New(testBucket, f.s3, objectstore.WithStreamer(s3streamer.NewS3Streamer(f.s3)))
			ckpt := checkpoint.NewMemoryStore()
			replayer := replay.New(store, f.svc.Kinesis, replay.WithBatchSize(2), replay.WithCheckpointStore(ckpt))

			wantOffsets := []int64{lineEnd(1), lineEnd(3)}
			for run, want := range wantOffsets {
				_, err := replayer.Run(ctx, tc.key)
				var pfe *replay.PartialFailureError
				if !errors.As(err, &pfe) {
					t.Fatalf("Run %d: expected PartialFailureError, got %v", run+1, err)
				}
				if pfe.Offset != want {
					t.Errorf("Run %d: expected failed page at %d, got %d", run+1, want, pfe.Offset)
				}
				state, _ := ckpt.Load(ctx)
				if state.LastByteOffset != want {
					t.Errorf("Run %d: expected checkpoint %d, got %d", run+1, want, state.LastByteOffset)
				}
			}

			res, err := replayer.Run(ctx, tc.key)
			if err != nil {
				t.Fatalf("Final run failed: %v", err)
			}
			if res.Records != 4 {
				t.Errorf("Expected the final run to send 4 records, got %d", res.Records)
			}

			got := fmt.Sprint(lines(t, f.kinesis.Records()))
			if want := "[0 1 3 2 3 5 4 5 6 7]"; got != want {
				t.Errorf("Expected delivery %s, got %s", want, got)
			}
		})
	}
}

func TestPutTestRecordsEndToEnd(t *testing.T) {
	f := newFixture(t, services.WithStreamOptions(stream.WithSleep(func(context.Context, time.Duration) error { return nil })))
	ctx := context.Background()

	results, err := f.svc.Kinesis.PutTestRecords(ctx, 25)
	if err != nil {
		t.Fatalf("PutTestRecords failed: %v", err)
	}
	if len(results) != 25 || f.kinesis.Requests() != 1 {
		t.Fatalf("Expected 25 results from one request, got %d from %d", len(results), f.kinesis.Requests())
	}

	single, err := f.svc.Kinesis.PutTestRecords(ctx, 3, stream.WithSinglePuts())
	if err != nil {
		t.Fatalf("PutTestRecords single failed: %v", err)
	}
	if len(single) != 3 || f.kinesis.Requests() != 4 {
		t.Fatalf("Expected 3 single puts, got %d results after %d requests", len(single), f.kinesis.Requests())
	}

	for _, r := range f.kinesis.Records() {
		var event map[string]any
		if err := json.Unmarshal(r.Data, &event); err != nil {
			t.Fatalf("Failed to decode test event: %v", err)
		}
		if event["isTest"] != true || event["source"] != stream.TestEventSource {
			t.Errorf("Unexpected test event %v", event)
		}
	}

	if r := f.svc.Metrics.GenerateReport(); r.RecordsPublished != 28 || r.BatchesPublished != 1 {
		t.Errorf("Unexpected report %+v", r)
	}
}

func TestPreflight(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Check(context.Background())
	var denied *preflight.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Expected DeniedError, got %v", err)
	}
	if len(denied.Denials) != 1 || denied.Denials[0].Action != "kinesis:PutRecords" {
		t.Errorf("Expected only kinesis:PutRecords denied, got %+v", denied.Denials)
	}

	f.iam.Allowed["kinesis:PutRecords"] = true
	if err := f.svc.Check(context.Background()); err != nil {
		t.Errorf("Expected preflight to pass, got %v", err)
	}
}

func TestUnconfiguredServices(t *testing.T) {
	svc, err := services.New(context.Background(), &config.Config{
		ServiceOptions: config.ServiceOptions{Region: "us-west-2"},
	})
	if err != nil {
		t.Fatalf("Expected unconfigured services without error, got %v", err)
	}

	ctx := context.Background()
	if _, err := svc.S3.Upload(ctx, "k", strings.NewReader("x")); !config.IsConfigurationError(err) {
		t.Errorf("Expected configuration error from S3, got %v", err)
	}
	if _, err := svc.Kinesis.PutRecord(ctx, stream.Record{}); !config.IsConfigurationError(err) {
		t.Errorf("Expected configuration error from Kinesis, got %v", err)
	}
	if err := svc.Check(ctx); !config.IsConfigurationError(err) {
		t.Errorf("Expected configuration error from preflight, got %v", err)
	}
}

// Package replay publishes the lines of an NDJSON object in S3 to Kinesis.
//
// Lines are read with a resumable line streamer, decoded into records and sent
// in pages of at most stream.MaxBatchSize records. After every accepted page
// the position is checkpointed, so a rerun continues after the last accepted
// page. A page is only ever sent again when the run stopped before its
// checkpoint was saved, which makes delivery at-least-once.
package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/gurre/awschome/checkpoint"
	"github.com/gurre/awschome/metrics"
	"github.com/gurre/awschome/stream"
)

// Source reads an object of a fixed bucket line by line. byteOffset is the
// absolute position just past the line; reading again from it continues with
// the next line. *objectstore.Store satisfies it.
type Source interface {
	Bucket() string
	StreamLines(ctx context.Context, id string, offset int64, fn func(line []byte, byteOffset int64) error) error
}

// Publisher sends one page. *stream.Publisher satisfies it.
type Publisher interface {
	PutRecords(ctx context.Context, records ...stream.Record) (*kinesis.PutRecordsOutput, error)
}

// PartialFailureError reports a page the stream accepted only in part. The
// checkpoint still points at the start of the page.
type PartialFailureError struct {
	ObjectKey string
	Offset    int64 // byte offset the page starts at
	Total     int
	Failed    int
	ErrorCode string // first per-record error code
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%d of %d records rejected in page at offset %d of %s (first error: %s)",
		e.Failed, e.Total, e.Offset, e.ObjectKey, e.ErrorCode)
}

// Result summarizes one Run.
type Result struct {
	ObjectKey string        `json:"objectKey"`
	Records   int           `json:"records"` // records accepted by the stream
	Pages     int           `json:"pages"`
	Corrupt   int           `json:"corrupt"`
	Skipped   bool          `json:"skipped"` // object was already completed
	Duration  time.Duration `json:"duration"`
}

// Replayer is not safe for concurrent Runs against the same checkpoint store.
type Replayer struct {
	source    Source
	publisher Publisher
	store     checkpoint.Store
	decoder   Decoder
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithCheckpointStore persists progress in s. The default MemoryStore only
// survives within the process.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(r *Replayer) { r.store = s }
}

// WithBatchSize sets the page size, 1 to stream.MaxBatchSize.
func WithBatchSize(n int) Option {
	return func(r *Replayer) { r.batchSize = n }
}

// WithDecoder replaces the JSON line decoder.
func WithDecoder(d Decoder) Option {
	return func(r *Replayer) { r.decoder = d }
}

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(r *Replayer) { r.logger = l }
}

// WithMetrics counts corrupt lines.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Replayer) { r.metrics = m }
}

// New creates a Replayer reading from source and publishing to publisher.
func New(source Source, publisher Publisher, opts ...Option) *Replayer {
	r := &Replayer{
		source:    source,
		publisher: publisher,
		store:     checkpoint.NewMemoryStore(),
		decoder:   NewJSONDecoder(),
		batchSize: stream.MaxBatchSize,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run replays key from its checkpointed position to the end and marks it
// completed. Running it again for a completed object is a no-op.
//
// Corrupt lines are counted and skipped. Any publish error, including a
// *PartialFailureError, stops the run without advancing the checkpoint past
// the failed page.
func (r *Replayer) Run(ctx context.Context, key string) (Result, error) {
	start := time.Now()
	res := Result{ObjectKey: key}

	if r.batchSize < 1 || r.batchSize > stream.MaxBatchSize {
		return res, fmt.Errorf("batch size must be between 1 and %d, got %d", stream.MaxBatchSize, r.batchSize)
	}

	bucket := r.source.Bucket()
	state, err := r.store.Load(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	offset, done := state.ResumeOffset(bucket, key)
	if done {
		r.logger.Info("object already replayed", "bucket", bucket, "key", key)
		res.Skipped = true
		return res, nil
	}
	if offset > 0 {
		r.logger.Info("resuming replay", "bucket", bucket, "key", key, "offset", offset)
	}

	batch := make([]stream.Record, 0, r.batchSize)
	pageStart := offset
	current := offset

	flush := func(next int64) error {
		out, err := r.publisher.PutRecords(ctx, batch...)
		if err != nil {
			return fmt.Errorf("failed to publish page at offset %d: %w", pageStart, err)
		}
		if failed := int(awssdk.ToInt32(out.FailedRecordCount)); failed > 0 {
			return partialFailure(key, pageStart, len(batch), failed, out)
		}

		if err := r.store.Save(ctx, checkpoint.State{
			Bucket:         bucket,
			ObjectKey:      key,
			LastByteOffset: next,
		}); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}

		res.Records += len(batch)
		res.Pages++
		r.logger.Debug("published page", "key", key, "count", len(batch), "offset", next)
		batch = batch[:0]
		pageStart = next
		return nil
	}

	err = r.source.StreamLines(ctx, key, offset, func(line []byte, byteOffset int64) error {
		current = byteOffset
		if len(bytes.TrimSpace(line)) == 0 {
			return nil
		}

		rec, err := r.decoder.Decode(line)
		if errors.Is(err, ErrCorrupt) {
			r.metrics.RecordCorrupt()
			res.Corrupt++
			r.logger.Debug("skipping corrupt line", "key", key, "offset", byteOffset, "error", err)
			return nil
		}
		if err != nil {
			return err
		}

		batch = append(batch, rec)
		if len(batch) >= r.batchSize {
			return flush(byteOffset)
		}
		return nil
	})
	if err != nil {
		res.Duration = time.Since(start)
		return res, err
	}

	if len(batch) > 0 {
		if err := flush(current); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
	}

	if err := r.store.Save(ctx, checkpoint.State{
		Bucket:         bucket,
		ObjectKey:      key,
		LastByteOffset: checkpoint.CompletedOffset,
	}); err != nil {
		return res, fmt.Errorf("failed to save completion checkpoint: %w", err)
	}

	res.Duration = time.Since(start)
	r.logger.Info("replay complete",
		"bucket", bucket, "key", key, "count", res.Records, "pages", res.Pages, "corrupt", res.Corrupt)
	return res, nil
}

func partialFailure(key string, offset int64, total, failed int, out *kinesis.PutRecordsOutput) *PartialFailureError {
	e := &PartialFailureError{
		ObjectKey: key,
		Offset:    offset,
		Total:     total,
		Failed:    failed,
	}
	for _, rec := range out.Records {
		if code := awssdk.ToString(rec.ErrorCode); code != "" {
			e.ErrorCode = code
			break
		}
	}
	return e
}

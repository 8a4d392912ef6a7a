// Package stream publishes records to a single Kinesis data stream.
//
// Records are free-form maps. Before they are sent, FormatRecord fills in the
// tags, timestamp and timestampReadable fields when missing, encodes the
// record as JSON and assigns a pseudo-random partition key.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/gurre/awschome/aws"
	"github.com/gurre/awschome/config"
	"github.com/gurre/awschome/metrics"
)

// MaxBatchSize is the Kinesis limit of records per PutRecords request.
const MaxBatchSize = 500

// DefaultTimezone renders timestampReadable when no zone is configured.
const DefaultTimezone = "America/New_York"

// Record is an arbitrary JSON object. The keys "tags", "timestamp" and
// "timestampReadable" receive defaults when absent.
type Record map[string]any

// FormattedRecord is the wire form of a Record.
type FormattedRecord struct {
	Data         []byte // JSON encoding of the record with defaults applied
	PartitionKey string // 15 digits, see partitionKey
}

func (f FormattedRecord) entry() types.PutRecordsRequestEntry {
	return types.PutRecordsRequestEntry{
		Data:         f.Data,
		PartitionKey: awssdk.String(f.PartitionKey),
	}
}

// Rand is the source of randomness for partition keys, test events and send
// delays. *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// LimitExceededError is returned when a batch holds more records than one
// PutRecords request accepts. The caller has to page.
type LimitExceededError struct {
	Count int
	Limit int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%d records exceed the limit of %d per PutRecords request, page them", e.Count, e.Limit)
}

// Publisher sends records to one stream. It is immutable after New and safe
// for concurrent use.
type Publisher struct {
	client     aws.KinesisClient
	streamName string

	location *time.Location
	abbrev   string

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex // guards rnd
	rnd Rand
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithMetrics records publish counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithRand replaces the global random source, e.g. with a seeded generator.
func WithRand(r Rand) Option {
	return func(p *Publisher) { p.rnd = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithSleep replaces the delay used between single test sends.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Publisher) { p.sleep = sleep }
}

// New creates a Publisher for the stream named in opts. Without a stream name
// the publisher is unconfigured: it is still returned, but every publish call
// fails with a *config.ConfigurationError.
//
// The timestampReadable suffix is fixed here. LocaleStringAbbrev wins; a
// configured LocaleStringTimezone without an abbreviation yields no suffix;
// otherwise EDT or EST is chosen from the local daylight-saving state at
// construction time.
func New(opts config.ServiceOptions, client aws.KinesisClient, options ...Option) (*Publisher, error) {
	p := &Publisher{
		streamName: opts.Stream(),
		logger:     slog.Default(),
		now:        time.Now,
		sleep:      sleepContext,
		rnd:        globalRand{},
	}
	for _, o := range options {
		o(p)
	}

	if p.streamName != "" {
		p.client = client
	}

	tz := opts.LocaleStringTimezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &config.ConfigurationError{
			Scope:   config.ScopeKinesis,
			Field:   "localeStringTimezone",
			Message: fmt.Sprintf("invalid timezone %q: %v", tz, err),
		}
	}
	p.location = loc

	switch {
	case opts.LocaleStringAbbrev != "":
		p.abbrev = opts.LocaleStringAbbrev
	case opts.LocaleStringTimezone != "":
		p.abbrev = ""
	case isDSTObserved(p.now()):
		p.abbrev = "EDT"
	default:
		p.abbrev = "EST"
	}

	return p, nil
}

// StreamName returns the target stream, empty when unconfigured.
func (p *Publisher) StreamName() string {
	return p.streamName
}

// Configured reports whether publish calls can succeed.
func (p *Publisher) Configured() bool {
	return p.client != nil && p.streamName != ""
}

func (p *Publisher) ensureConfigured() error {
	if !p.Configured() {
		return config.NotConfigured("kinesis publisher")
	}
	return nil
}

// PutRecord formats r and publishes it on its own.
func (p *Publisher) PutRecord(ctx context.Context, r Record) (*kinesis.PutRecordOutput, error) {
	if err := p.ensureConfigured(); err != nil {
		return nil, err
	}

	rec, err := p.FormatRecord(r)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := p.client.PutRecord(ctx, &kinesis.PutRecordInput{
		Data:         rec.Data,
		PartitionKey: awssdk.String(rec.PartitionKey),
		StreamName:   awssdk.String(p.streamName),
	})
	p.metrics.RecordPublishTime(time.Since(start))
	if err != nil {
		p.metrics.RecordError()
		return nil, err
	}

	p.metrics.RecordPublished(1)
	return out, nil
}

// PutRecords formats every record and publishes them, in order, as a single
// PutRecords request. More than MaxBatchSize records is a *LimitExceededError
// and nothing is sent.
//
// Records rejected inside an otherwise successful response are reported in
// the returned output (FailedRecordCount and per-entry ErrorCode) and are not
// retried.
func (p *Publisher) PutRecords(ctx context.Context, records ...Record) (*kinesis.PutRecordsOutput, error) {
	if err := p.ensureConfigured(); err != nil {
		return nil, err
	}

	if len(records) > MaxBatchSize {
		return nil, &LimitExceededError{Count: len(records), Limit: MaxBatchSize}
	}

	entries := make([]types.PutRecordsRequestEntry, 0, len(records))
	for i, r := range records {
		rec, err := p.FormatRecord(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		entries = append(entries, rec.entry())
	}

	start := time.Now()
	out, err := p.client.PutRecords(ctx, &kinesis.PutRecordsInput{
		Records:    entries,
		StreamName: awssdk.String(p.streamName),
	})
	p.metrics.RecordPublishTime(time.Since(start))
	if err != nil {
		p.metrics.RecordError()
		return nil, err
	}

	failed := int(awssdk.ToInt32(out.FailedRecordCount))
	p.metrics.RecordBatchPublished()
	p.metrics.RecordPublished(len(entries) - failed)
	p.metrics.RecordFailed(failed)
	if failed > 0 {
		p.logger.Warn("kinesis rejected part of a batch",
			"stream", p.streamName, "count", len(entries), "failed", failed)
	}

	return out, nil
}

func (p *Publisher) float64() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd.Float64()
}

func (p *Publisher) intN(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd.IntN(n)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

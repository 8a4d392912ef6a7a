package stream

import (
	"context"
	"strconv"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
)

// DefaultTestRecords is the number of test events sent when count is not positive.
const DefaultTestRecords = 10

// TestEventSource is the "source" field of generated test events.
const TestEventSource = "awschome/kinesisService"

var (
	testEventNames = []string{
		"click", "pageview", "conversion", "error", "playvideo", "login", "logoff",
	}
	testMetricNames = []string{
		"pollResponse", "displayXY", "blockerType", "browserVersion",
		"purchaseAmount", "gpuDriverVersion", "pagePercentDisplayed",
		"videoStoppedLocation", "computeRenderTime", "pageLoadTime",
		"cartItemQuantity", "impressionCount", "idleTimeMs", "mouseDistancePixels",
	}
)

// PublishResult is the outcome of one test record, independent of whether it
// went out through PutRecord or PutRecords.
type PublishResult struct {
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	ShardID        string `json:"shardId,omitempty"`
	ErrorCode      string `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// Failed reports whether the stream rejected the record.
func (r PublishResult) Failed() bool {
	return r.ErrorCode != ""
}

type testOptions struct {
	single bool
}

// TestOption configures PutTestRecords.
type TestOption func(*testOptions)

// WithSinglePuts sends each test event with its own PutRecord call, sleeping
// 1 to 4 milliseconds between consecutive sends.
func WithSinglePuts() TestOption {
	return func(o *testOptions) { o.single = true }
}

// PutTestRecords generates count synthetic events and publishes them, by
// default as one PutRecords batch. count above MaxBatchSize fails in batch
// mode; single mode has no limit.
//
// In single mode the first failing send stops the run and the results of the
// records sent so far are returned with the error.
func (p *Publisher) PutTestRecords(ctx context.Context, count int, opts ...TestOption) ([]PublishResult, error) {
	if err := p.ensureConfigured(); err != nil {
		return nil, err
	}

	var o testOptions
	for _, opt := range opts {
		opt(&o)
	}
	if count <= 0 {
		count = DefaultTestRecords
	}

	if o.single {
		return p.putTestRecordsSingle(ctx, count)
	}

	events := make([]Record, count)
	for i := range events {
		events[i] = p.genTestEvent()
	}

	out, err := p.PutRecords(ctx, events...)
	if err != nil {
		return nil, err
	}

	results := make([]PublishResult, 0, len(out.Records))
	for _, r := range out.Records {
		results = append(results, PublishResult{
			SequenceNumber: awssdk.ToString(r.SequenceNumber),
			ShardID:        awssdk.ToString(r.ShardId),
			ErrorCode:      awssdk.ToString(r.ErrorCode),
			ErrorMessage:   awssdk.ToString(r.ErrorMessage),
		})
	}
	p.logger.Debug("sent test records", "stream", p.streamName, "count", len(results))
	return results, nil
}

func (p *Publisher) putTestRecordsSingle(ctx context.Context, count int) ([]PublishResult, error) {
	results := make([]PublishResult, 0, count)
	for i := 0; i < count; i++ {
		if i > 0 {
			if err := p.sleep(ctx, p.sendDelay()); err != nil {
				return results, err
			}
		}

		event := p.genTestEvent()
		out, err := p.PutRecord(ctx, event)
		if err != nil {
			return results, err
		}

		p.logger.Debug("sent test record",
			"stream", p.streamName,
			"tags", event["tags"],
			"sequenceNumber", awssdk.ToString(out.SequenceNumber))
		results = append(results, PublishResult{
			SequenceNumber: awssdk.ToString(out.SequenceNumber),
			ShardID:        awssdk.ToString(out.ShardId),
		})
	}
	return results, nil
}

// sendDelay is uniform over [1ms, 5ms).
func (p *Publisher) sendDelay() time.Duration {
	return time.Duration(1+p.intN(4)) * time.Millisecond
}

func (p *Publisher) genTestEvent() Record {
	now := p.now()

	names := testEventNames
	if p.intN(2) == 1 {
		names = testMetricNames
	}

	return Record{
		"source":            TestEventSource,
		"tags":              []string{names[p.intN(len(names))]},
		"value":             strconv.Itoa(p.intN(10)),
		"isTest":            true,
		"timestamp":         now.UnixMilli(),
		"timestampReadable": p.readable(now),
	}
}

package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// Record is one record accepted by the mock stream.
type Record struct {
	Stream         string
	PartitionKey   string
	Data           []byte
	SequenceNumber string
}

// KinesisClient is an in-memory implementation of aws.KinesisClient.
type KinesisClient struct {
	mu       sync.Mutex
	records  []Record
	requests int
	seq      int

	// Entries to reject in the next PutRecords call, counted from the start
	rejectNext int
	// Entries to reject, keyed by 1-based request number
	rejectAt map[int]int
	// Returned by every call while set
	Err error
}

// NewKinesisClient creates an empty mock stream
func NewKinesisClient() *KinesisClient {
	return &KinesisClient{}
}

// RejectNext makes the next PutRecords call reject its first n entries with
// ProvisionedThroughputExceededException.
func (m *KinesisClient) RejectNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNext = n
}

// RejectRequest makes the PutRecords call that is request number n (1-based,
// counting PutRecord calls too) reject its first count entries.
func (m *KinesisClient) RejectRequest(n, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectAt == nil {
		m.rejectAt = make(map[int]int)
	}
	m.rejectAt[n] = count
}

// Records returns the accepted records in arrival order.
func (m *KinesisClient) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Requests returns the number of PutRecord and PutRecords calls.
func (m *KinesisClient) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *KinesisClient) accept(stream, partitionKey string, data []byte) Record {
	m.seq++
	r := Record{
		Stream:         stream,
		PartitionKey:   partitionKey,
		Data:           data,
		SequenceNumber: fmt.Sprintf("4963%020d", m.seq),
	}
	m.records = append(m.records, r)
	return r
}

// PutRecord implements the KinesisClient interface
func (m *KinesisClient) PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if m.Err != nil {
		return nil, m.Err
	}

	r := m.accept(aws.ToString(params.StreamName), aws.ToString(params.PartitionKey), params.Data)
	return &kinesis.PutRecordOutput{
		SequenceNumber: aws.String(r.SequenceNumber),
		ShardId:        aws.String("shardId-000000000000"),
	}, nil
}

// PutRecords implements the KinesisClient interface
func (m *KinesisClient) PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if m.Err != nil {
		return nil, m.Err
	}
	if len(params.Records) > 500 {
		return nil, fmt.Errorf("mock kinesis: %d records exceed the request limit", len(params.Records))
	}

	reject := max(m.rejectNext, m.rejectAt[m.requests])
	m.rejectNext = 0

	out := &kinesis.PutRecordsOutput{}
	var failed int32
	for i, e := range params.Records {
		if i < reject {
			failed++
			out.Records = append(out.Records, types.PutRecordsResultEntry{
				ErrorCode:    aws.String("ProvisionedThroughputExceededException"),
				ErrorMessage: aws.String("Rate exceeded for shard shardId-000000000000"),
			})
			continue
		}
		r := m.accept(aws.ToString(params.StreamName), aws.ToString(e.PartitionKey), e.Data)
		out.Records = append(out.Records, types.PutRecordsResultEntry{
			SequenceNumber: aws.String(r.SequenceNumber),
			ShardId:        aws.String("shardId-000000000000"),
		})
	}
	out.FailedRecordCount = aws.Int32(failed)
	return out, nil
}

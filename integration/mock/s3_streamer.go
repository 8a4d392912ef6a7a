package mock

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Stream reads bucket/key line by line starting at byte offset, the way
// s3streamer does for plain objects: the object is fetched with a Range
// request and fn receives the start of each line counted from offset.
func (m *S3Client) Stream(ctx context.Context, bucket, key string, offset int64, fn func([]byte, int64) error) error {
	m.mu.Lock()
	m.Calls["Stream"]++
	m.mu.Unlock()

	in := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := m.GetObject(ctx, in)
	if err != nil {
		return err
	}
	defer out.Body.Close()

	r := bufio.NewReader(out.Body)
	var pos int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSuffix(line, []byte("\n"))
			if err := fn(line, pos); err != nil {
				return err
			}
			pos += int64(len(line)) + 1
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error scanning lines: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

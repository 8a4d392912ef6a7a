package mock

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PresignClient builds deterministic URLs without signing anything.
type PresignClient struct {
	Endpoint string
	// Expiry passed on the last call
	LastExpires time.Duration
}

// PresignGetObject implements the PresignClient interface
func (p *PresignClient) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var o s3.PresignOptions
	for _, fn := range optFns {
		fn(&o)
	}
	p.LastExpires = o.Expires

	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = "https://s3.amazonaws.com"
	}
	q := url.Values{}
	q.Set("X-Amz-Expires", strconv.FormatInt(int64(o.Expires.Seconds()), 10))
	q.Set("X-Amz-Signature", "mock")

	return &v4.PresignedHTTPRequest{
		URL:    endpoint + "/" + aws.ToString(params.Bucket) + "/" + aws.ToString(params.Key) + "?" + q.Encode(),
		Method: "GET",
	}, nil
}

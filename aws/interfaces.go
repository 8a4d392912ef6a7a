// Package aws defines the narrow AWS client interfaces the service wrappers
// depend on and the factory that builds SDK clients from scoped options.
//
// Every interface method keeps the SDK v2 calling convention
// (ctx, *Input, ...optFns) (*Output, error), so the real SDK clients satisfy
// them directly and tests can substitute in-memory fakes.
package aws

import (
	"context"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client defines the object operations used by the object store and the
// S3 checkpoint store.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// PresignClient generates pre-authorized GET requests without performing I/O.
type PresignClient interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Uploader sends bodies of any size, switching to multipart uploads when needed.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// KinesisClient defines the publish operations used by the stream publisher.
type KinesisClient interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
	PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
}

// IAMClient defines the policy simulation used by the preflight checker.
type IAMClient interface {
	SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error)
}

// Compile-time checks that the SDK types satisfy the interfaces
var (
	_ S3Client      = (*s3.Client)(nil)
	_ PresignClient = (*s3.PresignClient)(nil)
	_ Uploader      = (*manager.Uploader)(nil)
	_ KinesisClient = (*kinesis.Client)(nil)
	_ IAMClient     = (*iam.Client)(nil)
)

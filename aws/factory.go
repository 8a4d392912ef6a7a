package aws

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/awschome/config"
)

// Service names accepted in ClientSpec.
const (
	ServiceS3      = "s3"
	ServiceKinesis = "kinesis"
	ServiceIAM     = "iam"
)

// API versions the compiled SDK packages speak. SDK v2 pins one version per
// service package, so a spec asking for anything else cannot be honored.
const (
	S3APIVersion      = s3.ServiceAPIVersion
	KinesisAPIVersion = kinesis.ServiceAPIVersion
	IAMAPIVersion     = iam.ServiceAPIVersion
)

var compiledAPIVersions = map[string]string{
	ServiceS3:      S3APIVersion,
	ServiceKinesis: KinesisAPIVersion,
	ServiceIAM:     IAMAPIVersion,
}

// ClientSpec names the client to build and the configuration scope it reads.
type ClientSpec struct {
	Service    string // One of the Service* constants
	Scope      string // Configuration scope, usually equal to Service
	APIVersion string // Empty accepts whatever the SDK was built with
}

type loadFunc func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (awssdk.Config, error)

// Factory builds SDK clients from the scoped configuration.
type Factory struct {
	cfg  *config.Config
	load loadFunc
}

// NewFactory creates a Factory reading options from cfg.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg, load: awsconfig.LoadDefaultConfig}
}

// LoadConfig resolves the options for spec.Scope (without asserting required
// fields) and loads an aws.Config with the scope's region and credentials.
// Static credentials are used only when both key parts are present; otherwise
// the SDK's default credential chain applies.
func (f *Factory) LoadConfig(ctx context.Context, spec ClientSpec) (awssdk.Config, config.ServiceOptions, error) {
	compiled, ok := compiledAPIVersions[spec.Service]
	if !ok {
		return awssdk.Config{}, config.ServiceOptions{}, &config.ConfigurationError{
			Field:   "service",
			Message: fmt.Sprintf("unsupported service %q", spec.Service),
		}
	}
	if spec.APIVersion != "" && spec.APIVersion != compiled {
		return awssdk.Config{}, config.ServiceOptions{}, &config.ConfigurationError{
			Scope:   spec.Scope,
			Field:   "apiVersion",
			Message: fmt.Sprintf("%s API version %s is not available, the SDK speaks %s", spec.Service, spec.APIVersion, compiled),
		}
	}

	opts, err := f.cfg.Resolve(spec.Scope, false)
	if err != nil {
		return awssdk.Config{}, opts, err
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := f.load(ctx, loadOpts...)
	if err != nil {
		return awssdk.Config{}, opts, fmt.Errorf("failed to load AWS config for %s: %w", spec.Service, err)
	}
	return awsCfg, opts, nil
}

// S3 builds an S3 client for scope. An endpoint override switches to
// path-style addressing, which S3-compatible stores expect.
func (f *Factory) S3(ctx context.Context, scope string) (*s3.Client, error) {
	awsCfg, opts, err := f.LoadConfig(ctx, ClientSpec{Service: ServiceS3, Scope: scope, APIVersion: S3APIVersion})
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = awssdk.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Kinesis builds a Kinesis client for scope.
func (f *Factory) Kinesis(ctx context.Context, scope string) (*kinesis.Client, error) {
	awsCfg, opts, err := f.LoadConfig(ctx, ClientSpec{Service: ServiceKinesis, Scope: scope, APIVersion: KinesisAPIVersion})
	if err != nil {
		return nil, err
	}
	return kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = awssdk.String(opts.Endpoint)
		}
	}), nil
}

// IAM builds an IAM client for scope.
func (f *Factory) IAM(ctx context.Context, scope string) (*iam.Client, error) {
	awsCfg, opts, err := f.LoadConfig(ctx, ClientSpec{Service: ServiceIAM, Scope: scope, APIVersion: IAMAPIVersion})
	if err != nil {
		return nil, err
	}
	return iam.NewFromConfig(awsCfg, func(o *iam.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = awssdk.String(opts.Endpoint)
		}
	}), nil
}

// Package services builds every wrapper from one configuration. It is the
// single place where SDK clients are created; everything else receives the
// narrow interfaces from package aws.
package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/awschome/aws"
	"github.com/gurre/awschome/checkpoint"
	"github.com/gurre/awschome/config"
	"github.com/gurre/awschome/metrics"
	"github.com/gurre/awschome/objectstore"
	"github.com/gurre/awschome/preflight"
	"github.com/gurre/awschome/replay"
	"github.com/gurre/awschome/stream"
	"github.com/gurre/s3streamer"
)

// scopeIAM has no block of its own and resolves to the root options.
const scopeIAM = "iam"

// Clients replaces the SDK clients New would build. Nil fields leave the
// matching wrapper unconfigured.
type Clients struct {
	S3        aws.S3Client
	Uploader  aws.Uploader
	Presigner aws.PresignClient
	Streamer  objectstore.LineStreamer
	Kinesis   aws.KinesisClient
	IAM       aws.IAMClient
}

// Services holds the configured wrappers. Fields are never nil; a wrapper
// whose options are missing reports Configured() == false.
type Services struct {
	Config    *config.Config
	S3        *objectstore.Store
	Kinesis   *stream.Publisher
	Preflight *preflight.Checker
	Metrics   *metrics.Metrics

	s3Client  aws.S3Client
	streamARN string
	logger    *slog.Logger
}

type options struct {
	clients       *Clients
	logger        *slog.Logger
	metrics       *metrics.Metrics
	streamOptions []stream.Option
}

// Option configures New.
type Option func(*options)

// WithClients skips SDK client creation and uses c instead.
func WithClients(c Clients) Option {
	return func(o *options) { o.clients = &c }
}

// WithLogger sets the logger handed to every wrapper.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics shares m across the wrappers instead of a fresh instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStreamOptions passes extra options to the stream publisher, e.g. a
// seeded random source.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(o *options) { o.streamOptions = append(o.streamOptions, opts...) }
}

// New validates cfg and builds the wrappers. SDK clients are only created for
// services that have what they need: a bucket for S3, a stream name for
// Kinesis and a principal for IAM. Missing values never fail New.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Services, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewMetrics()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s3Opts, _ := cfg.Resolve(config.ScopeS3, false)
	kinesisOpts, _ := cfg.Resolve(config.ScopeKinesis, false)
	iamOpts, _ := cfg.Resolve(scopeIAM, false)

	clients := o.clients
	if clients == nil {
		built, err := buildClients(ctx, cfg, s3Opts, kinesisOpts, iamOpts)
		if err != nil {
			return nil, err
		}
		clients = built
	}

	storeOpts := []objectstore.Option{
		objectstore.WithLogger(o.logger),
		objectstore.WithMetrics(o.metrics),
	}
	if clients.Uploader != nil {
		storeOpts = append(storeOpts, objectstore.WithUploader(clients.Uploader))
	}
	if clients.Presigner != nil {
		storeOpts = append(storeOpts, objectstore.WithPresigner(clients.Presigner))
	}
	if clients.Streamer != nil {
		storeOpts = append(storeOpts, objectstore.WithStreamer(clients.Streamer))
	}

	publisher, err := stream.New(kinesisOpts, clients.Kinesis, append([]stream.Option{
		stream.WithLogger(o.logger),
		stream.WithMetrics(o.metrics),
	}, o.streamOptions...)...)
	if err != nil {
		return nil, err
	}

	s := &Services{
		Config:    cfg,
		S3:        objectstore.New(s3Opts.BucketName(), clients.S3, storeOpts...),
		Kinesis:   publisher,
		Preflight: preflight.NewChecker(clients.IAM, iamOpts.PrincipalARN, o.logger),
		Metrics:   o.metrics,
		s3Client:  clients.S3,
		streamARN: kinesisOpts.StreamARN,
		logger:    o.logger,
	}

	o.logger.Debug("services ready",
		"bucket", s.S3.Bucket(),
		"stream", s.Kinesis.StreamName(),
		"s3", s.S3.Configured(),
		"kinesis", s.Kinesis.Configured())
	return s, nil
}

func buildClients(ctx context.Context, cfg *config.Config, s3Opts, kinesisOpts, iamOpts config.ServiceOptions) (*Clients, error) {
	f := aws.NewFactory(cfg)
	c := &Clients{}

	if s3Opts.BucketName() != "" {
		client, err := f.S3(ctx, config.ScopeS3)
		if err != nil {
			return nil, err
		}
		c.S3 = client
		c.Uploader = manager.NewUploader(client)
		c.Presigner = s3.NewPresignClient(client)
		c.Streamer = s3streamer.NewS3Streamer(client)
	}

	if kinesisOpts.Stream() != "" {
		client, err := f.Kinesis(ctx, config.ScopeKinesis)
		if err != nil {
			return nil, err
		}
		c.Kinesis = client
	}

	if iamOpts.PrincipalARN != "" {
		client, err := f.IAM(ctx, scopeIAM)
		if err != nil {
			return nil, err
		}
		c.IAM = client
	}

	return c, nil
}

// CheckpointStore opens a checkpoint store by URI. s3:// stores use the S3
// client of the object store.
func (s *Services) CheckpointStore(uri string) (checkpoint.Store, error) {
	store, err := checkpoint.Open(uri, s.s3Client)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return store, nil
}

// Replayer wires the object store to the stream publisher.
func (s *Services) Replayer(opts ...replay.Option) *replay.Replayer {
	return replay.New(s.S3, s.Kinesis, append([]replay.Option{
		replay.WithLogger(s.logger),
		replay.WithMetrics(s.Metrics),
	}, opts...)...)
}

// Requirements lists the IAM permissions the configured wrappers need. The
// stream is only included when its ARN is configured, since IAM evaluates
// ARNs and not names.
func (s *Services) Requirements() []preflight.Requirement {
	var reqs []preflight.Requirement
	if s.S3.Configured() {
		reqs = append(reqs, preflight.S3Requirements(s.S3.Bucket())...)
	}
	if s.Kinesis.Configured() {
		if s.streamARN != "" {
			reqs = append(reqs, preflight.KinesisRequirements(s.streamARN)...)
		} else {
			s.logger.Warn("skipping kinesis preflight without streamArn", "stream", s.Kinesis.StreamName())
		}
	}
	return reqs
}

// Check runs the preflight for everything that is configured.
func (s *Services) Check(ctx context.Context) error {
	return s.Preflight.Check(ctx, s.Requirements()...)
}

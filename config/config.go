// Package config holds the typed configuration shared by the AWS service
// wrappers. Options are declared once at the root and may be overridden per
// service scope ("s3", "kinesis"); a scope only needs to carry the fields that
// differ from the root.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Scope names understood by Config.Scope.
const (
	ScopeS3      = "s3"
	ScopeKinesis = "kinesis"
)

// ServiceOptions is the flattened view of the configuration for one service.
// Field tags match the keys accepted in configuration files.
type ServiceOptions struct {
	Region          string `mapstructure:"region"`          // AWS region
	AccessKeyID     string `mapstructure:"accessKeyId"`     // Static access key, optional
	SecretAccessKey string `mapstructure:"secretAccessKey"` // Static secret key, optional
	Endpoint        string `mapstructure:"endpoint"`        // Endpoint override, e.g. localstack

	Bucket   string `mapstructure:"bucket"`
	S3Bucket string `mapstructure:"s3Bucket"` // Wins over Bucket

	StreamName        string `mapstructure:"streamName"` // Wins over KinesisStreamName
	KinesisStreamName string `mapstructure:"kinesisStreamName"`
	StreamARN         string `mapstructure:"streamArn"`

	LocaleStringTimezone string `mapstructure:"localeStringTimezone"` // IANA zone for timestampReadable
	LocaleStringAbbrev   string `mapstructure:"localeStringAbbrev"`   // Suffix for timestampReadable

	PrincipalARN string `mapstructure:"principalArn"` // Principal checked by preflight
}

// BucketName returns the configured S3 bucket, preferring S3Bucket.
func (o ServiceOptions) BucketName() string {
	if o.S3Bucket != "" {
		return o.S3Bucket
	}
	return o.Bucket
}

// Stream returns the configured Kinesis stream name, preferring StreamName.
func (o ServiceOptions) Stream() string {
	if o.StreamName != "" {
		return o.StreamName
	}
	return o.KinesisStreamName
}

// Overlay returns a copy of o where every non-empty field of scoped replaces
// the corresponding field of o.
func (o ServiceOptions) Overlay(scoped ServiceOptions) ServiceOptions {
	pick := func(root, override string) string {
		if override != "" {
			return override
		}
		return root
	}
	return ServiceOptions{
		Region:               pick(o.Region, scoped.Region),
		AccessKeyID:          pick(o.AccessKeyID, scoped.AccessKeyID),
		SecretAccessKey:      pick(o.SecretAccessKey, scoped.SecretAccessKey),
		Endpoint:             pick(o.Endpoint, scoped.Endpoint),
		Bucket:               pick(o.Bucket, scoped.Bucket),
		S3Bucket:             pick(o.S3Bucket, scoped.S3Bucket),
		StreamName:           pick(o.StreamName, scoped.StreamName),
		KinesisStreamName:    pick(o.KinesisStreamName, scoped.KinesisStreamName),
		StreamARN:            pick(o.StreamARN, scoped.StreamARN),
		LocaleStringTimezone: pick(o.LocaleStringTimezone, scoped.LocaleStringTimezone),
		LocaleStringAbbrev:   pick(o.LocaleStringAbbrev, scoped.LocaleStringAbbrev),
		PrincipalARN:         pick(o.PrincipalARN, scoped.PrincipalARN),
	}
}

// Config is the root configuration: shared options plus one block per service.
type Config struct {
	ServiceOptions `mapstructure:",squash"`

	S3      ServiceOptions `mapstructure:"s3"`
	Kinesis ServiceOptions `mapstructure:"kinesis"`
}

// Scope returns the options block registered under name.
func (c *Config) Scope(name string) (ServiceOptions, bool) {
	switch name {
	case ScopeS3:
		return c.S3, true
	case ScopeKinesis:
		return c.Kinesis, true
	default:
		return ServiceOptions{}, false
	}
}

// Resolve builds the options for scope by overlaying the scope block on the
// root options. Unknown scopes resolve to the root options alone.
//
// When assertRequired is set, the region and both credential fields must be
// present after the overlay; the first missing one is reported as a
// *ConfigurationError.
func (c *Config) Resolve(scope string, assertRequired bool) (ServiceOptions, error) {
	var opts ServiceOptions
	if c != nil {
		opts = c.ServiceOptions
		if scoped, ok := c.Scope(scope); ok {
			opts = opts.Overlay(scoped)
		}
	}

	if !assertRequired {
		return opts, nil
	}

	required := []struct {
		name  string
		value string
	}{
		{"region", opts.Region},
		{"accessKeyId", opts.AccessKeyID},
		{"secretAccessKey", opts.SecretAccessKey},
	}
	for _, f := range required {
		if f.value == "" {
			return opts, &ConfigurationError{Scope: scope, Field: f.name}
		}
	}
	return opts, nil
}

// Validate checks the values that can be checked without network access.
// Missing values are fine here: wrappers without a bucket or stream simply
// stay unconfigured.
func (c *Config) Validate() error {
	blocks := []struct {
		scope string
		opts  ServiceOptions
	}{
		{"", c.ServiceOptions},
		{ScopeS3, c.S3},
		{ScopeKinesis, c.Kinesis},
	}

	for _, b := range blocks {
		if tz := b.opts.LocaleStringTimezone; tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return &ConfigurationError{
					Scope:   b.scope,
					Field:   "localeStringTimezone",
					Message: fmt.Sprintf("invalid timezone %q: %v", tz, err),
				}
			}
		}

		if ep := b.opts.Endpoint; ep != "" {
			u, err := url.Parse(ep)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return &ConfigurationError{
					Scope:   b.scope,
					Field:   "endpoint",
					Message: fmt.Sprintf("endpoint must be an absolute URL, got %q", ep),
				}
			}
		}
	}

	return nil
}

// ConfigurationError reports configuration that makes an operation impossible.
// It is raised before any network call and is never worth retrying.
type ConfigurationError struct {
	Scope   string // Scope being resolved, empty for the root
	Field   string // Offending option key
	Message string // Overrides the default message when set
}

func (e *ConfigurationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Scope == "" {
		return fmt.Sprintf("must specify options.%s", e.Field)
	}
	return fmt.Sprintf("must specify options.%s or options.%s.%s", e.Field, e.Scope, e.Field)
}

// NotConfigured returns the error used by wrappers that were built without the
// options they need.
func NotConfigured(component string) error {
	return &ConfigurationError{Message: component + " is improperly configured"}
}

// IsConfigurationError reports whether err is, or wraps, a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

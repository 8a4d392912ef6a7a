package config

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "AWSCHOME"

// optionKeys lists the keys of ServiceOptions as they appear in files.
var optionKeys = []string{
	"region",
	"accessKeyId",
	"secretAccessKey",
	"endpoint",
	"bucket",
	"s3Bucket",
	"streamName",
	"kinesisStreamName",
	"streamArn",
	"localeStringTimezone",
	"localeStringAbbrev",
	"principalArn",
}

// legacyEnv maps keys to the variable names used by existing deployments.
var legacyEnv = map[string]string{
	"region":             "AWS_REGION",
	"s3.accessKeyId":     "AWS_S3_ACCESS_KEY_ID",
	"s3.secretAccessKey": "AWS_S3_SECRET_ACCESS_KEY",
}

// Load reads configuration from path (any format viper understands) and from
// the environment, then validates it. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-provided viper instance, which lets the CLI
// bind flags before the configuration is decoded.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	for _, scope := range []string{"", ScopeS3, ScopeKinesis} {
		for _, key := range optionKeys {
			full := key
			if scope != "" {
				full = scope + "." + key
			}
			names := []string{full, envName(full)}
			if legacy, ok := legacyEnv[full]; ok {
				names = append(names, legacy)
			}
			if err := v.BindEnv(names...); err != nil {
				return nil, fmt.Errorf("bind env for %s: %w", full, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// envName turns "s3.accessKeyId" into "AWSCHOME_S3_ACCESS_KEY_ID".
func envName(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	b.WriteByte('_')
	for i, r := range key {
		switch {
		case r == '.':
			b.WriteByte('_')
		case unicode.IsUpper(r) && i > 0 && key[i-1] != '.':
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/gurre/awschome/config"
	"github.com/gurre/awschome/objectstore"
	"github.com/gurre/awschome/replay"
	"github.com/gurre/awschome/services"
	"github.com/gurre/awschome/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

// buildFunc matches services.New so tests can inject clients.
type buildFunc func(ctx context.Context, cfg *config.Config, opts ...services.Option) (*services.Services, error)

type app struct {
	build      buildFunc
	configPath string
	verbose    bool
	svc        *services.Services
}

func newRootCommand(build buildFunc) *cobra.Command {
	a := &app{build: build}

	root := &cobra.Command{
		Use:           "awschome",
		Short:         "Exercise the configured S3 bucket and Kinesis stream",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Configuration file (yaml, json or toml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log at debug level")

	root.AddCommand(
		a.putRecordCommand(),
		a.putTestRecordsCommand(),
		a.uploadCommand(),
		a.headCommand(),
		a.getCommand(),
		a.deleteCommand(),
		a.signCommand(),
		a.replayCommand(),
		a.preflightCommand(),
		a.reportCommand(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	svc, err := a.build(cmd.Context(), cfg, services.WithLogger(logger))
	if err != nil {
		return err
	}
	a.svc = svc
	return nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// readInput returns the contents of path, or of stdin for "-".
func readInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(path)
}

func (a *app) putRecordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "put-record <json|->",
		Short: "Publish one JSON object to the stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(args[0])
			if args[0] == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				data = b
			}

			var rec stream.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("record must be a JSON object: %w", err)
			}
			out, err := a.svc.Kinesis.PutRecord(cmd.Context(), rec)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stream.PublishResult{
				SequenceNumber: awssdk.ToString(out.SequenceNumber),
				ShardID:        awssdk.ToString(out.ShardId),
			})
		},
	}
}

func (a *app) putTestRecordsCommand() *cobra.Command {
	var count int
	var single bool

	cmd := &cobra.Command{
		Use:   "put-test-records",
		Short: "Publish generated test events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts []stream.TestOption
			if single {
				opts = append(opts, stream.WithSinglePuts())
			}
			results, err := a.svc.Kinesis.PutTestRecords(cmd.Context(), count, opts...)
			if len(results) > 0 {
				if perr := printJSON(cmd.OutOrStdout(), results); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&count, "count", stream.DefaultTestRecords, "Number of events")
	cmd.Flags().BoolVar(&single, "single", false, "Send one PutRecord per event")
	return cmd
}

func (a *app) uploadCommand() *cobra.Command {
	var contentType string

	cmd := &cobra.Command{
		Use:   "upload <key> <file|->",
		Short: "Upload a file to the bucket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			defer body.Close()

			var opts []func(*s3.PutObjectInput)
			if contentType != "" {
				opts = append(opts, func(in *s3.PutObjectInput) {
					in.ContentType = awssdk.String(contentType)
				})
			}
			out, err := a.svc.S3.Upload(cmd.Context(), args[0], body, opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"key":       awssdk.ToString(out.Key),
				"etag":      awssdk.ToString(out.ETag),
				"versionId": awssdk.ToString(out.VersionID),
				"location":  out.Location,
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "Content-Type of the object")
	return cmd
}

func (a *app) headCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "head <key>",
		Short: "Show object metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.svc.S3.GetMetadata(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"contentLength": awssdk.ToInt64(out.ContentLength),
				"contentType":   awssdk.ToString(out.ContentType),
				"etag":          awssdk.ToString(out.ETag),
				"lastModified":  awssdk.ToTime(out.LastModified),
				"metadata":      out.Metadata,
			})
		},
	}
}

func (a *app) getCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Download an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := a.svc.S3.GetStream(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer body.Close()

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			_, err = io.Copy(w, body)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

func (a *app) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.svc.S3.DeleteByID(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) signCommand() *cobra.Command {
	var expiry time.Duration

	cmd := &cobra.Command{
		Use:   "sign <key>",
		Short: "Print a presigned GET URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := a.svc.S3.GetSignedURL(cmd.Context(), args[0], objectstore.WithExpiry(expiry))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
	cmd.Flags().DurationVar(&expiry, "expiry", objectstore.DefaultSignedURLExpiry, "URL lifetime")
	return cmd
}

func (a *app) replayCommand() *cobra.Command {
	var checkpointURI string
	var batch int

	cmd := &cobra.Command{
		Use:   "replay <key>",
		Short: "Publish every line of an NDJSON object to the stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.svc.CheckpointStore(checkpointURI)
			if err != nil {
				return err
			}
			res, err := a.svc.Replayer(
				replay.WithCheckpointStore(store),
				replay.WithBatchSize(batch),
			).Run(cmd.Context(), args[0])
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&checkpointURI, "checkpoint", "", "Checkpoint URI (s3://bucket/key, file://path or mem://)")
	cmd.Flags().IntVar(&batch, "batch", stream.MaxBatchSize, "Records per PutRecords call")
	return cmd
}

func (a *app) preflightCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Simulate the IAM permissions the configured services need",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.svc.Check(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all permissions allowed")
			return nil
		},
	}
}

func (a *app) reportCommand() *cobra.Command {
	var count int
	var promText bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Publish test events and print the resulting counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.svc.Kinesis.PutTestRecords(cmd.Context(), count); err != nil {
				return err
			}

			if !promText {
				return printJSON(cmd.OutOrStdout(), a.svc.Metrics.GenerateReport())
			}

			reg := prometheus.NewRegistry()
			if err := reg.Register(a.svc.Metrics.Collector("awschome")); err != nil {
				return err
			}
			families, err := reg.Gather()
			if err != nil {
				return err
			}
			for _, mf := range families {
				if _, err := expfmt.MetricFamilyToText(cmd.OutOrStdout(), mf); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", stream.DefaultTestRecords, "Number of events")
	cmd.Flags().BoolVar(&promText, "prometheus", false, "Print Prometheus text format instead of JSON")
	return cmd
}

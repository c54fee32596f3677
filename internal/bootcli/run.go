package bootcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/chainguard-dev/clog"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/bootstrap"
	"github.com/picklr-io/lampstack/internal/cloudinit"
	"github.com/picklr-io/lampstack/internal/logging"
	"github.com/picklr-io/lampstack/internal/secrets"
)

var (
	manifestPath string
	logFile      string
	region       string
	logGroup     string
	logStream    string
	rootDir      string
	logLevel     string
	logFormat    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the manifest until it completes or a step fails",
	Long: `Runs the manifest steps in order. A completed run is not repeated; a failed
or interrupted run resumes at the failed step when that step can tell whether
it already took effect, and starts over otherwise.

Logs go to stderr, to --log-file as JSON lines and, with --log-group, to
CloudWatch Logs. Secret values are masked in all of them.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&manifestPath, "manifest", cloudinit.ManifestPath, "Manifest to run (the built-in LAMP manifest if the default path is missing)")
	f.StringVar(&logFile, "log-file", cloudinit.LogPath, "JSON log file, empty to disable")
	f.StringVar(&region, "region", "", "AWS region for secrets and logs (default: from the environment or instance metadata)")
	f.StringVar(&logGroup, "log-group", "", "CloudWatch Logs group to ship logs to")
	f.StringVar(&logStream, "log-stream", "", "CloudWatch Logs stream (default: the host name)")
	f.StringVar(&rootDir, "root", "", "Prefix for every path a step writes or tests")
	f.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	f.StringVar(&logFormat, "log-format", "text", "Log format on stderr: text, json or pretty")
}

func runRun(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()

	manifest, err := loadManifest(cmd.Flags().Changed("manifest"))
	if err != nil {
		return err
	}

	awsCfg, awsErr := loadAWSConfig(ctx)
	resolver := secrets.NewLocal()
	if awsErr == nil {
		resolver = secrets.New(awsCfg)
	}

	stderr := cmd.ErrOrStderr()
	sinks := []io.Writer{stderr}
	handlers := []slog.Handler{logging.NewHandler(stderr, logLevel, logFormat)}
	level := logging.ParseLevel(logLevel)

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		sinks = append(sinks, f)
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	}

	if logGroup != "" {
		if awsErr != nil {
			return fmt.Errorf("--log-group needs AWS configuration: %w", awsErr)
		}
		cw := bootstrap.NewCloudWatchWriter(awsCfg, logGroup, streamName())
		defer func() {
			if cerr := cw.Close(); cerr != nil {
				fmt.Fprintf(stderr, "failed to ship logs to CloudWatch: %v\n", cerr)
			}
		}()
		handlers = append(handlers, slog.NewJSONHandler(cw, &slog.HandlerOptions{Level: level}))
	}

	logger := clog.New(resolver.Handler(slogmulti.Fanout(handlers...)))
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)

	if awsErr != nil {
		logger.Warn("AWS configuration unavailable, only env:// and file:// secrets resolve", "error", awsErr)
	}

	out := resolver.Writer(io.MultiWriter(sinks...))
	runner := &bootstrap.Runner{
		Manifest: manifest,
		Store:    bootstrap.NewStore(stateDir),
		Exec:     &bootstrap.ShellExecutor{Stdout: out, Stderr: out},
		Secrets:  resolver,
		Root:     rootDir,
		Redact:   resolver.Redact,
	}

	st, err := runner.Run(ctx)
	if err != nil {
		logger.Error("bootstrap failed", "exit_code", bootstrap.ExitCode(err), "error", err)
		return err
	}
	logger.Info("bootstrap finished", "phase", st.Phase, "run_id", st.RunID)
	return nil
}

// loadManifest falls back to the built-in manifest only when the default
// path is absent.
func loadManifest(explicit bool) (*bootstrap.Manifest, error) {
	m, err := bootstrap.LoadManifest(manifestPath)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return bootstrap.DefaultManifest(), nil
	}
	return m, err
}

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	} else {
		opts = append(opts, config.WithEC2IMDSRegion())
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if cfg.Region == "" {
		return aws.Config{}, errors.New("no AWS region configured")
	}
	return cfg, nil
}

func streamName() string {
	if logStream != "" {
		return logStream
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "lampstack-boot"
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"runtime"
	"syscall"

	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mdouchement/s3cache/internal/cacheerror"
	"github.com/mdouchement/s3cache/internal/config"
	"github.com/mdouchement/s3cache/internal/hasher"
	"github.com/mdouchement/s3cache/internal/service"
	"github.com/mdouchement/s3cache/internal/storage"
	"github.com/mdouchement/s3cache/internal/xpath"
)

var (
	version  = "dev"
	revision = "none"
	date     = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	c := newRootCommand(os.Stdout, os.Stderr)
	err := c.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(cacheerror.ExitCode(err))
	}
}

// An application holds the state shared by the commands of one invocation.
type application struct {
	stdout io.Writer
	stderr io.Writer

	envFile string
	flags   config.Config
	cfg     config.Config
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	app := &application{
		stdout: stdout,
		stderr: stderr,
		flags:  config.Default(),
	}

	c := &cobra.Command{
		Use:           "s3cache",
		Short:         "Deduplicating store for CI artifacts on object storage",
		Version:       fmt.Sprintf("%s - build %.7s @ %s - %s", version, revision, date, runtime.Version()),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.SetOut(stdout)
	c.SetErr(stderr)

	flags := c.PersistentFlags()
	flags.StringVar(&app.envFile, "env-file", ".env", "Environment file loaded at startup")
	flags.StringVar(&app.flags.Backend, "backend", app.flags.Backend, "Object store backend (s3, swift, filesystem, bolt)")
	flags.StringVar(&app.flags.Bucket, "bucket", app.flags.Bucket, "Bucket or container name")
	flags.StringVar(&app.flags.Endpoint, "endpoint", app.flags.Endpoint, "S3 endpoint")
	flags.StringVar(&app.flags.Region, "region", app.flags.Region, "S3 region")
	flags.StringVar(&app.flags.Prefix, "prefix", app.flags.Prefix, "Namespace inside the bucket")
	flags.BoolVar(&app.flags.CreateBucket, "create-bucket", app.flags.CreateBucket, "Create the bucket when missing")
	flags.StringVar(&app.flags.Path, "path", app.flags.Path, "Root of the filesystem backend or file of the bolt backend")
	flags.StringVar(&app.flags.Digest, "digest", app.flags.Digest, "Digest algorithm of new blobs (sha256, blake3)")
	flags.IntVar(&app.flags.Concurrency, "concurrency", app.flags.Concurrency, "Number of files transferred simultaneously")
	flags.IntVar(&app.flags.Retries, "retries", app.flags.Retries, "Retries of transient store failures")
	flags.StringVar(&app.flags.LogLevel, "log-level", app.flags.LogLevel, "Log level (debug, info, warn, error)")

	c.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Version for s3cache",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), c.Version)
		},
	})
	c.AddCommand(app.listCommand())
	c.AddCommand(app.uploadCommand())
	c.AddCommand(app.downloadCommand())
	c.AddCommand(app.deleteCommand())
	c.AddCommand(app.serveCommand())

	return c
}

// configuration resolves the defaults, the env file, the environment then the flags set on the command line.
func (app *application) configuration(cmd *cobra.Command) (config.Config, error) {
	if err := config.LoadEnvFile(app.envFile); err != nil {
		return config.Config{}, cacheerror.New(cacheerror.Invalid, "config", err)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, cacheerror.New(cacheerror.Invalid, "config", err)
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = app.flags.Backend
	}
	if flags.Changed("bucket") {
		cfg.Bucket = app.flags.Bucket
	}
	if flags.Changed("endpoint") {
		cfg.Endpoint = app.flags.Endpoint
	}
	if flags.Changed("region") {
		cfg.Region = app.flags.Region
	}
	if flags.Changed("prefix") {
		cfg.Prefix = app.flags.Prefix
	}
	if flags.Changed("create-bucket") {
		cfg.CreateBucket = app.flags.CreateBucket
	}
	if flags.Changed("path") {
		cfg.Path = app.flags.Path
	}
	if flags.Changed("digest") {
		cfg.Digest = app.flags.Digest
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = app.flags.Concurrency
	}
	if flags.Changed("retries") {
		cfg.Retries = app.flags.Retries
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = app.flags.LogLevel
	}

	if err = cfg.Validate(); err != nil {
		return cfg, cacheerror.New(cacheerror.Invalid, "config", err)
	}
	return cfg, nil
}

func (app *application) logger(cfg config.Config) (logger.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, cacheerror.New(cacheerror.Invalid, "config", err)
	}

	log := logrus.New()
	log.SetOutput(app.stderr)
	log.SetLevel(level)
	log.SetFormatter(&logger.LogrusTextFormatter{
		DisableColors:   false,
		ForceFormatting: true,
		PrefixRE:        regexp.MustCompile(`^(\[.*?\])\s`),
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return logger.WrapLogrus(log), nil
}

// controller opens the configured store and returns the services controller.
// The returned function releases the store.
func (app *application) controller(cmd *cobra.Command) (service.Controller, func(), error) {
	cfg, err := app.configuration(cmd)
	if err != nil {
		return service.Controller{}, nil, err
	}

	app.cfg = cfg

	ctrl := service.Controller{
		Layout:      xpath.NewLayout(cfg.Prefix),
		Concurrency: cfg.Concurrency,
	}

	ctrl.Logger, err = app.logger(cfg)
	if err != nil {
		return ctrl, nil, err
	}

	ctrl.Hasher, err = hasher.New(cfg.Digest)
	if err != nil {
		return ctrl, nil, cacheerror.New(cacheerror.Invalid, "config", err)
	}

	//

	ctrl.Storage, err = storage.Open(cmd.Context(), cfg, ctrl.Logger)
	if err != nil {
		return ctrl, nil, cacheerror.New(cacheerror.Store, "open", errors.Wrapf(err, "could not open %s backend", cfg.Backend))
	}
	ctrl.Logger.Debugf("Using %s backend", ctrl.Storage.Name())

	return ctrl, func() {
		if err := ctrl.Storage.Close(); err != nil {
			ctrl.Logger.Warnf("could not close backend: %s", err)
		}
	}, nil
}

func envORdefault(name, fallback string) string {
	p := os.Getenv(name)
	if len(p) == 0 {
		return fallback
	}
	return p
}

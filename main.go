// Package main is the entry point of the cloud-bootstrap CLI.
//
// The CLI bootstraps and tears down the per-environment trust and state
// backend resources of a multi-account AWS organization:
//
//	cloud-bootstrap bootstrap dev staging
//	cloud-bootstrap destroy dev --force --confirm destroy-bootstrap-resources
//	cloud-bootstrap report dev -o tf-backend
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
	"github.com/anirudhbiyani/cloud-bootstrap/pkg/config"
	"github.com/anirudhbiyani/cloud-bootstrap/pkg/logger"
	"github.com/anirudhbiyani/cloud-bootstrap/pkg/policyguard"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return newApp(stdin, stdout, stderr).execute(ctx, args)
}

// app holds global flags and the injectable dependencies of every command.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// newPlanes builds the control-plane factory. Tests substitute an
	// in-memory cloud.
	newPlanes func(cfg *config.Config) bootstrap.PlaneFactory
	// newLocker builds the advisory lock backend; nil disables locking.
	newLocker func(ctx context.Context, cfg *config.Config) (bootstrap.Locker, error)
	// extraOpts are appended to the orchestrator options.
	extraOpts []bootstrap.Option
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		newPlanes: awsPlanes,
		newLocker: openLocker,
	}
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	printFailure(a.stderr, err)
	return exitCode(err)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cloud-bootstrap",
		Short:         "bootstrap and tear down per-environment trust and state backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return bootstrap.ErrValidation(err.Error()).WithRetrySafe(true)
	})

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", fmt.Sprintf("config file (default $%s or %s)", config.EnvVar, config.DefaultPath))
	flags.StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "json", "log format (json, text)")
	root.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	root.AddCommand(
		a.bootstrapCmd(),
		a.destroyCmd(),
		a.reportCmd(),
		a.versionCmd(),
	)
	return root
}

// exactEnv accepts exactly one environment argument.
func exactEnv(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return bootstrap.ErrValidation(fmt.Sprintf("expected one environment, got %d", len(args))).WithRetrySafe(true)
	}
	return nil
}

// orchestrator loads and validates the config, then wires the orchestrator.
// Nothing talks to a control plane before validation has passed.
func (a *app) orchestrator(ctx context.Context) (*bootstrap.Orchestrator, *config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(a.configPath))
	if err != nil {
		return nil, nil, err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, nil, err
	}

	l := logger.NewLoggerWithWriter(a.logLevel, a.logFormat, a.stderr)
	opts := []bootstrap.Option{
		bootstrap.WithLogger(l),
		bootstrap.WithRetryPolicy(cfg.RetryPolicy()),
		bootstrap.WithManifestStore(bootstrap.NewManifestStore(cfg.ManifestDir)),
	}

	var guardOpts []policyguard.Option
	if cfg.Policy.RegoDir != "" {
		guardOpts = append(guardOpts, policyguard.WithModules(cfg.Policy.RegoDir))
	}
	guard, err := policyguard.New(ctx, guardOpts...)
	if err != nil {
		return nil, nil, bootstrap.ErrValidation("failed to compile trust policy rules").WithCause(err)
	}
	opts = append(opts, bootstrap.WithGuards(guard))

	locker, err := a.newLocker(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if locker != nil {
		opts = append(opts, bootstrap.WithLocker(locker))
	}
	opts = append(opts, a.extraOpts...)

	o, err := bootstrap.New(cfg.Settings(), registry, a.newPlanes(cfg), opts...)
	if err != nil {
		return nil, nil, err
	}
	return o, cfg, nil
}

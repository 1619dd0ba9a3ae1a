// Package cli implements the mxgo-mcp command: it loads an MCP server configuration,
// opens the servers and lists, calls and checks their tools.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/mxgoai/mxgo-core/internal/logging"
	"github.com/mxgoai/mxgo-core/mcp"
	"github.com/mxgoai/mxgo-core/telemetry"
	"github.com/mxgoai/mxgo-core/toolset"
)

const serviceName = "mxgo-mcp"

// app holds the state shared by every subcommand of one invocation.
type app struct {
	version        string
	configPath     string
	logLevel       string
	logFormat      string
	otlpEndpoint   string
	connectTimeout time.Duration
	metrics        bool

	logger   *slog.Logger
	observer toolset.Observer
	reader   *metric.ManualReader
	meters   *metric.MeterProvider
	tracers  *sdktrace.TracerProvider
}

// NewRootCmd creates the mxgo-mcp command tree.
func NewRootCmd(version string) *cobra.Command {
	a := &app{version: version}

	root := &cobra.Command{
		Use:               "mxgo-mcp",
		Short:             "Inspect and call tools of MCP servers",
		Long:              "mxgo-mcp opens the MCP servers listed in an mcp.toml or mcp.yaml file and exposes their tools.",
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.SetVersionTemplate(fmt.Sprintf("mxgo-mcp version %s\n", version))

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to the server configuration (default: search ./mcp.toml, ./mcp.yaml, ~/.config/mxgo)")
	flags.StringVar(&a.logLevel, "log-level", "warn", "Log level: trace | debug | info | warn | error")
	flags.StringVar(&a.logFormat, "log-format", "text", "Log format: text | json")
	flags.StringVar(&a.otlpEndpoint, "otlp-endpoint", "", "Export spans to this OTLP/HTTP URL, e.g. http://localhost:4318/v1/traces")
	flags.DurationVar(&a.connectTimeout, "connect-timeout", 30*time.Second, "Time allowed to start and initialize each server")
	flags.BoolVar(&a.metrics, "metrics", false, "Print a metrics summary to stderr when done")

	root.AddCommand(a.newToolsCmd())
	root.AddCommand(a.newServersCmd())
	root.AddCommand(a.newServeFixtureCmd())

	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	format, err := logging.ParseFormat(a.logFormat)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	a.logger = logging.New(cmd.ErrOrStderr(), level, format)

	a.reader = metric.NewManualReader()
	a.meters = telemetry.NewMeterProvider(a.reader, serviceName)

	var tracer trace.Tracer
	if a.otlpEndpoint != "" {
		a.tracers, err = telemetry.NewTracerProvider(cmd.Context(), a.otlpEndpoint, serviceName)
		if err != nil {
			return exitError(exitConfig, "%v", err)
		}
		tracer = a.tracers.Tracer("github.com/mxgoai/mxgo-core/toolset")
	}

	observer, err := telemetry.NewToolObserver(a.meters.Meter("github.com/mxgoai/mxgo-core/toolset"), tracer)
	if err != nil {
		return fmt.Errorf("failed to create tool observer: %w", err)
	}
	a.observer = observer
	return nil
}

// withRegistry loads the configuration, opens every server and runs fn with the resulting
// registry. Sessions are closed and telemetry flushed afterwards.
func (a *app) withRegistry(cmd *cobra.Command, fn func(*toolset.Registry) error) error {
	path, err := toolset.FindConfig(a.configPath)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	configs, err := toolset.LoadConfig(path)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	a.logger.Debug("loaded MCP server config", slog.String("path", path), slog.Int("servers", len(configs)))

	err = toolset.WithRegistry(cmd.Context(), configs, fn,
		toolset.WithLogger(a.logger),
		toolset.WithObserver(a.observer),
		toolset.WithConnectTimeout(a.connectTimeout),
		toolset.WithClientInfo(mcp.Info{Name: serviceName, Version: a.version}),
	)

	a.finish(cmd)
	return err
}

// finish flushes telemetry. Failures are logged, they never change the command outcome.
func (a *app) finish(cmd *cobra.Command) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
	defer cancel()

	if a.metrics {
		var rm metricdata.ResourceMetrics
		if err := a.reader.Collect(ctx, &rm); err != nil {
			a.logger.Warn("failed to collect metrics", slog.String("err", err.Error()))
		} else {
			writeMetrics(cmd.ErrOrStderr(), &rm)
		}
	}

	var errs []error
	if a.tracers != nil {
		errs = append(errs, a.tracers.Shutdown(ctx))
	}
	errs = append(errs, a.meters.Shutdown(ctx))
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("failed to flush telemetry", slog.String("err", err.Error()))
	}
}

// writeMetrics prints one line per counter and histogram.
func writeMetrics(w io.Writer, rm *metricdata.ResourceMetrics) {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				fmt.Fprintf(w, "%s total=%d\n", m.Name, total)
			case metricdata.Histogram[float64]:
				var (
					count uint64
					sum   float64
				)
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				fmt.Fprintf(w, "%s count=%d sum=%.3f%s\n", m.Name, count, sum, m.Unit)
			}
		}
	}
}

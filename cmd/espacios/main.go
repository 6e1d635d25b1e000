// Command espacios downloads the museums, cinemas and libraries datasets,
// normalizes them into one model and reloads it into the configured database.
//
// Exit codes: 0 success, 1 run or configuration failure, 2 usage error.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"

	"espacios/internal/config"
	"espacios/internal/fetch"
	"espacios/internal/logger"
	"espacios/internal/merge"
	"espacios/internal/metrics"
	"espacios/internal/metrics/datadog"
	"espacios/internal/metrics/prompush"
	"espacios/internal/pipeline"

	// Every backend is compiled in; STORAGE_KIND picks one at run time.
	_ "espacios/internal/storage/all"
)

const jobName = "espacios"

type runner interface {
	Run(ctx context.Context, opt pipeline.Options) (*pipeline.Report, error)
}

// appDeps are the seams runMain goes through for side effects.
type appDeps struct {
	loadConfig  func(envFile string) (*config.Config, error)
	newLogger   func(cfg *config.Config, verbose bool) *logger.Logger
	newRunner   func(cfg *config.Config, log *logger.Logger) runner
	initMetrics func(ctx context.Context, backend, gatewayURL, tags string) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig: config.Load,
		newLogger: func(cfg *config.Config, verbose bool) *logger.Logger {
			return logger.NewLogger(logger.Options{Level: cfg.LogLevel, Path: cfg.LogPath, Stderr: verbose})
		},
		newRunner: func(cfg *config.Config, l *logger.Logger) runner {
			return &pipeline.Runner{
				Fetcher: fetch.New(fetch.Options{DataDir: cfg.DataPath, Timeout: cfg.HTTPTimeout}),
				Logger:  l,
			}
		},
		initMetrics: initMetrics,
	}
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDeps()))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("espacios", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		envFile        string
		metricsBackend string
		pushGatewayURL string
		schedule       string
		dryRun         bool
		verbose        bool
	)
	fs.StringVar(&envFile, "env", ".env", "dotenv file with run settings (missing is fine)")
	fs.StringVar(&metricsBackend, "metrics-backend", "", "metrics backend: none, pushgateway, datadog (overrides METRICS_BACKEND)")
	fs.StringVar(&pushGatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides PUSHGATEWAY_URL)")
	fs.StringVar(&schedule, "schedule", "", "cron expression; run repeatedly until interrupted (overrides SCHEDULE)")
	fs.BoolVar(&dryRun, "dry-run", false, "write the DDL script and stop before touching the database")
	fs.BoolVar(&verbose, "v", false, "debug logs, also written to stderr")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "usage: espacios [-env file] [-dry-run] [-schedule expr] [-metrics-backend name]\nunexpected argument %q\n", fs.Arg(0))
		return 2
	}

	cfg, err := deps.loadConfig(envFile)
	if err != nil {
		fmt.Fprintf(stderr, "espacios: %v\n", err)
		return 1
	}
	if metricsBackend != "" {
		cfg.MetricsBackend = metricsBackend
	}
	if pushGatewayURL != "" {
		cfg.PushgatewayURL = pushGatewayURL
	}
	if schedule != "" {
		cfg.Schedule = schedule
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	policy, err := merge.ParsePolicy(cfg.RepresentativePolicy)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	l := deps.newLogger(cfg, verbose)
	defer l.Close()

	cleanup, err := deps.initMetrics(ctx, cfg.MetricsBackend, cfg.PushgatewayURL, cfg.MetricsTags)
	defer cleanup()
	if err != nil {
		fmt.Fprintf(stderr, "metrics: %v\n", err)
		return 1
	}

	r := deps.newRunner(cfg, l)
	opt := pipeline.Options{
		Sources:        cfg.Sources(),
		SQLPath:        cfg.SQLPath,
		Storage:        cfg.Storage(),
		Representative: policy,
		DryRun:         dryRun,
	}
	l.Debug("settings",
		"storage", cfg.StorageKind,
		"dsn", config.Redacted(opt.Storage.DSN),
		"data_path", cfg.DataPath,
		"sql_path", cfg.SQLPath,
		"policy", string(policy),
	)

	if cfg.Schedule != "" {
		return runScheduled(ctx, r, opt, cfg.Schedule, l, stderr)
	}

	rep, err := r.Run(ctx, opt)
	if rep != nil {
		printReport(stdout, rep)
	}
	if err != nil {
		fmt.Fprintf(stderr, "espacios: %v\n", err)
		return 1
	}
	return 0
}

// runScheduled runs the pipeline on every tick of expr until SIGINT/SIGTERM.
// A tick that fires while the previous run is still going is skipped.
func runScheduled(ctx context.Context, r runner, opt pipeline.Options, expr string, l *logger.Logger, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl := cron.PrintfLogger(l)
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	_, err := c.AddFunc(expr, func() {
		if _, err := r.Run(ctx, opt); err != nil {
			l.Error("scheduled run failed", "err", err)
		}
	})
	if err != nil {
		fmt.Fprintf(stderr, "schedule %q: %v\n", expr, err)
		return 1
	}

	c.Start()
	l.Info("scheduler started", "schedule", expr, "next", c.Entries()[0].Next.Format(time.RFC3339))
	<-ctx.Done()
	<-c.Stop().Done()
	l.Info("scheduler stopped")
	return 0
}

func printReport(w io.Writer, rep *pipeline.Report) {
	if len(rep.Tables) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TABLE\tROWS\tSTATUS\n")
	for _, t := range rep.Tables {
		status := "ok"
		if t.Err != nil {
			status = "error"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", t.Name, t.Rows, status)
	}
	_ = tw.Flush()
}

// metricsBackend is what cleanup needs from a backend that buffers.
type metricsBackend interface {
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, url string) (metrics.Backend, error) {
		return prompush.NewBackend(job, url)
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	flushMetrics = metrics.Flush
	logPrintf    = log.Printf
)

// initMetrics wires the selected backend into the metrics package. The
// returned cleanup is never nil and flushes or closes the backend.
func initMetrics(ctx context.Context, backend, gatewayURL, tags string) (func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "none", "noop":
		return noop, nil

	case "pushgateway", "prometheus":
		if gatewayURL == "" {
			gatewayURL = "http://localhost:9091"
		}
		b, err := newPushBackend(jobName, gatewayURL)
		if err != nil {
			return noop, fmt.Errorf("pushgateway: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := flushMetrics(); err != nil {
				logPrintf("metrics: pushgateway flush error: %v", err)
			}
		}, nil

	case "datadog", "dd":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       datadog.ParseTagsCSV(tags),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return noop, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|pushgateway|datadog)", backend)
	}
}

// Command voiceprobe runs behavioral tests against a voice agent, either once
// from a job file or as an HTTP service accepting jobs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/circuitbreaker"
	"voiceprobe/pkg/config"
	"voiceprobe/pkg/engine"
	httpserver "voiceprobe/pkg/http"
	"voiceprobe/pkg/llm"
	"voiceprobe/pkg/metrics"
	"voiceprobe/pkg/reporting"
	"voiceprobe/pkg/retry"
	"voiceprobe/pkg/stt"
	"voiceprobe/pkg/telemetry/tracing"
	"voiceprobe/pkg/tts"
	"voiceprobe/pkg/turn"
	"voiceprobe/pkg/version"
)

var logger = logrus.New()

// app holds everything built from configuration.
type app struct {
	cfg          *config.Config
	runner       *engine.Runner
	registry     *httpserver.RunRegistry
	amqp         *reporting.AMQPReporter
	breakers     *circuitbreaker.Manager
	stopMetrics  func()
	stopTracing  func(context.Context) error
	closeReports func()
}

func main() {
	jobPath := flag.String("job", "", "run a single job file (json or yaml) and print the result")
	serve := flag.Bool("serve", false, "serve the run API")
	watch := flag.Bool("watch", false, "with -job, rerun the job whenever the file changes")
	schedule := flag.String("schedule", "", "with -job, rerun the job on a cron schedule (\"*/15 * * * *\", \"@every 1h\")")
	pretty := flag.Bool("pretty", true, "indent the printed result")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.UserAgent())
		return
	}
	if (*jobPath == "") == !*serve {
		fmt.Fprintln(os.Stderr, "usage: voiceprobe -job <file> | -serve")
		os.Exit(2)
	}
	if *watch && *schedule != "" {
		fmt.Fprintln(os.Stderr, "-watch and -schedule are mutually exclusive")
		os.Exit(2)
	}

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := initialize(ctx, *serve)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	code := 0
	switch {
	case *serve:
		serveAPI(ctx, a)
	case *watch:
		code = watchJob(ctx, a, *jobPath, *pretty)
	case *schedule != "":
		code = scheduleJob(ctx, a, *jobPath, *schedule, *pretty)
	default:
		code = runOnce(ctx, a, *jobPath, *pretty)
	}
	a.shutdown()
	stop()
	os.Exit(code)
}

// initialize loads configuration and builds the runner and its collaborators.
func initialize(ctx context.Context, serving bool) (*app, error) {
	cfg, err := config.Load(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		return nil, fmt.Errorf("failed to apply logging configuration: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"level":   logger.GetLevel().String(),
		"version": version.Version,
	}).Info("Log level set")

	a := &app{cfg: cfg, closeReports: func() {}}
	a.stopMetrics = metrics.StartMetrics(logger, cfg.HTTP.EnableMetrics)

	a.stopTracing, err = tracing.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	retryer := retry.New(retry.PolicyFromConfig(cfg.Retry), logger)
	a.breakers = circuitbreaker.NewManager(logger, circuitbreaker.ConfigFromSettings(cfg.CircuitBreaker), cfg.CircuitBreaker.Enabled)

	transcribers, err := stt.NewFromConfig(logger, cfg.STT, retryer, a.breakers)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize speech-to-text: %w", err)
	}
	logger.WithField("providers", transcribers.Providers()).Info("Speech-to-text providers registered")

	provider, voice, err := tts.NewProvider(logger, cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize text-to-speech: %w", err)
	}
	var cache tts.Cache
	if cfg.Cache.Enabled {
		cache = tts.NewCache(ctx, cfg.Cache, logger)
	}
	synth := tts.NewService(logger, provider, voice, cache, cfg.Cache.TTL, retryer, a.breakers)

	callerChat := llm.NewClient(cfg.LLM, cfg.LLM.CallerModel, logger, retryer, a.breakers)
	judgeChat := llm.NewClient(cfg.LLM, cfg.LLM.JudgeModel, logger, retryer, a.breakers)

	reporters := reporting.Multi{reporting.NewLogReporter(logger)}
	if serving {
		a.registry = httpserver.NewRunRegistry(cfg.HTTP.MaxConcurrentRuns)
		reporters = append(reporters, a.registry)
	}
	if cfg.Reporting.CallbackURL != "" {
		reporters = append(reporters, reporting.NewHTTPReporter(cfg.Reporting, logger, retryer, a.breakers))
		logger.WithField("url", cfg.Reporting.CallbackURL).Info("Result callback enabled")
	}
	if cfg.Reporting.AMQP.URL != "" {
		a.amqp = reporting.NewAMQPReporter(logger, cfg.Reporting.AMQP)
		if err := a.amqp.Connect(); err != nil {
			// results still reach the other reporters
			logger.WithError(err).Warn("AMQP reporter unavailable")
		}
		reporters = append(reporters, a.amqp)
		a.closeReports = a.amqp.Disconnect
	}

	collector := turn.DefaultConfig()
	if cfg.Engine.VADThreshold > 0 {
		collector.VAD.Threshold = cfg.Engine.VADThreshold
	}

	healthPolicy := retry.PolicyFromConfig(cfg.Retry)
	healthPolicy.MaxAttempts = cfg.Engine.HealthCheckAttempts

	a.runner = engine.NewRunner(engine.Deps{
		Synthesizer:       synth,
		Voices:            func(v tts.Voice) tts.Synthesizer { return synth.WithVoice(v) },
		Transcriber:       transcribers,
		Transcribers:      transcribers.WithProvider,
		CallerChat:        callerChat,
		CallerModel:       cfg.LLM.CallerModel,
		CallerTemperature: cfg.LLM.Temperature,
		JudgeChat:         judgeChat,
		JudgeModel:        cfg.LLM.JudgeModel,
		Reporter:          reporters,
		HealthClient:      &http.Client{Timeout: cfg.Engine.HealthCheckTimeout},
		HealthRetryer:     retry.New(healthPolicy, logger),
		HealthTimeout:     cfg.Engine.HealthCheckTimeout,
		Collector:         collector,
		RetainAudio:       cfg.Engine.RetainAudio,
	}, logger)

	return a, nil
}

// runOnce executes one job file, prints the result and returns the exit code.
func runOnce(ctx context.Context, a *app, path string, pretty bool) int {
	job, err := engine.LoadJob(path)
	if err != nil {
		logger.WithError(err).WithField("path", path).Error("Failed to load job")
		return 2
	}
	return printResult(a.runner.Run(ctx, job), pretty)
}

// watchJob runs the job, then reruns it on every change until ctx is done.
// The exit code reflects the last run.
func watchJob(ctx context.Context, a *app, path string, pretty bool) int {
	code := runOnce(ctx, a, path, pretty)
	w, err := engine.NewJobWatcher(path, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to watch job file")
		return 2
	}
	_ = w.Run(ctx, func(job *engine.Job) {
		code = printResult(a.runner.Run(ctx, job), pretty)
	})
	return code
}

// scheduleJob reruns the job on spec until ctx is done. The exit code
// reflects the last run, or 0 when no tick fired.
func scheduleJob(ctx context.Context, a *app, path, spec string, pretty bool) int {
	s, err := engine.NewJobScheduler(path, spec, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to schedule job")
		return 2
	}
	var code atomic.Int32
	_ = s.Run(ctx, func(job *engine.Job) {
		code.Store(int32(printResult(a.runner.Run(ctx, job), pretty)))
	})
	return int(code.Load())
}

func printResult(res *engine.RunResult, pretty bool) int {
	enc := json.NewEncoder(os.Stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(res); err != nil {
		logger.WithError(err).Error("Failed to write result")
		return 2
	}
	printSummary(res)
	if res.Status != engine.StatusPass {
		return 1
	}
	return 0
}

// printSummary writes a one-line verdict to stderr, colored on terminals.
func printSummary(res *engine.RunResult) {
	verdict := color.New(color.FgGreen, color.Bold)
	if res.Status != engine.StatusPass {
		verdict = color.New(color.FgRed, color.Bold)
	}
	agg := res.Aggregate
	verdict.Fprintf(os.Stderr, "%s", strings.ToUpper(res.Status))
	fmt.Fprintf(os.Stderr, " run %s: %d/%d tests passed, p95 TTFB %.0fms, %.1fs\n",
		res.RunID, agg.Passed, agg.TotalTests, agg.P95TTFBMs, res.DurationMs/1000)
	if res.ErrorText != "" {
		color.New(color.FgYellow).Fprintf(os.Stderr, "  %s\n", res.ErrorText)
	}
}

// serveAPI blocks until ctx is cancelled, then shuts the server down.
func serveAPI(ctx context.Context, a *app) {
	server := httpserver.NewServer(logger, a.cfg.HTTP, a.runner, a.registry)
	server.AddCheck("circuit_breakers", httpserver.BreakerCheck(a.breakers.OpenBreakers))
	if a.amqp != nil {
		server.AddCheck("amqp", httpserver.ConnectionCheck("AMQP", a.amqp))
	}
	if err := server.Start(); err != nil {
		logger.WithError(err).Error("Failed to start HTTP server")
		return
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error shutting down HTTP server")
	} else {
		logger.Info("HTTP server shut down successfully")
	}
}

func (a *app) shutdown() {
	a.closeReports()
	a.stopMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.stopTracing(ctx); err != nil {
		logger.WithError(err).Warn("Failed to flush tracing spans during shutdown")
	}
	logger.Info("Application shut down gracefully")
}

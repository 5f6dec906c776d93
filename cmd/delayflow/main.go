// Command delayflow buffers workflow events per project and evaluates them in
// cohort-scheduled batches.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"delayflow/internal/api"
	"delayflow/internal/buffer"
	"delayflow/internal/condition"
	"delayflow/internal/config"
	"delayflow/internal/decisions"
	"delayflow/internal/delayed"
	"delayflow/internal/dispatch"
	"delayflow/internal/flags"
	"delayflow/internal/ingest"
	"delayflow/internal/logging"
	"delayflow/internal/metrics"
	"delayflow/internal/model"
	"delayflow/internal/scheduler"
	"delayflow/internal/storage"
	"delayflow/internal/workflow"
)

var version = "dev"

type options struct {
	configPath string
	rulesPath  string
	once       bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to a YAML or JSON config file (defaults when empty)")
	flag.StringVar(&opts.rulesPath, "rules", "", "JSON rule definitions to import at startup")
	flag.BoolVar(&opts.once, "once", false, "run a single scheduler tick and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, "delayflow:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfgMgr := config.NewStaticManager(config.DefaultConfig())
	if opts.configPath != "" {
		m, err := config.NewManager(config.ResolvePath(opts.configPath))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfgMgr = m
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting", "version", version, "config", cfgMgr.Path(), "buffer", cfg.Buffer.Backend, "dispatch", cfg.Dispatch.Driver)

	buf, err := buffer.New(ctx, cfg.Buffer)
	if err != nil {
		return fmt.Errorf("buffer: %w", err)
	}
	defer buf.Close()
	client := delayed.NewClient(buf)

	metricsStore := metrics.NewStore(0, metrics.NewCollectors())
	decisionStore := decisions.NewStore(cfg.Decisions.StoreLimit)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	var (
		rules   workflow.RuleSource
		history workflow.History = decisionStore
		writer  storage.RuleWriter
		sinks   = []workflow.Sink{decisionStore}
	)
	if store != nil {
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("storage init: %w", err)
		}
		rules, history, writer = store, store, store
		sinks = append(sinks, store)
	} else {
		mem := workflow.NewMemoryRules()
		rules, writer = mem, mem
	}
	if opts.rulesPath != "" {
		if err := importRules(ctx, writer, opts.rulesPath, logger); err != nil {
			return err
		}
	}

	processor := workflow.NewProcessor(cfg, client, condition.DefaultRegistry(), rules, history, metricsStore,
		logging.Component(logger, "workflow"), sinks...)
	dispatcher, err := dispatch.New(ctx, cfg.Dispatch, processor, logging.Component(logger, "dispatch"))
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	sched, err := scheduler.New(cfg, client, dispatcher, flags.NewConfigSource(cfgMgr), metricsStore, logging.Component(logger, "scheduler"))
	if err != nil {
		return err
	}

	if opts.once {
		res, err := sched.ProcessBufferedWorkflows(ctx)
		if err != nil {
			return err
		}
		logger.Info("single tick done", "pending", res.Pending, "processed", len(res.Processed), "dispatched", res.Dispatched, "failed", res.Failed)
		return nil
	}

	if cfg.Dispatch.Driver == "kafka" {
		consumer := dispatch.NewConsumer(cfg.Dispatch, processor, logging.Component(logger, "consumer"))
		go consumer.Run(ctx)
	}

	events := make(chan model.BufferedEvent, cfg.Ingest.ChannelBuffer)
	ingestLogger := logging.Component(logger, "ingest")
	ingest.StartREST(ctx, cfgMgr, events, ingestLogger)
	ingest.StartKafka(ctx, cfgMgr, events, ingestLogger)
	ingest.StartTCPStream(ctx, cfgMgr, events, ingestLogger)
	ingest.StartFileTail(ctx, cfgMgr, events, ingestLogger)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		ingest.Pump(ctx, client, events, metricsStore, ingestLogger)
	}()

	api.Start(ctx, cfgMgr, metricsStore, decisionStore, sched, logging.Component(logger, "api"), version)

	if cfg.Scheduler.Enabled {
		go sched.Run(ctx)
	} else {
		logger.Info("scheduler disabled; ticks only via /admin/tick")
	}

	stopWatch := make(chan struct{})
	if cfgMgr.Path() != "" {
		go cfgMgr.Watch(0, func(next *config.Config) {
			if err := sched.UpdateConfig(next); err != nil {
				logger.Error("config reload rejected by scheduler", "err", err)
				return
			}
			processor.UpdateConfig(next)
			logger.Info("config reloaded", "num_cohorts", next.Scheduler.NumCohorts, "process_buffered_workflows", next.Flags.ProcessBufferedWorkflows)
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, stopWatch)
	}

	<-ctx.Done()
	close(stopWatch)
	<-pumpDone
	logger.Info("shutting down")
	return nil
}

func importRules(ctx context.Context, writer storage.RuleWriter, path string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rules: %w", err)
	}
	defer f.Close()
	n, err := storage.ImportRules(ctx, writer, f)
	if err != nil {
		return fmt.Errorf("import rules: %w", err)
	}
	logger.Info("rules imported", "path", path, "rules", n)
	return nil
}

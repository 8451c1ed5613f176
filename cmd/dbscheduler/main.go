package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"dbtimetravel/internal/api"
	"dbtimetravel/internal/clock"
	"dbtimetravel/internal/config"
	"dbtimetravel/internal/handlers/email"
	"dbtimetravel/internal/handlers/heartbeat"
	"dbtimetravel/internal/queue"
	"dbtimetravel/internal/schedule"
	"dbtimetravel/internal/timetravel"
	"dbtimetravel/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file")
		addr    = flag.String("addr", ":8080", "HTTP bind address")
		dbPath  = flag.String("db", "dbscheduler.db", "SQLite DB path or postgres DSN")
		workers = flag.Int("workers", 10, "number of worker goroutines")
		poll    = flag.Duration("poll", 10*time.Second, "poll interval for due tasks")
		debug   = flag.Bool("debug", false, "mount pprof handlers")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	// Flags given explicitly win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.HTTP.Addr = *addr
		case "db":
			cfg.Database.DSN = *dbPath
		case "workers":
			cfg.Scheduler.Workers = *workers
		case "poll":
			cfg.Scheduler.PollInterval = *poll
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(cfg.LogLevel())
	if cfg.Log.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	db, dialect, err := queue.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	repo := queue.NewRepository(db, dialect)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	opts := []worker.Option{
		worker.WithWorkers(cfg.Scheduler.Workers),
		worker.WithPollInterval(cfg.Scheduler.PollInterval),
		worker.WithLeaseTimeout(cfg.Scheduler.LeaseTimeout),
		worker.WithImmediateExecution(cfg.Scheduler.ImmediateExecution),
		worker.WithMetrics(worker.NewMetrics(reg)),
		worker.WithOwner(cfg.Scheduler.Owner),
	}
	var vc *clock.VirtualClock
	if cfg.TimeTravel.Enabled && cfg.TimeTravel.Strategy == string(timetravel.ClockSubstitution) {
		vc = clock.NewVirtualClock(time.Now())
		opts = append(opts, worker.WithClock(vc))
	}

	var cleanupEvery schedule.Schedule
	if cfg.Scheduler.CleanupCron != "" {
		cleanupEvery = schedule.MustCron(cfg.Scheduler.CleanupCron)
		if next, err := schedule.NextRunTime(cfg.Scheduler.CleanupCron, time.Now()); err == nil {
			log.Info().Str("cron", cfg.Scheduler.CleanupCron).Time("next_run", next).Msg("cleanup task on cron schedule")
		}
	}
	tasks := []worker.Task{
		email.Task(email.Sender{RelayURL: cfg.Mail.RelayURL, Log: log.With().Str("task", email.TaskName).Logger()}),
		heartbeat.Task(log.With().Str("task", heartbeat.TaskName).Logger()),
		heartbeat.CleanupTask(repo, cleanupEvery, log.With().Str("task", heartbeat.CleanupTaskName).Logger()),
	}
	pool, err := worker.NewPool(repo, tasks, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("create engine")
	}

	deps := api.Deps{
		Tasks:    repo,
		Emails:   email.NewScheduler(pool),
		Clock:    pool,
		Gatherer: reg,
		Debug:    *debug,
	}
	if cfg.TimeTravel.Enabled {
		h, err := timetravel.New(repo, pool, timetravel.Options{
			Strategy:     timetravel.Strategy(cfg.TimeTravel.Strategy),
			Clock:        vc,
			Timeout:      cfg.TimeTravel.Timeout,
			PollInterval: cfg.TimeTravel.PollInterval,
			Logger:       &log.Logger,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("create time-travel harness")
		}
		defer h.Close()
		deps.Harness = h
		log.Warn().Str("strategy", cfg.TimeTravel.Strategy).Msg("time travel enabled; admin endpoint mounted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pool.Run(gctx) })

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.NewServer(deps)}
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTimeout()
		if err := srv.Shutdown(ctxTimeout); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		return pool.Shutdown(ctxTimeout)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
}

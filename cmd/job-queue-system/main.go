// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/archive"
	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/controller"
	"github.com/renderhub/dispatch/internal/eventbus"
	"github.com/renderhub/dispatch/internal/ledger"
	"github.com/renderhub/dispatch/internal/mailer"
	"github.com/renderhub/dispatch/internal/obs"
	"github.com/renderhub/dispatch/internal/objectstore"
	"github.com/renderhub/dispatch/internal/queuebus"
	"github.com/renderhub/dispatch/internal/reaper"
	"github.com/renderhub/dispatch/internal/retention"
	"github.com/renderhub/dispatch/internal/store"
	"github.com/renderhub/dispatch/internal/webhook"
	"github.com/renderhub/dispatch/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	var writeConfigPath string
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.StringVar(&writeConfigPath, "write-config", "", "Write the default config as YAML to this path and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	if writeConfigPath != "" {
		if err := config.WriteExample(writeConfigPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write example config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Fatal("open database", obs.Err(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	s := store.New(db, store.Postgres)
	if err := s.Migrate(context.Background()); err != nil {
		logger.Fatal("migrate schema", obs.Err(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSizeMultiplier * runtime.GOMAXPROCS(0),
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
	defer rdb.Close()

	l := ledger.New(s)
	bus := queuebus.New(rdb)

	objects, err := objectstore.NewS3Store(cfg.ObjectStore, logger)
	if err != nil {
		logger.Fatal("init object store", obs.Err(err))
	}

	var mail mailer.Mailer = mailer.NewSMTPMailer(cfg.SMTP)

	events, err := eventbus.New(cfg, logger)
	if err != nil {
		logger.Warn("event bus init failed, terminal events disabled", obs.Err(err))
	}

	arc, err := archive.New(cfg, logger)
	if err != nil {
		logger.Warn("archive init failed, retention sweeps won't export before purge", obs.Err(err))
	}
	if arc != nil {
		defer arc.Close()
	}

	audit, err := obs.NewAuditLogger(cfg.Audit)
	if err != nil {
		logger.Warn("audit logger init failed, admin actions won't be recorded", obs.Err(err))
	}
	if audit != nil {
		defer audit.Close()
	}

	readyCheck := func(c context.Context) error {
		if _, err := rdb.Ping(c).Result(); err != nil {
			return err
		}
		return db.PingContext(c)
	}
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)

	sweeper := retention.New(cfg, s, arc, logger)
	if err := sweeper.Start(ctx); err != nil {
		logger.Warn("retention sweeper not started", obs.Err(err))
	}

	switch role {
	case "api":
		runAPI(ctx, cfg, s, l, bus, objects, events, mail, audit, logger)
	case "worker":
		runWorker(ctx, cfg, rdb, s, bus, l, objects, events, mail, logger)
	case "all":
		go runWorker(ctx, cfg, rdb, s, bus, l, objects, events, mail, logger)
		runAPI(ctx, cfg, s, l, bus, objects, events, mail, audit, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runAPI(ctx context.Context, cfg *config.Config, s *store.Store, l *ledger.Ledger, bus *queuebus.Bus, objects objectstore.Store, events *eventbus.Publisher, mail mailer.Mailer, audit *obs.AuditLogger, logger *zap.Logger) {
	c := controller.New(cfg, s, l, bus, objects, events, mail, audit, logger)
	wh := webhook.New(cfg, s, l, mail, logger)
	router := controller.NewRouter(c, wh)

	srv := &http.Server{Addr: cfg.API.ListenAddr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server stopped", obs.Err(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func runWorker(ctx context.Context, cfg *config.Config, rdb *redis.Client, s *store.Store, bus *queuebus.Bus, l *ledger.Ledger, objects objectstore.Store, events *eventbus.Publisher, mail mailer.Mailer, logger *zap.Logger) {
	rep := reaper.New(cfg, rdb, logger)
	go rep.Run(ctx)

	w := worker.New(cfg, rdb, s, bus, l, objects, events, mail, logger)
	if err := w.Run(ctx); err != nil {
		logger.Error("worker stopped", obs.Err(err))
	}
}

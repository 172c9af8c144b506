package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/postloom/postloom/backend/internal/accounts"
	"github.com/postloom/postloom/backend/internal/config"
	"github.com/postloom/postloom/backend/internal/engine"
	"github.com/postloom/postloom/backend/internal/handlers"
	"github.com/postloom/postloom/backend/internal/logging"
	"github.com/postloom/postloom/backend/internal/middleware"
	"github.com/postloom/postloom/backend/internal/publisher"
	"github.com/postloom/postloom/backend/internal/store"
	"github.com/postloom/postloom/backend/internal/vault"
	"github.com/postloom/postloom/backend/internal/workers"
)

func main() {
	config.LoadEnv()
	log := logging.NewWithService("postloom-api")

	databaseURL := config.GetEnv("DATABASE_URL", "")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	if err := run(db, os.Getenv, stop, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func resolvePort(getenv func(string) string) string {
	if port := getenv("PORT"); port != "" {
		return port
	}
	return "18920"
}

func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func buildRouter(h *handlers.Handler) *mux.Router {
	r := mux.NewRouter()
	handlers.RegisterRoutes(h, r)
	return r
}

func run(db *sql.DB, getenv func(string) string, stop chan os.Signal, log logrus.FieldLogger) error {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Ping(); err != nil {
		return err
	}

	if getenv("MIGRATE_ON_START") != "false" {
		if err := runMigrations(db); err != nil {
			return err
		}
		log.Info("database is up-to-date")
	}

	v, err := vault.New([]byte(getenv("CREDENTIAL_MASTER_KEY")), "credentials")
	if err != nil {
		return err
	}

	stores := store.New(db)
	directory := accounts.NewDirectory(stores.Accounts, v)
	registry := publisher.NewRegistry(
		publisher.NewFacebook(nil),
		publisher.NewLinkedIn(nil),
	)
	log.WithField("platforms", registry.Platforms()).Info("publishers configured")
	svc := engine.NewService(stores, log)
	h := handlers.New(svc, log)

	// Background: dispatch worker executing due publish attempts.
	if getenv("DISPATCH_WORKER_ENABLED") != "false" {
		cfg := engine.DefaultDispatcherConfig()
		cfg.Interval = config.GetEnvDuration("DISPATCH_INTERVAL", cfg.Interval)
		cfg.BatchSize = config.GetEnvInt("DISPATCH_BATCH_SIZE", cfg.BatchSize)
		cfg.PublishTimeout = config.GetEnvDuration("DISPATCH_PUBLISH_TIMEOUT", cfg.PublishTimeout)
		cfg.Liveness = config.GetEnvDuration("DISPATCH_CLAIM_LIVENESS", cfg.Liveness)
		d := engine.NewDispatcher(stores, directory, registry, cfg, log)
		go d.Run(rootCtx)

		// Background: reclaimer releasing claims from crashed dispatchers.
		if getenv("RECLAIM_WORKER_ENABLED") != "false" {
			w := &workers.ClaimReclaimWorker{
				Dispatch: stores.Dispatch,
				Log:      log,
				Liveness: cfg.Liveness,
				Interval: config.GetEnvDuration("RECLAIM_INTERVAL", time.Minute),
			}
			go w.Start(rootCtx)
		}
	} else {
		log.Info("dispatch worker disabled via DISPATCH_WORKER_ENABLED")
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	port := resolvePort(getenv)
	srv := &http.Server{
		Handler:      c.Handler(middleware.RequestLogger(log)(buildRouter(h))),
		Addr:         ":" + port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	go func() {
		<-stop
		log.Info("shutting down server")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("server shutdown error")
		}
	}()

	log.WithField("port", port).Info("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Info("server stopped")
	return nil
}

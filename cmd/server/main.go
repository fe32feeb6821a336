package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/regimen-sync/internal/backup"
	"github.com/iliyamo/regimen-sync/internal/config"
	"github.com/iliyamo/regimen-sync/internal/database"
	"github.com/iliyamo/regimen-sync/internal/delta"
	"github.com/iliyamo/regimen-sync/internal/handler"
	"github.com/iliyamo/regimen-sync/internal/merge"
	"github.com/iliyamo/regimen-sync/internal/notify"
	"github.com/iliyamo/regimen-sync/internal/patient"
	"github.com/iliyamo/regimen-sync/internal/queue"
	"github.com/iliyamo/regimen-sync/internal/repository"
	"github.com/iliyamo/regimen-sync/internal/reschedule"
	"github.com/iliyamo/regimen-sync/internal/router"
	"github.com/iliyamo/regimen-sync/internal/schedule"
	"github.com/iliyamo/regimen-sync/internal/service"
	"github.com/iliyamo/regimen-sync/internal/staging"
	"github.com/iliyamo/regimen-sync/internal/team"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(database.Options{
		Driver:     cfg.DBDriver,
		User:       cfg.DBUser,
		Pass:       cfg.DBPass,
		Host:       cfg.DBHost,
		Port:       cfg.DBPort,
		Name:       cfg.DBName,
		SQLitePath: cfg.SQLitePath,
	})
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	table, err := schedule.LoadTable(cfg.RegimensFile)
	if err != nil {
		log.Fatalf("regimens: %v", err)
	}
	generator := schedule.NewGenerator(table)

	patients := repository.NewPatientRepo(db)
	milestones := repository.NewMilestoneRepo(db)
	tombstones := repository.NewTombstoneRepo(db)
	teams := repository.NewTeamRepo(db)

	inbox := staging.NewInbox(nil)
	merger := merge.NewEngine(db, patients, milestones, tombstones, teams, inbox, nil)
	exporter := delta.NewExporter(db, patients, milestones, tombstones, teams, nil)
	differ := staging.NewDiffer(db, inbox, patients, milestones, tombstones, teams)
	ripple := reschedule.NewEngine(db, milestones, nil)
	patientSvc := patient.NewService(db, patients, milestones, generator, merger, nil)
	teamSvc := team.NewService(db, teams, patients, milestones, merger, backupStore(ctx, config.LoadBackupConfig()), nil)

	hub := notify.NewHub()
	sinks := []service.Sink{hub}
	if cfg.SyncEventsEnabled && cfg.RabbitURL != "" {
		sinks = append(sinks, service.AMQPPublisher{URL: cfg.RabbitURL})
	}
	events := service.NewEvents(nil, sinks...)
	if cfg.SyncLogConsumer && cfg.RabbitURL != "" {
		go func() {
			if err := queue.StartSyncConsumer(ctx, cfg.RabbitURL, "logs"); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("sync consumer stopped", "err", err)
			}
		}()
	}

	rdb := config.NewRedisClient(config.LoadRedisConfig())
	if rdb != nil {
		defer rdb.Close()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "request_id", v.RequestID}
			if v.Error != nil {
				slog.Error("request", append(attrs, "err", v.Error)...)
				return nil
			}
			slog.Info("request", attrs...)
			return nil
		},
	}))

	router.Register(e, router.Handlers{
		Health:  handler.Health(db),
		Sync:    handler.NewSyncHandler(exporter, inbox, differ, merger, events, cfg.HostName),
		Patient: handler.NewPatientHandler(patientSvc, ripple, generator),
		Team:    handler.NewTeamHandler(teamSvc, events),
		Device: &handler.DeviceHandler{
			JWTSecret:         cfg.JWTSecret,
			PairingSecretHash: cfg.PairingSecretHash,
			TokenTTLMin:       cfg.DeviceTokenTTLMin,
		},
		Hub: hub,
	}, router.Options{
		JWTSecret: cfg.JWTSecret,
		RateLimit: config.LoadRateLimitConfig(),
		Cache:     config.LoadCacheConfig(),
		Redis:     rdb,
	})

	addr := ":" + cfg.Port
	go func() {
		slog.Info("listening", "addr", addr, "env", cfg.Env, "driver", cfg.DBDriver)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}

// backupStore picks S3 when a bucket is configured and a local directory
// otherwise.
func backupStore(ctx context.Context, c config.BackupConfig) backup.Store {
	if c.S3Bucket != "" {
		s, err := backup.NewS3Store(ctx, backup.S3Config{
			Bucket:          c.S3Bucket,
			Region:          c.S3Region,
			Endpoint:        c.S3Endpoint,
			Prefix:          c.S3Prefix,
			AccessKeyID:     c.S3AccessKey,
			SecretAccessKey: c.S3SecretKey,
			UsePathStyle:    c.S3PathStyle,
		})
		if err != nil {
			log.Fatalf("backup store: %v", err)
		}
		return s
	}
	return backup.DirStore{Dir: filepath.Clean(c.Dir)}
}

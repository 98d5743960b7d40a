package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/blankon/irgsh-composer/internal/compose"
	"github.com/blankon/irgsh-composer/internal/config"
	"github.com/blankon/irgsh-composer/internal/koji"
	"github.com/blankon/irgsh-composer/internal/monitoring"
	"github.com/blankon/irgsh-composer/internal/notification"
	"github.com/blankon/irgsh-composer/internal/runner"
	"github.com/blankon/irgsh-composer/internal/storage"
	"github.com/blankon/irgsh-composer/internal/trigger"
)

// newOrchestrator wires the build system, compose runner and publishers
// from the loaded config. cleanup closes what was opened.
func newOrchestrator(ctx context.Context, store *storage.Store) (*compose.Orchestrator, func(), error) {
	cfg := composerConfig

	kojiClient, err := koji.New(cfg.Koji.Hub, koji.WithTaskPolling(cfg.Koji.TaskPollDuration(), 0))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Koji.User != "" {
		if err := kojiClient.Login(ctx, cfg.Koji.User, cfg.Koji.Password); err != nil {
			return nil, nil, err
		}
	}

	r, err := runner.New(cfg)
	if err != nil {
		return nil, nil, err
	}

	closers := []func(){func() {
		if err := kojiClient.Logout(context.Background()); err != nil {
			logrus.WithError(err).Debug("koji logout failed")
		}
	}}
	publishers := notification.Publishers{
		notification.LogPublisher{Log: logrus.WithField("component", "notification")},
	}
	if cfg.Notification.WebhookURL != "" {
		publishers = append(publishers, notification.NewWebhookPublisher(cfg.Notification.WebhookURL))
	}
	if cfg.Notification.AMQPURL != "" {
		amqpPublisher, err := notification.NewAMQPPublisher(cfg.Notification.AMQPURL, cfg.Notification.Exchange, cfg.Notification.TopicPrefix)
		if err != nil {
			logrus.WithError(err).Warn("message bus unavailable, continuing without it")
		} else {
			publishers = append(publishers, amqpPublisher)
			closers = append(closers, func() { amqpPublisher.Close() })
		}
	}

	deps := compose.Deps{
		Store:                 store,
		Tags:                  kojiClient,
		Signatures:            kojiClient,
		Composer:              r,
		Publisher:             publishers,
		Agent:                 cfg.Agent,
		SigningKey:            cfg.Compose.SigningKey,
		SignatureTimeout:      cfg.Compose.SignatureTimeoutDuration(),
		SignaturePollInterval: cfg.Compose.SignaturePollDuration(),
	}
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}
	return compose.NewOrchestrator(deps, cfg.Compose.MaxParallel), cleanup, nil
}

// logInterruptedComposes reports composes left unfinished by an earlier run.
// They keep their updates locked until they are resumed.
func logInterruptedComposes(ctx context.Context, store *storage.Store) {
	jobs, err := store.ResumableComposes(ctx)
	if err != nil {
		logrus.WithError(err).Warn("failed to list unfinished composes")
		return
	}
	for _, job := range jobs {
		logrus.WithFields(logrus.Fields{
			"compose": job.ID,
			"key":     job.Key().String(),
			"state":   job.State,
		}).Warn("unfinished compose, run `irgsh-composer push --resume` to continue it")
	}
}

func serve(c *cli.Context) error {
	if err := config.CheckEnvironment(composerConfig); err != nil {
		logrus.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	orchestrator, cleanup, err := newOrchestrator(ctx, store)
	if err != nil {
		return err
	}
	defer cleanup()
	logInterruptedComposes(ctx, store)

	server, err := trigger.NewServer(composerConfig.Redis)
	if err != nil {
		return err
	}
	if err := trigger.Register(server, orchestrator); err != nil {
		return err
	}

	if composerConfig.Monitoring.Enabled {
		startMonitoring(ctx, orchestrator)
	}

	handler := &apiHandler{
		store:    store,
		activity: orchestrator,
		version:  app.Version,
		enqueue: func(req compose.PushRequest) (string, error) {
			return trigger.Send(server, req)
		},
	}
	httpServer := &http.Server{
		Addr:              composerConfig.Listen,
		Handler:           handler.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.Infof("irgsh-composer is now live on %s", composerConfig.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("http server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	return trigger.Launch(server, composerConfig.Compose.MaxParallel)
}

func startMonitoring(ctx context.Context, activity monitoring.Activity) {
	cfg := composerConfig.Monitoring
	registry, err := monitoring.NewRegistry(ctx, composerConfig.Redis, time.Duration(cfg.InstanceTimeout)*time.Second)
	if err != nil {
		logrus.WithError(err).Warn("failed to initialize monitoring registry, continuing without monitoring")
		return
	}

	heartbeat := monitoring.NewHeartbeat(registry, activity, composerConfig.Compose.Workdir, time.Duration(cfg.HeartbeatInterval)*time.Second)
	go heartbeat.Run(ctx)

	go func() {
		defer registry.Close()
		ticker := time.NewTicker(time.Duration(cfg.CleanupInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := registry.CleanupStaleInstances(ctx); err != nil {
					logrus.WithError(err).Warn("instance cleanup failed")
				}
			}
		}
	}()
}

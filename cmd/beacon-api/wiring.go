package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/config"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/database"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/members"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/push"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/server"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/sos"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/tasks"
	tasksqs "github.com/MarcoPoloResearchLab/beacon/backend/internal/tasks/sqs"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/tokens"
)

// storage holds the logger and database shared by every command.
type storage struct {
	logger *zap.Logger
	db     *gorm.DB
}

func openStorage(appConfig config.AppConfig) (*storage, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &storage{logger: logger, db: db}, nil
}

func (s *storage) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = s.logger.Sync()
}

// application is the assembled event lifecycle.
type application struct {
	*storage

	tokens     *tokens.Directory
	store      *sos.EventStore
	dispatcher *sos.Dispatcher
	scheduler  *sos.Scheduler
	service    *sos.Service
	relay      *sos.OutboxRelay
	realtime   *server.FamilyStream

	localQueue *tasks.LocalQueue
	sqsClient  *tasksqs.Client
}

func newApplication(ctx context.Context, appConfig config.AppConfig) (*application, error) {
	base, err := openStorage(appConfig)
	if err != nil {
		return nil, err
	}
	app := &application{storage: base}
	if err := app.assemble(ctx, appConfig); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) assemble(ctx context.Context, appConfig config.AppConfig) error {
	logger := a.logger

	memberService, err := members.NewService(members.ServiceConfig{Database: a.db})
	if err != nil {
		return err
	}
	a.tokens, err = tokens.NewDirectory(tokens.DirectoryConfig{Database: a.db, Logger: logger})
	if err != nil {
		return err
	}

	dayClock, err := sos.NewDayClock(appConfig.TimeZone)
	if err != nil {
		return err
	}
	ids := sos.NewUUIDProvider()

	a.store, err = sos.NewEventStore(sos.EventStoreConfig{
		Database:   a.db,
		Membership: memberService,
		RateLimiter: sos.NewRateLimiter(sos.RateLimitConfig{
			DailyLimit:  appConfig.DailyLimit,
			MinInterval: appConfig.MinInterval,
			WindowTTL:   appConfig.RateWindowTTL,
		}),
		DayClock:     dayClock,
		AllowedRoles: appConfig.AllowedRoles,
		IDProvider:   ids,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	gateway, err := newPushGateway(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	a.dispatcher, err = sos.NewDispatcher(sos.DispatcherConfig{
		Database:   a.db,
		Tokens:     a.tokens,
		Gateway:    gateway,
		IDProvider: ids,
		Lease:      appConfig.ClaimLease,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	queue, err := a.newQueue(ctx, appConfig)
	if err != nil {
		return err
	}
	a.scheduler, err = sos.NewScheduler(sos.SchedulerConfig{
		Database:  a.db,
		Queue:     queue,
		Deliverer: a.dispatcher,
		Interval:  appConfig.RemindInterval,
		MaxAge:    appConfig.RemindMaxAge,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if a.localQueue != nil {
		a.localQueue.Start(ctx, a.scheduler.Handle)
	}

	a.realtime = server.NewFamilyStream()
	a.service, err = sos.NewService(sos.ServiceConfig{
		Membership: memberService,
		Store:      a.store,
		Dispatcher: a.dispatcher,
		Scheduler:  a.scheduler,
		Observer:   a.realtime,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	a.relay, err = sos.NewOutboxRelay(sos.OutboxRelayConfig{
		Database:    a.db,
		Trigger:     a.service,
		Interval:    appConfig.OutboxInterval,
		Grace:       appConfig.OutboxGrace,
		MaxAttempts: appConfig.OutboxMaxAttempts,
		Logger:      logger,
	})
	return err
}

func (a *application) newQueue(ctx context.Context, appConfig config.AppConfig) (tasks.Enqueuer, error) {
	switch appConfig.QueueDriver {
	case config.QueueDriverSQS:
		client, err := tasksqs.NewClient(ctx, tasksqs.Config{
			Region:   appConfig.SQSRegion,
			QueueURL: appConfig.SQSQueueURL,
			Endpoint: appConfig.SQSEndpoint,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.sqsClient = client
		return client, nil
	case config.QueueDriverLocal:
		a.localQueue = tasks.NewLocalQueue(tasks.LocalQueueConfig{Logger: a.logger})
		return a.localQueue, nil
	default:
		return nil, fmt.Errorf("queue driver %q is not supported", appConfig.QueueDriver)
	}
}

func newPushGateway(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (push.Gateway, error) {
	switch appConfig.PushDriver {
	case config.PushDriverFCM:
		return push.NewFCMGateway(ctx, push.FCMConfig{
			CredentialsFile: appConfig.PushCredentialsFile,
			ProjectID:       appConfig.PushProjectID,
			Logger:          logger,
		})
	case config.PushDriverLog:
		return push.NewLogGateway(logger), nil
	default:
		return nil, fmt.Errorf("push driver %q is not supported", appConfig.PushDriver)
	}
}

func (a *application) Close() {
	if a.localQueue != nil {
		a.localQueue.Close()
	}
	a.storage.Close()
}

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/auth"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/config"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/database"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/locks"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/logging"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/metrics"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/notify"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/reservations"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/sweep"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const apiAudience = "flavorscape-api"

// operatorPrincipal is used for administrative commands run from the shell.
var operatorPrincipal = users.Principal{Email: "operator@localhost", FullName: "Operator", Staff: true}

type application struct {
	cfg          config.AppConfig
	logger       *zap.Logger
	db           *gorm.DB
	users        *users.Service
	tokens       *auth.TokenIssuer
	reservations *reservations.Service
	sweeper      *sweep.Sweeper
	metrics      *metrics.Recorder
	closers      []func() error
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogDevelopment)
	if err != nil {
		return nil, err
	}
	app := &application{cfg: appConfig, logger: logger}
	app.closers = append(app.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	if err := app.wire(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (r *application) wire(ctx context.Context) error {
	db, err := database.Open(ctx, r.cfg.DatabaseDriver, r.cfg.DatabaseDSN, r.logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	r.db = db
	r.closers = append(r.closers, sqlDB.Close)

	locker, err := r.newLocker(ctx)
	if err != nil {
		return err
	}

	r.users, err = users.NewService(users.ServiceConfig{Database: db, Logger: r.logger})
	if err != nil {
		return err
	}

	r.tokens, err = auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(r.cfg.SigningSecret),
		Issuer:        r.cfg.AuthIssuer,
		Audience:      apiAudience,
		AccessTTL:     r.cfg.AccessTTL,
		RefreshTTL:    r.cfg.RefreshTTL,
		Revocations:   auth.NewGormRevocationStore(db),
	})
	if err != nil {
		return err
	}

	r.metrics = metrics.NewRecorder()
	r.reservations, err = reservations.NewService(reservations.ServiceConfig{
		Database: db,
		Locker:   locker,
		Location: r.cfg.SweepLocation,
		Logger:   r.logger,
		Observer: r.metrics,
	})
	if err != nil {
		return err
	}

	gateway, closeGateway, err := notify.New(notify.Config{
		Driver:       r.cfg.NotifyDriver,
		FromAddress:  r.cfg.NotifyFromAddress,
		FromName:     r.cfg.NotifyFromName,
		SMTPAddress:  r.cfg.SMTPAddress,
		SMTPUsername: r.cfg.SMTPUsername,
		SMTPPassword: r.cfg.SMTPPassword,
		AMQPURL:      r.cfg.AMQPURL,
		AMQPQueue:    r.cfg.AMQPQueue,
		Logger:       r.logger,
	})
	if err != nil {
		return err
	}
	r.closers = append(r.closers, closeGateway)

	r.sweeper, err = sweep.New(sweep.Config{
		Store:         r.reservations,
		Gateway:       gateway,
		Locker:        locker,
		Logger:        r.logger,
		Observer:      r.metrics,
		NotifyTimeout: r.cfg.NotifyTimeout,
		Policy:        r.cfg.NotifyPolicy,
	})
	return err
}

func (r *application) newLocker(ctx context.Context) (locks.Locker, error) {
	if strings.TrimSpace(r.cfg.RedisAddress) == "" {
		return locks.NewLocalLocker(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     r.cfg.RedisAddress,
		Password: r.cfg.RedisPassword,
		DB:       r.cfg.RedisDB,
	})
	r.closers = append(r.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", r.cfg.RedisAddress, err)
	}
	r.logger.Info("using redis locks", zap.String("address", r.cfg.RedisAddress))
	return locks.NewRedisLocker(locks.RedisLockerConfig{
		Client: client,
		Prefix: "flavorscape:lock:",
		TTL:    r.cfg.LockTTL,
		Logger: r.logger,
	})
}

// Close releases resources in reverse acquisition order.
func (r *application) Close() {
	for index := len(r.closers) - 1; index >= 0; index-- {
		if err := r.closers[index](); err != nil && r.logger != nil {
			r.logger.Warn("failed to release resource", zap.Error(err))
		}
	}
	r.closers = nil
}

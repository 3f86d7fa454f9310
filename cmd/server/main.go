package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/zlog"

	"pushgate/internal/api/handlers/notification"
	"pushgate/internal/api/router"
	"pushgate/internal/api/server"
	"pushgate/internal/config"
	"pushgate/internal/metrics"
	"pushgate/internal/rabbitmq"
	"pushgate/internal/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()
	cfg := config.Must()
	m := metrics.New()

	client, err := rabbitmq.Connect(cfg.RabbitMQ, cfg.Retry)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}

	if err := client.DeclareTopology(); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to declare broker topology")
	}

	ch, err := client.Channel()
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to open channel")
	}

	pub, err := rabbitmq.NewPublisher(ch, cfg.RabbitMQ, m)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to create publisher")
	}

	store := scheduler.NewStore()

	// The sweep opens its own channel each cycle so broker loss during one
	// cycle backs off without tearing the slower HTTP publisher down.
	factory := func() (scheduler.DelayPublisher, io.Closer, error) {
		cycleCh, err := client.Channel()
		if err != nil {
			return nil, nil, err
		}

		cyclePub, err := rabbitmq.NewPublisher(cycleCh, cfg.RabbitMQ, m)
		if err != nil {
			cycleCh.Close()
			return nil, nil, err
		}

		return cyclePub, cycleCh, nil
	}

	sweeper := scheduler.NewSweeper(store, factory, cfg.Scheduler.Interval, cfg.Scheduler.ErrorBackoff)
	go sweeper.Run(ctx)

	handler := notification.NewHandler(pub, store, validator.New())
	r := router.New(handler, m)
	s := server.New(":"+cfg.Server.HTTPPort, r)

	go func() {
		zlog.Logger.Info().Str("addr", s.Addr).Msg("starting http server")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	zlog.Logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}

	if err := ch.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close publisher channel")
	}

	if err := client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close rabbitmq connection")
	}
}

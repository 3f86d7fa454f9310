package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"pushgate/internal/config"
	"pushgate/internal/metrics"
	"pushgate/internal/rabbitmq"
	"pushgate/internal/worker"
	"pushgate/pkg/push"
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
	defer client.Close()

	if err := client.DeclareTopology(); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to declare broker topology")
	}

	sender := push.NewSender(
		cfg.Push.ImmediateLatency,
		cfg.Push.DelayedLatency,
		cfg.Push.ScheduledLatency,
	)

	// Each attempt gets fresh channels; the consumer returns an error when
	// the broker closes the delivery stream and nil on clean shutdown.
	err = retry.Do(func() error {
		return runConsumer(ctx, client, cfg, sender, m)
	}, cfg.Retry)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("consumer failed after all restart attempts")
	}

	zlog.Logger.Info().Msg("worker stopped")
}

func runConsumer(ctx context.Context, client *rabbitmq.Client, cfg *config.Config, sender *push.Sender, m *metrics.Metrics) error {
	consumeCh, err := client.Channel()
	if err != nil {
		return err
	}
	defer consumeCh.Close()

	publishCh, err := client.Channel()
	if err != nil {
		return err
	}
	defer publishCh.Close()

	pub, err := rabbitmq.NewPublisher(publishCh, cfg.RabbitMQ, m)
	if err != nil {
		return err
	}

	decider := worker.NewDecider(pub, sender, cfg.RabbitMQ.MaxDelay, m)
	consumer := worker.NewConsumer(
		consumeCh,
		decider,
		cfg.RabbitMQ.Queue,
		cfg.Consumer.Prefetch,
		cfg.Consumer.ProcessingTimeout,
		cfg.Consumer.ErrorBackoff,
	)

	return consumer.Run(ctx)
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/burdettadam/marty-microservices-framework-sub007/maintenance"
	"github.com/burdettadam/marty-microservices-framework-sub007/outbox"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/broker"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/config"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/db"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/metrics"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/observability"
)

// outboxd is the standalone relay: it polls the outbox_event table written by
// embedding services and delivers due events to kafka. Engines that run
// in-process with business code (sagas, 2PC, event store, projections, cache)
// are used as a library, not from here.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := observability.InitLogger(conf.LoggingLevel)

	logger.Infof("LOGGING_LEVEL = %s", conf.LoggingLevel)
	if strings.ToLower(conf.LoggingLevel) == "debug" {
		broker.EnableSaramaZapLogs(logger)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	store, err := db.NewPostgres(ctx, conf.Postgres)
	if err != nil {
		logger.Fatal(err)
	}

	kafka, err := broker.NewKafkaBroker(conf.Broker.Kafka, logger)
	if err != nil {
		logger.Fatal(err)
	}

	partitioner, err := outbox.NewPartitioner(
		outbox.Strategy(conf.Outbox.PartitionStrategy), conf.Outbox.PartitionCount, nil)
	if err != nil {
		logger.Fatal(err)
	}

	repo := outbox.NewPostgresRepository(store, logger)
	processor := outbox.NewProcessor(repo, kafka, partitioner, logger, m, conf.Outbox)
	processor.Start(ctx)

	cron := maintenance.NewController(ctx, logger)
	if err := cron.RegisterOutboxCleanupJob(processor, conf.Maintenance); err != nil {
		logger.Fatal(err)
	}
	cron.Start()

	logger.Info("outbox relay started")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	osSignal := <-interrupt
	switch osSignal {
	case os.Interrupt:
		logger.Info("Got SIGINT...")
	case syscall.SIGTERM:
		logger.Info("Got SIGTERM...")
	}

	cron.Stop()
	processor.Stop()
	cancel()

	if err := kafka.Close(); err != nil {
		logger.Errorf("kafka producer close: %v", err)
	}
	store.Close()
	logger.Info("postgres db connection closed")
	logger.Info("outbox relay shutdown done")
}

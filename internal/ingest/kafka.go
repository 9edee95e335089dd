package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kha997/zenamanagephp-sub064/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

const sourceKafka = "kafka"

// KafkaConfig holds consumer configuration
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Logger        zerolog.Logger
}

// KafkaSource consumes broadcast requests from Kafka (or Redpanda) topics
type KafkaSource struct {
	client     *kgo.Client
	dispatcher *Dispatcher
	logger     zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewKafkaSource creates the franz-go client. Nothing is fetched until Start.
func NewKafkaSource(cfg KafkaConfig, dispatcher *Dispatcher) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	logger := cfg.Logger.With().Str("component", "kafka_ingest").Logger()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()), // start from latest
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaSource{
		client:     client,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Start begins the poll loop
func (k *KafkaSource) Start(ctx context.Context) error {
	ctx, k.cancel = context.WithCancel(ctx)
	k.logger.Info().Msg("Starting Kafka ingest")

	k.wg.Add(1)
	go k.consumeLoop(ctx)
	return nil
}

// Stop ends the poll loop and closes the client
func (k *KafkaSource) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	k.client.Close()

	k.logger.Info().
		Uint64("messages_processed", k.processed.Load()).
		Uint64("messages_failed", k.failed.Load()).
		Msg("Kafka ingest stopped")
}

func (k *KafkaSource) consumeLoop(ctx context.Context) {
	defer monitoring.RecoverPanic(k.logger, "kafkaConsumeLoop", nil)
	defer k.wg.Done()

	for {
		fetches := k.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return
		}

		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				continue
			}
			k.logger.Error().
				Err(fe.Err).
				Str("topic", fe.Topic).
				Int32("partition", fe.Partition).
				Msg("Fetch error")
		}

		fetches.EachRecord(func(record *kgo.Record) {
			k.processRecord(ctx, record)
		})
	}
}

func (k *KafkaSource) processRecord(ctx context.Context, record *kgo.Record) {
	n, err := k.dispatcher.Dispatch(ctx, sourceKafka, record.Value)
	if err != nil {
		k.failed.Add(1)
		k.logger.Debug().
			Err(err).
			Str("topic", record.Topic).
			Int64("offset", record.Offset).
			Msg("Record not delivered")
		return
	}
	k.processed.Add(1)

	k.logger.Debug().
		Str("topic", record.Topic).
		Int32("partition", record.Partition).
		Int("recipients", n).
		Msg("Consumed Kafka message")
}

// GetMetrics returns processed and failed record counts
func (k *KafkaSource) GetMetrics() (processed, failed uint64) {
	return k.processed.Load(), k.failed.Load()
}

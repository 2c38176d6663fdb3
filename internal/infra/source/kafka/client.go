package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/pkg/common/logger"
)

// Config contains settings for consuming from and redelivering to Kafka.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// Topics are consumed by the group.
	Topics []string
	// RetryTopic receives messages the consumer retried. Empty republishes
	// to the topic the message came from.
	RetryTopic string

	// GroupID identifies the consumer group for this source.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// CommitInterval is how often marked offsets are committed.
	CommitInterval time.Duration
	// MaxAttempts caps redeliveries. Zero redelivers forever.
	MaxAttempts int
}

const defaultCommitInterval = time.Second

// NewClient creates and configures a Kafka client shared by the consumer
// group and the redelivery producer.
func NewClient(cfg *Config) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// Connect creates a Source against the configured brokers. It retries for up
// to five minutes, starting with five second intervals, so the daemon can
// start before the cluster is reachable.
func Connect(
	cfg *Config,
	deliverer messaging.Deliverer,
	logger *logger.Logger,
	metrics messaging.SourceMetrics,
	tracer trace.Tracer,
) (*Source, error) {
	var src *Source

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		client, err := NewClient(cfg)
		if err != nil {
			return fmt.Errorf("creating client: %w", err)
		}

		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			client.Close()
			return fmt.Errorf("creating producer: %w", err)
		}

		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			producer.Close()
			client.Close()
			return fmt.Errorf("creating consumer group: %w", err)
		}

		src = NewSource(producer, consumerGroup, cfg, deliverer, logger, metrics, tracer)
		src.client = client
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect kafka source after retries: %w", err)
	}

	return src, nil
}

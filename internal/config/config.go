// Package config loads the daemon's settings from defaults, an optional YAML
// file and ACKBRIDGE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g.
// ACKBRIDGE_BINDER_ACK_TIMEOUT=5s.
const EnvPrefix = "ACKBRIDGE"

// SourceType selects the broker the daemon consumes from.
type SourceType string

const (
	SourceKafka     SourceType = "kafka"
	SourceAMQP      SourceType = "amqp"
	SourceJetStream SourceType = "jetstream"
	SourceMemory    SourceType = "memory"
)

// Config represents the top-level configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Loop      LoopConfig      `mapstructure:"loop" yaml:"loop"`
	Binder    BinderConfig    `mapstructure:"binder" yaml:"binder"`
	Consumer  ConsumerConfig  `mapstructure:"consumer" yaml:"consumer"`
	Source    SourceConfig    `mapstructure:"source" yaml:"source"`
	Journal   JournalConfig   `mapstructure:"journal" yaml:"journal"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Debug     DebugConfig     `mapstructure:"debug" yaml:"debug"`
}

type ServiceConfig struct {
	Name string `mapstructure:"name" yaml:"name" validate:"required"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	// TraceAcks logs every token transition at debug level.
	TraceAcks bool `mapstructure:"trace_acks" yaml:"trace_acks"`
}

type LoopConfig struct {
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size" validate:"min=1"`
}

type BinderConfig struct {
	AckTimeout    time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout" validate:"min=0"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second" validate:"min=0"`
	Burst         int           `mapstructure:"burst" yaml:"burst" validate:"min=0"`
}

// ConsumerConfig tunes the built-in consumer.
type ConsumerConfig struct {
	// DecideDelay defers every commit by this long on the decision host.
	DecideDelay time.Duration `mapstructure:"decide_delay" yaml:"decide_delay" validate:"min=0"`
}

type SourceConfig struct {
	Type      SourceType      `mapstructure:"type" yaml:"type" validate:"oneof=kafka amqp jetstream memory"`
	Kafka     KafkaConfig     `mapstructure:"kafka" yaml:"kafka"`
	AMQP      AMQPConfig      `mapstructure:"amqp" yaml:"amqp"`
	JetStream JetStreamConfig `mapstructure:"jetstream" yaml:"jetstream"`
	Memory    MemoryConfig    `mapstructure:"memory" yaml:"memory"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers" yaml:"brokers"`
	Topics         []string      `mapstructure:"topics" yaml:"topics"`
	RetryTopic     string        `mapstructure:"retry_topic" yaml:"retry_topic"`
	GroupID        string        `mapstructure:"group_id" yaml:"group_id"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	CommitInterval time.Duration `mapstructure:"commit_interval" yaml:"commit_interval" validate:"min=0"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=0"`
}

type AMQPConfig struct {
	URL         string `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	Queue       string `mapstructure:"queue" yaml:"queue"`
	ConsumerTag string `mapstructure:"consumer_tag" yaml:"consumer_tag"`
	Prefetch    int    `mapstructure:"prefetch" yaml:"prefetch" validate:"min=0"`
	Workers     int    `mapstructure:"workers" yaml:"workers" validate:"min=0"`
}

type JetStreamConfig struct {
	URL           string        `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	Stream        string        `mapstructure:"stream" yaml:"stream"`
	Consumer      string        `mapstructure:"consumer" yaml:"consumer"`
	FilterSubject string        `mapstructure:"filter_subject" yaml:"filter_subject"`
	AckWait       time.Duration `mapstructure:"ack_wait" yaml:"ack_wait" validate:"min=0"`
	MaxDeliver    int           `mapstructure:"max_deliver" yaml:"max_deliver"`
	Workers       int           `mapstructure:"workers" yaml:"workers" validate:"min=0"`
	PullBatch     int           `mapstructure:"pull_batch" yaml:"pull_batch" validate:"min=0"`
}

type MemoryConfig struct {
	Topic       string `mapstructure:"topic" yaml:"topic"`
	QueueSize   int    `mapstructure:"queue_size" yaml:"queue_size" validate:"min=0"`
	Workers     int    `mapstructure:"workers" yaml:"workers" validate:"min=0"`
	MaxAttempts int    `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=0"`
}

// JournalConfig enables the Postgres decision journal.
type JournalConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	DSN           string        `mapstructure:"dsn" yaml:"dsn" validate:"required_if=Enabled true"`
	MigrationsURL string        `mapstructure:"migrations_url" yaml:"migrations_url"`
	MinConns      int32         `mapstructure:"min_conns" yaml:"min_conns" validate:"min=0"`
	MaxConns      int32         `mapstructure:"max_conns" yaml:"max_conns" validate:"min=0"`
	Retention     time.Duration `mapstructure:"retention" yaml:"retention" validate:"min=0"`
}

type TelemetryConfig struct {
	Enabled       bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint      string  `mapstructure:"endpoint" yaml:"endpoint" validate:"required_if=Enabled true"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" yaml:"sampling_ratio" validate:"gte=0,lte=1"`
}

// DebugConfig serves health, readiness and statsviz. An empty Addr disables
// the server.
type DebugConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "ackd")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.trace_acks", false)

	v.SetDefault("loop.queue_size", 1024)

	v.SetDefault("binder.ack_timeout", 30*time.Second)
	v.SetDefault("binder.rate_per_second", 0)
	v.SetDefault("binder.burst", 0)

	v.SetDefault("consumer.decide_delay", time.Duration(0))

	v.SetDefault("source.type", string(SourceMemory))

	v.SetDefault("source.kafka.brokers", []string{})
	v.SetDefault("source.kafka.topics", []string{})
	v.SetDefault("source.kafka.retry_topic", "")
	v.SetDefault("source.kafka.group_id", "")
	v.SetDefault("source.kafka.client_id", "ackd")
	v.SetDefault("source.kafka.commit_interval", time.Second)
	v.SetDefault("source.kafka.max_attempts", 0)

	v.SetDefault("source.amqp.url", "")
	v.SetDefault("source.amqp.queue", "")
	v.SetDefault("source.amqp.consumer_tag", "ackd")
	v.SetDefault("source.amqp.prefetch", 16)
	v.SetDefault("source.amqp.workers", 4)

	v.SetDefault("source.jetstream.url", "")
	v.SetDefault("source.jetstream.stream", "")
	v.SetDefault("source.jetstream.consumer", "")
	v.SetDefault("source.jetstream.filter_subject", "")
	v.SetDefault("source.jetstream.ack_wait", time.Minute)
	v.SetDefault("source.jetstream.max_deliver", -1)
	v.SetDefault("source.jetstream.workers", 4)
	v.SetDefault("source.jetstream.pull_batch", 64)

	v.SetDefault("source.memory.topic", "memory")
	v.SetDefault("source.memory.queue_size", 256)
	v.SetDefault("source.memory.workers", 4)
	v.SetDefault("source.memory.max_attempts", 0)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.migrations_url", "file://db/migrations")
	v.SetDefault("journal.min_conns", 1)
	v.SetDefault("journal.max_conns", 8)
	v.SetDefault("journal.retention", time.Duration(0))

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.sampling_ratio", 1.0)

	v.SetDefault("debug.addr", ":8080")
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := Check(cfg); err != nil {
		var fe FieldErrors
		if errors.As(err, &fe) {
			return nil, fmt.Errorf("invalid config: %w", fe)
		}
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

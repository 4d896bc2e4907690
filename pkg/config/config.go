package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Postgres     Postgres    `mapstructure:"postgres"`
	Broker       Broker      `mapstructure:"broker"`
	Outbox       Outbox      `mapstructure:"outbox"`
	Saga         Saga        `mapstructure:"saga"`
	TwoPC        TwoPC       `mapstructure:"twopc"`
	EventStore   EventStore  `mapstructure:"eventstore"`
	Projection   Projection  `mapstructure:"projection"`
	Cache        Cache       `mapstructure:"cache"`
	Maintenance  Maintenance `mapstructure:"maintenance"`
	LoggingLevel string      `mapstructure:"logging-level"`
}

type Postgres struct {
	ConnString     string `mapstructure:"conn_string"`
	MaxConnections int32  `mapstructure:"max_connections"`
	MigrationsDir  string `mapstructure:"migrations_dir"`
}

type Broker struct {
	Kafka Kafka `mapstructure:"kafka"`
}

type Kafka struct {
	Brokers      string `mapstructure:"brokers"`
	WriterTopic  string `mapstructure:"writerTopic"`
	WriterUsr    string `mapstructure:"writerUsr"`
	WriterUsrPwd string `mapstructure:"writerUsrPwd"`
	MaxAttempts  int    `mapstructure:"maxAttempts"`
}

// Retry is the shared retry/backoff policy surface. Zero values fall back to
// backoff.Policy defaults.
type Retry struct {
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	InitialDelay    time.Duration `mapstructure:"initialDelay"`
	MaxDelay        time.Duration `mapstructure:"maxDelay"`
	ExponentialBase float64       `mapstructure:"exponentialBase"`
	JitterFactor    float64       `mapstructure:"jitterFactor"`
}

type Outbox struct {
	Workers           int           `mapstructure:"workers"`
	BatchSize         int           `mapstructure:"batchSize"`
	PollPeriod        time.Duration `mapstructure:"pollPeriod"`
	Lease             time.Duration `mapstructure:"lease"`
	Retry             Retry         `mapstructure:"retry"`
	PartitionCount    int           `mapstructure:"partitionCount"`
	PartitionStrategy string        `mapstructure:"partitionStrategy"` // round_robin | key_hash | aggregate_id | custom
	EnableDeadLetter  bool          `mapstructure:"enableDeadLetterQueue"`
	DeadLetterTopic   string        `mapstructure:"deadLetterTopic"`
	RetentionDays     int           `mapstructure:"retentionDays"`
}

type Saga struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queueSize"`
	StepTimeout time.Duration `mapstructure:"stepTimeout"`
	SagaTimeout time.Duration `mapstructure:"sagaTimeout"`
	Retry       Retry         `mapstructure:"retry"`
}

type TwoPC struct {
	TransactionTimeout time.Duration `mapstructure:"transactionTimeout"`
	ReapInterval       time.Duration `mapstructure:"reapInterval"`
}

type EventStore struct {
	SnapshotFrequency int `mapstructure:"snapshotFrequency"`
}

type Projection struct {
	PollPeriod time.Duration `mapstructure:"pollPeriod"`
	BatchSize  int           `mapstructure:"batchSize"`
}

type Cache struct {
	Level               string        `mapstructure:"level"` // strong | eventual | session | bounded_staleness | weak
	MaxStaleness        time.Duration `mapstructure:"maxStaleness"`
	DefaultTTL          time.Duration `mapstructure:"defaultTTL"`
	EvictionInterval    time.Duration `mapstructure:"evictionInterval"`
	AntiEntropyInterval time.Duration `mapstructure:"antiEntropyInterval"`
}

type Maintenance struct {
	OutboxCleanupSchedule string `mapstructure:"outboxCleanupSchedule"` // cron spec or "@every 1h"
	ReaperSchedule        string `mapstructure:"reaperSchedule"`
}

func NewConfig() (Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	var conf Config
	err := viper.ReadInConfig()
	// missing .env is fine, env vars alone are a valid source
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return conf, err
		}
	}

	err = viper.Unmarshal(&conf)

	return conf, err
}

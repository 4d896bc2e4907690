package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/config"
)

// KafkaBroker implements Broker on top of a sarama SyncProducer.
type KafkaBroker struct {
	SyncProducer sarama.SyncProducer
	Brokers      []string
	conf         config.Kafka
	logger       *zap.SugaredLogger
}

func NewKafkaBroker(conf config.Kafka, logger *zap.SugaredLogger) (*KafkaBroker, error) {
	logger.Debugf("creating sync producer for brokers: %s", conf.Brokers)
	syncProducer, err := newSyncProducer(conf)
	if err != nil {
		logger.Errorf("creating sync producer failed: %v", err)
		return nil, fmt.Errorf("%w", err)
	}
	logger.Infof("sync producer created")

	return &KafkaBroker{
		SyncProducer: syncProducer,
		Brokers:      strings.Split(conf.Brokers, ","),
		conf:         conf,
		logger:       logger,
	}, nil
}

func (kb *KafkaBroker) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pm := toProducerMessage(msg)

	t0 := time.Now()
	part, off, err := kb.SyncProducer.SendMessage(pm)
	rt := time.Since(t0)

	if err != nil {
		if kerr, ok := err.(sarama.KError); ok && isPermanent(kerr) {
			kb.logger.Errorf("[topic %s] permanent kafka error rt=%s kafka_error=%s code=%d", msg.Topic, rt, kerr.Error(), int16(kerr))
			return fmt.Errorf("permanent kafka error: %w", kerr)
		}
		kb.logger.Warnf("[topic %s] produce failed rt=%s err=%v", msg.Topic, rt, err)
		return err
	}

	kb.logger.Debugf("[topic %s] sent partition=%d offset=%d rt=%s", msg.Topic, part, off, rt)
	return nil
}

// PublishBatch sends all messages in one producer call and maps the per-message
// errors back by input position.
func (kb *KafkaBroker) PublishBatch(ctx context.Context, msgs []Message) []error {
	results := make([]error, len(msgs))
	if len(msgs) == 0 {
		return results
	}
	if err := ctx.Err(); err != nil {
		for i := range results {
			results[i] = err
		}
		return results
	}

	pms := make([]*sarama.ProducerMessage, len(msgs))
	index := make(map[*sarama.ProducerMessage]int, len(msgs))
	for i, m := range msgs {
		pms[i] = toProducerMessage(m)
		index[pms[i]] = i
	}

	err := kb.SyncProducer.SendMessages(pms)
	if err == nil {
		return results
	}

	// sarama reports batch failures as ProducerErrors; everything it does not
	// name went through.
	if perrs, ok := err.(sarama.ProducerErrors); ok {
		for _, pe := range perrs {
			if i, found := index[pe.Msg]; found {
				results[i] = pe.Err
			}
		}
		return results
	}

	for i := range results {
		results[i] = err
	}
	return results
}

func (kb *KafkaBroker) HealthCheck(ctx context.Context) error {
	if kb.SyncProducer == nil {
		return fmt.Errorf("kafka producer is not initialized")
	}

	cfg := sarama.NewConfig()
	cfg.Net.DialTimeout = 2 * time.Second
	cfg.Net.ReadTimeout = 2 * time.Second
	cfg.Net.WriteTimeout = 2 * time.Second
	cfg.Metadata.Timeout = 2 * time.Second
	cfg.Metadata.Retry.Max = 1
	applySASLConfig(cfg, kb.conf)

	client, err := sarama.NewClient(kb.Brokers, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to kafka brokers: %w", err)
	}
	defer client.Close()

	if len(client.Brokers()) == 0 {
		return fmt.Errorf("no kafka brokers available")
	}
	return nil
}

func (kb *KafkaBroker) Close() error {
	if kb.SyncProducer != nil {
		return kb.SyncProducer.Close()
	}
	return nil
}

func toProducerMessage(m Message) *sarama.ProducerMessage {
	pm := &sarama.ProducerMessage{
		Topic:     m.Topic,
		Value:     sarama.ByteEncoder(m.Payload),
		Timestamp: time.Now(),
	}
	if m.Key != "" {
		pm.Key = sarama.StringEncoder(m.Key)
	}
	if m.Partition >= 0 {
		pm.Partition = m.Partition
	}
	for k, v := range m.Headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return pm
}

func isPermanent(k sarama.KError) bool {
	switch k {
	case sarama.ErrTopicAuthorizationFailed,
		sarama.ErrClusterAuthorizationFailed,
		sarama.ErrInvalidRequest,
		sarama.ErrInvalidMessage,
		sarama.ErrMessageSizeTooLarge,
		sarama.ErrSASLAuthenticationFailed:
		return true
	default:
		return false
	}
}

func applySASLConfig(cfg *sarama.Config, conf config.Kafka) {
	if conf.WriterUsr != "" && conf.WriterUsrPwd != "" {
		cfg.Net.SASL.User = conf.WriterUsr
		cfg.Net.SASL.Password = conf.WriterUsrPwd
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	}
}

func newSyncProducer(conf config.Kafka) (sarama.SyncProducer, error) {
	kafkaConfig := sarama.NewConfig()

	kafkaConfig.Net.DialTimeout = 10 * time.Second
	kafkaConfig.Net.ReadTimeout = 15 * time.Second
	kafkaConfig.Net.WriteTimeout = 15 * time.Second
	kafkaConfig.Net.KeepAlive = 30 * time.Second

	kafkaConfig.Metadata.Timeout = 10 * time.Second
	kafkaConfig.Metadata.Retry.Max = 1
	kafkaConfig.Metadata.Retry.Backoff = 1 * time.Second
	kafkaConfig.Metadata.RefreshFrequency = 1 * time.Minute

	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	// Retries are owned by the outbox processor, not the producer.
	kafkaConfig.Producer.Retry.Max = 0
	kafkaConfig.Producer.Timeout = 10 * time.Second
	kafkaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	applySASLConfig(kafkaConfig, conf)

	brokers := strings.Split(conf.Brokers, ",")

	producer, err := sarama.NewSyncProducer(brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kafka sync producer: %w", err)
	}

	return producer, nil
}

// EnableSaramaZapLogs routes sarama's internal logging through zap.
func EnableSaramaZapLogs(base *zap.SugaredLogger) {
	logger := base.Named("sarama")
	sarama.Logger = &zapSarama{logger}
}

type zapSarama struct{ l *zap.SugaredLogger }

func (z *zapSarama) Print(v ...interface{})                 { z.l.Debug(v...) }
func (z *zapSarama) Printf(format string, v ...interface{}) { z.l.Debugf(format, v...) }
func (z *zapSarama) Println(v ...interface{})               { z.l.Debug(v...) }

package notify

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
)

// KafkaNotifier publishes notification payloads to a Kafka topic consumed by
// the external push-delivery service.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaNotifier builds a sync producer against the given brokers.
func NewKafkaNotifier(brokers []string, topic string, cfg *sarama.Config) (*KafkaNotifier, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaNotifier{producer: producer, topic: topic}, nil
}

// Send implements Notifier. The chat id keys the record so notifications of
// one conversation stay ordered on a single partition.
func (k *KafkaNotifier) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(n.Data["chatId"]),
		Value: sarama.ByteEncoder(payload),
	}
	_, _, err = k.producer.SendMessage(msg)
	return err
}

// Close shuts down the underlying producer.
func (k *KafkaNotifier) Close() error {
	if k.producer == nil {
		return nil
	}
	return k.producer.Close()
}

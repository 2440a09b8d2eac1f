package message

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
)

// KafkaMirror 可选的事件镜像：每个广播事件同时发往Kafka。
// 未配置broker时为nil，发布失败不影响事件流。
type KafkaMirror struct {
	producer sarama.AsyncProducer
	topic    string
}

// NewKafkaMirror 创建事件镜像，brokers为空时返回nil
func NewKafkaMirror(brokers []string, topic string) (*KafkaMirror, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create Kafka async producer: %w", err)
	}

	m := &KafkaMirror{producer: producer, topic: topic}
	go m.handleSuccesses()
	go m.handleErrors()
	return m, nil
}

// PublishEvent 发布事件，充电桩ID作为分区Key
func (m *KafkaMirror) PublishEvent(event events.Event) error {
	if m == nil {
		return nil
	}
	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	m.producer.Input() <- &sarama.ProducerMessage{
		Topic: m.topic,
		Key:   sarama.StringEncoder(event.GetChargerID()),
		Value: sarama.ByteEncoder(data),
	}
	return nil
}

// Close 关闭生产者
func (m *KafkaMirror) Close() error {
	if m == nil {
		return nil
	}
	if err := m.producer.Close(); err != nil {
		return fmt.Errorf("close Kafka producer: %w", err)
	}
	return nil
}

func (m *KafkaMirror) handleSuccesses() {
	for msg := range m.producer.Successes() {
		log.Debug().
			Str("topic", msg.Topic).
			Msg("Kafka message sent successfully")
	}
}

func (m *KafkaMirror) handleErrors() {
	for err := range m.producer.Errors() {
		log.Error().
			Err(err.Err).
			Str("topic", err.Msg.Topic).
			Msg("Failed to send Kafka message")
	}
}

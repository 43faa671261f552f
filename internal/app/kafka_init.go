package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
	"github.com/vladislavdragonenkov/bookstore/internal/eventlog"
	"github.com/vladislavdragonenkov/bookstore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/bookstore/internal/service/outbox"
)

// initKafkaProducer создаёт producer, если заданы brokers. Ошибка подключения
// не останавливает приложение: события остаются в локальном потоке заказа.
func initKafkaProducer(cfg Config, logger *log.Entry) *kafka.Producer {
	brokers := cfg.KafkaBrokerList()
	if len(brokers) == 0 {
		return nil
	}

	producer, err := kafka.NewProducer(brokers, cfg.KafkaClientID)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer
}

// closeKafkaProducer закрывает Kafka producer если он не nil.
func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// eventRouting: куда outbox worker отправляет события.
type eventRouting struct {
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	// projectTimeline: поток заказа строится Kafka consumer'ом, а не напрямую.
	projectTimeline bool
}

// routeEvents собирает fan-out: поток событий заказа и, если есть producer, Kafka.
// С KafkaTimelineConsumer поток наполняется из topic, и прямой получатель не нужен.
func routeEvents(cfg Config, producer *kafka.Producer, timeline *eventlog.Publisher) eventRouting {
	if producer == nil {
		return eventRouting{publisher: outbox.NewFanOut(outbox.Target{Name: "timeline", Publisher: timeline})}
	}

	kafkaTarget := outbox.Target{Name: "kafka", Publisher: kafka.NewOutboxPublisher(producer, cfg.KafkaTopic)}
	routing := eventRouting{dlq: kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)}
	if cfg.KafkaTimelineConsumer {
		routing.publisher = outbox.NewFanOut(kafkaTarget)
		routing.projectTimeline = true
		return routing
	}
	routing.publisher = outbox.NewFanOut(outbox.Target{Name: "timeline", Publisher: timeline}, kafkaTarget)
	return routing
}

// initTimelineConsumer подписывает поток событий заказа на topic. Сообщения,
// которые не удалось обработать, уходят в DLQ через тот же producer.
func initTimelineConsumer(cfg Config, producer *kafka.Producer, timeline *eventlog.Publisher) (*kafka.Consumer, error) {
	return kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.KafkaBrokerList(),
		GroupID: cfg.KafkaGroupID,
		Topics:  []string{cfg.KafkaTopic},
	}, kafka.OutboxHandler(timeline), producer)
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	contentTypeJSON = "application/json"
	notifierKafka   = "kafka"
	notifierRabbit  = "rabbitmq"
	notifierLog     = "log"
)

// Notifier delivers one side effect to an external system.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, effect entitlement.SideEffect) error
}

// Message is the wire form shared by the broker notifiers.
type Message struct {
	Kind       string         `json:"kind"`
	UserID     string         `json:"userId"`
	AccountID  string         `json:"accountId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// EncodeMessage renders an effect as JSON.
func EncodeMessage(effect entitlement.SideEffect) ([]byte, error) {
	body, err := json.Marshal(Message{
		Kind:       effect.Kind.String(),
		UserID:     effect.UserID,
		AccountID:  effect.AccountID,
		OccurredAt: effect.OccurredAt.UTC(),
		Payload:    effect.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal side effect %s: %w", effect.Kind, err)
	}
	return body, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes effects keyed by user id so one user's events stay ordered.
type KafkaNotifier struct {
	writer messageWriter
}

// NewKafkaWriter builds a writer for the given brokers and topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// NewKafkaNotifier wraps a kafka writer.
func NewKafkaNotifier(writer *kafka.Writer) *KafkaNotifier {
	return &KafkaNotifier{writer: writer}
}

func (notifier *KafkaNotifier) Name() string { return notifierKafka }

func (notifier *KafkaNotifier) Notify(ctx context.Context, effect entitlement.SideEffect) error {
	body, err := EncodeMessage(effect)
	if err != nil {
		return err
	}
	return notifier.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(effect.UserID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(effect.Kind.String())},
		},
	})
}

// Close closes the underlying writer.
func (notifier *KafkaNotifier) Close() error {
	return notifier.writer.Close()
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitNotifier publishes effects to a durable queue on the default exchange.
type RabbitNotifier struct {
	channel publisher
	queue   string
	closers []func() error
}

// DialRabbit connects, opens a channel, and declares the target queue.
func DialRabbit(url string, queue string) (*RabbitNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	_, err = channel.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare rabbitmq queue %s: %w", queue, err)
	}
	return &RabbitNotifier{
		channel: channel,
		queue:   queue,
		closers: []func() error{channel.Close, conn.Close},
	}, nil
}

func (notifier *RabbitNotifier) Name() string { return notifierRabbit }

func (notifier *RabbitNotifier) Notify(ctx context.Context, effect entitlement.SideEffect) error {
	body, err := EncodeMessage(effect)
	if err != nil {
		return err
	}
	return notifier.channel.PublishWithContext(ctx,
		"",             // exchange
		notifier.queue, // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			Type:         effect.Kind.String(),
			Timestamp:    effect.OccurredAt.UTC(),
			Body:         body,
		})
}

// Close closes the channel and then the connection.
func (notifier *RabbitNotifier) Close() error {
	var firstErr error
	for _, closeFn := range notifier.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogNotifier writes effects to the structured log only.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a notifier that logs at info level.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (notifier *LogNotifier) Name() string { return notifierLog }

func (notifier *LogNotifier) Notify(_ context.Context, effect entitlement.SideEffect) error {
	notifier.logger.Info("side effect",
		zap.String("kind", effect.Kind.String()),
		zap.String("user_id", effect.UserID),
		zap.String("account_id", effect.AccountID),
		zap.Time("occurred_at", effect.OccurredAt),
		zap.Any("payload", effect.Payload),
	)
	return nil
}

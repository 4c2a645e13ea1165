package main

import (
	"fmt"
	"strings"

	rbxkfk "github.com/3rs4lg4d0/relaybox/emitter/kafka"
	"github.com/3rs4lg4d0/relaybox/emitter/kafkago"
	"github.com/3rs4lg4d0/relaybox/emitter/memory"
	rbxnats "github.com/3rs4lg4d0/relaybox/emitter/nats"
	"github.com/3rs4lg4d0/relaybox/emitter/rabbitmq"
	"github.com/3rs4lg4d0/relaybox/internal/config"
	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
)

const flushTimeoutMs = 5000

// openBroker connects to the configured broker and returns its emitter and a
// function closing the connection.
func openBroker(cfg config.Broker, logger rbx.Logger) (rbx.Emitter, func(), error) {
	switch cfg.Kind {
	case config.BrokerKafka:
		p, err := GetProducer(cfg.Brokers)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create the kafka producer: %w", err)
		}
		go logProducerEvents(p, logger)
		var opts []rbxkfk.Option
		if cfg.Topic != "" {
			opts = append(opts, rbxkfk.WithTopic(cfg.Topic))
		}
		return rbxkfk.New(p, opts...), func() {
			p.Flush(flushTimeoutMs)
			p.Close()
		}, nil

	case config.BrokerKafkaGo:
		w := kafkago.NewWriter(cfg.Brokers...)
		var opts []kafkago.Option
		if cfg.Topic != "" {
			opts = append(opts, kafkago.WithTopic(cfg.Topic))
		}
		return kafkago.New(w, opts...), func() {
			if err := w.Close(); err != nil {
				logger.Error("closing the kafka writer", err)
			}
		}, nil

	case config.BrokerRabbitMQ:
		conn, err := amqp.Dial(cfg.Brokers[0])
		if err != nil {
			return nil, nil, fmt.Errorf("unable to connect to rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("unable to open a rabbitmq channel: %w", err)
		}
		opts := []rabbitmq.Option{rabbitmq.WithExchange(cfg.Exchange)}
		if cfg.Topic != "" {
			opts = append(opts, rabbitmq.WithTopic(cfg.Topic))
		}
		e, err := rabbitmq.New(ch, opts...)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return e, func() { conn.Close() }, nil

	case config.BrokerNATS:
		nc, err := nats.Connect(strings.Join(cfg.Brokers, ","))
		if err != nil {
			return nil, nil, fmt.Errorf("unable to connect to nats: %w", err)
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("unable to get the jetstream context: %w", err)
		}
		var opts []rbxnats.Option
		if cfg.Topic != "" {
			opts = append(opts, rbxnats.WithTopic(cfg.Topic))
		}
		return rbxnats.New(js, opts...), func() {
			if err := nc.Drain(); err != nil {
				logger.Error("draining the nats connection", err)
			}
		}, nil

	default:
		var opts []memory.Option
		if cfg.Topic != "" {
			opts = append(opts, memory.WithTopic(cfg.Topic))
		}
		return memory.NewBroker(opts...), func() {}, nil
	}
}

func GetProducer(brokers []string) (*kafka.Producer, error) {
	return kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(brokers, ","),
		"linger.ms":          5,
		"compression.type":   "lz4",
		"acks":               -1,
		"enable.idempotence": true,
	})
}

// logProducerEvents drains the producer events not bound to a delivery
// channel, such as client level errors.
func logProducerEvents(p *kafka.Producer, logger rbx.Logger) {
	for ev := range p.Events() {
		switch e := ev.(type) {
		case kafka.Error:
			logger.Error("kafka producer error", e)
		default:
			logger.Debug(fmt.Sprintf("ignored event: %s", ev))
		}
	}
}

package events

import (
	"fmt"
	"strings"

	"orderledger/internal/config"
)

// Open selects a Publisher from configuration.
func Open(cfg config.Events) (Publisher, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return Nop{}, nil
	case "rabbitmq":
		return DialRabbitMQ(cfg.AMQPURL, cfg.AMQPExchange)
	case "kafka":
		return NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return nil, fmt.Errorf("unknown events driver %s", cfg.Driver)
	}
}

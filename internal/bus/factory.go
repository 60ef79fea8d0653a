package bus

import (
	"fmt"
	"strings"

	"github.com/ricesearch/logstream/internal/config"
	"github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/logger"
)

// NewBus creates a new Bus instance based on the configuration.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	if log == nil {
		log = logger.Default()
	}

	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		return NewMemoryBus(WithLogger(log)), nil

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "logstream"
		}

		return NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      "logstream-bus",
			Logger:        log,
		})

	case "redis":
		if cfg.RedisURL == "" {
			return nil, errors.New(errors.CodeValidation, "redis URL not configured")
		}
		return NewRedisBus(RedisConfig{
			URL:    cfg.RedisURL,
			Logger: log,
		})

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}
}

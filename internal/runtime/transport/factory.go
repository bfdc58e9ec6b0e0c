// Package transport resolves the broker transport used by the Service from
// configuration.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/livewire/internal/runtime/config"
	brokers "github.com/drblury/livewire/transport"

	// Register every built-in broker.
	_ "github.com/drblury/livewire/transport/transports"
)

// Transport is a built broker transport together with the capabilities
// registered for it.
type Transport struct {
	brokers.Transport
	Capabilities brokers.Capabilities
}

// Factory abstracts how the Service initialises its broker transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns a factory backed by the default broker registry.
func DefaultFactory() Factory {
	return RegistryFactory(brokers.DefaultRegistry)
}

// RegistryFactory returns a factory building transports from registry.
func RegistryFactory(registry *brokers.Registry) Factory {
	return FactoryFunc(func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
		if conf == nil {
			return Transport{}, fmt.Errorf("config is required")
		}
		if registry == nil {
			return Transport{}, fmt.Errorf("registry is required")
		}

		t, err := registry.Build(ctx, conf, logger)
		if err != nil {
			return Transport{}, err
		}

		return Transport{
			Transport:    t,
			Capabilities: registry.GetCapabilities(conf.PubSubSystem),
		}, nil
	})
}

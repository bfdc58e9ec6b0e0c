// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	_ "github.com/drblury/livewire/transport/aws"
	_ "github.com/drblury/livewire/transport/channel"
	_ "github.com/drblury/livewire/transport/http"
	_ "github.com/drblury/livewire/transport/jetstream"
	_ "github.com/drblury/livewire/transport/kafka"
	_ "github.com/drblury/livewire/transport/nats"
	_ "github.com/drblury/livewire/transport/rabbitmq"
)

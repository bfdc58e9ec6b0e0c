// Package channel provides an in-memory Go channel transport for livewire.
// It is useful for tests and single-process setups.
//
// Every publish is stamped with a per-topic offset and a timestamp so that
// handlers see the same position metadata a log-based broker would give them.
package channel

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
	"github.com/drblury/livewire/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Metadata entries written by the sequencing publisher.
const (
	OffsetKey    = metadatapkg.Prefix + "offset"
	TimestampKey = metadatapkg.Prefix + "timestamp"
)

// DefaultConfig keeps published messages for subscribers that attach later,
// so a relay started before the consumer loses nothing.
var DefaultConfig = gochannel.Config{
	OutputChannelBuffer: 256,
	Persistent:          true,
}

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

var now = time.Now

func init() {
	Register()
	transport.DefaultRegistry.RegisterWithCapabilities("gochannel", Build, transport.ChannelCapabilities)
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(DefaultConfig, logger)
	return transport.Transport{
		Publisher:  newSequencedPublisher(pub),
		Subscriber: sub,
		Position:   Position,
	}, nil
}

// Position reads the offset and timestamp stamped at publish time. The
// partition comes from the envelope since the channel has a single one.
func Position(msg *message.Message) (transport.Position, bool) {
	offset, err := strconv.ParseInt(msg.Metadata.Get(OffsetKey), 10, 64)
	if err != nil {
		return transport.Position{}, false
	}
	pos := transport.Position{Offset: offset}
	if p, err := strconv.ParseInt(msg.Metadata.Get(metadatapkg.KeyPartition), 10, 32); err == nil {
		pos.Partition = int32(p)
	}
	if ts, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get(TimestampKey)); err == nil {
		pos.Timestamp = ts
	}
	return pos, true
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// sequencedPublisher numbers messages per topic. The lock is held across the
// inner publish so offsets match delivery order.
type sequencedPublisher struct {
	message.Publisher

	mu      sync.Mutex
	offsets map[string]int64
}

func newSequencedPublisher(pub message.Publisher) *sequencedPublisher {
	return &sequencedPublisher{Publisher: pub, offsets: make(map[string]int64)}
}

func (p *sequencedPublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stamp := now().UTC().Format(time.RFC3339Nano)
	for _, msg := range msgs {
		msg.Metadata.Set(OffsetKey, strconv.FormatInt(p.offsets[topic], 10))
		msg.Metadata.Set(TimestampKey, stamp)
		p.offsets[topic]++
	}
	return p.Publisher.Publish(topic, msgs...)
}

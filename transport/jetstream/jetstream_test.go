package jetstream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metadatapkg "github.com/drblury/livewire/internal/runtime/metadata"
	"github.com/drblury/livewire/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsPositions)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.True(t, caps.SupportsTracing)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.JetStreamCapabilities, caps)
	assert.Equal(t, "nats-jetstream", caps.Name)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultStreamName, result.StreamName)
		assert.Equal(t, "livewire", result.ConsumerGroup)
		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
		assert.Equal(t, 2*time.Minute, result.DuplicateWindow)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			URL:             "nats://localhost:4222",
			StreamName:      "CUSTOM",
			ConsumerGroup:   "billing",
			MaxDeliver:      5,
			AckWait:         time.Minute,
			Replicas:        3,
			RetentionPolicy: "workqueue",
			DuplicateWindow: time.Hour,
		}
		result := cfg.withDefaults()

		assert.Equal(t, cfg, result)
	})

	t.Run("negative values get defaults", func(t *testing.T) {
		result := Config{MaxDeliver: -1, AckWait: -1, Replicas: -1}.withDefaults()

		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
	})
}

func TestStreamConfig(t *testing.T) {
	tr := &Transport{config: Config{StreamName: "S", RetentionPolicy: "interest"}.withDefaults()}
	cfg := tr.streamConfig()

	assert.Equal(t, "S", cfg.Name)
	assert.Equal(t, []string{"S.>"}, cfg.Subjects)
	assert.Equal(t, nats.InterestPolicy, cfg.Retention)
	assert.Equal(t, 2*time.Minute, cfg.Duplicates)
}

func TestNaming(t *testing.T) {
	tr := &Transport{config: Config{StreamName: "LW", ConsumerGroup: "svc.a"}.withDefaults()}

	assert.Equal(t, "LW.orders", tr.subject("orders"))
	assert.Equal(t, "svc_a_orders_v1", tr.durable("orders.v1"))
}

func TestMessageConversion(t *testing.T) {
	msg := message.NewMessage("wm-uuid", []byte("payload"))
	msg.Metadata.Set(metadatapkg.KeyMessageID, "lw-1")
	msg.Metadata.Set("tenant", "acme")

	natsMsg := toNATS("LW.orders", msg)
	assert.Equal(t, "LW.orders", natsMsg.Subject)
	assert.Equal(t, "acme", natsMsg.Header.Get("tenant"))
	assert.Equal(t, "lw-1", messageID(msg))

	natsMsg.Header.Set(nats.MsgIdHdr, "lw-1")
	back := fromNATS(natsMsg)
	assert.Equal(t, "lw-1", back.UUID)
	assert.Equal(t, []byte("payload"), []byte(back.Payload))
	assert.Equal(t, "acme", back.Metadata.Get("tenant"))
	assert.Empty(t, back.Metadata.Get(nats.MsgIdHdr))
}

func TestMessageIDFallbacks(t *testing.T) {
	t.Run("uses watermill uuid when no livewire id", func(t *testing.T) {
		assert.Equal(t, "wm-uuid", messageID(message.NewMessage("wm-uuid", nil)))
	})

	t.Run("uses dedup header when no livewire id", func(t *testing.T) {
		natsMsg := &nats.Msg{Header: nats.Header{}}
		natsMsg.Header.Set(nats.MsgIdHdr, "dedup-1")
		assert.Equal(t, "dedup-1", fromNATS(natsMsg).UUID)
	})

	t.Run("generates an id otherwise", func(t *testing.T) {
		assert.NotEmpty(t, fromNATS(&nats.Msg{Header: nats.Header{}}).UUID)
	})
}

func TestPosition(t *testing.T) {
	msg := message.NewMessage("1", nil)
	_, ok := Position(msg)
	assert.False(t, ok)

	want := transport.Position{Offset: 42, Timestamp: time.Unix(100, 0)}
	msg.SetContext(context.WithValue(context.Background(), positionKey{}, want))
	got, ok := Position(msg)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

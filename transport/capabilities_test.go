package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_RequiresPromptCommits(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{name: "log based", caps: KafkaCapabilities, want: false},
		{name: "memory", caps: MemoryCapabilities, want: false},
		{name: "channel", caps: ChannelCapabilities, want: false},
		{name: "gated http", caps: HTTPCapabilities, want: true},
		{name: "gated amqp", caps: RabbitMQCapabilities, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.RequiresPromptCommits())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	durable := []Capabilities{
		KafkaCapabilities, SaramaCapabilities, JetStreamCapabilities,
		PostgresCapabilities, WatermillKafkaCapabilities, RabbitMQCapabilities, AWSCapabilities,
	}
	for _, caps := range durable {
		assert.True(t, caps.DurableCommits, caps.Name)
	}

	assert.False(t, MemoryCapabilities.DurableCommits)
	assert.True(t, JetStreamCapabilities.SupportsPattern)
	assert.False(t, JetStreamCapabilities.SupportsPartitions)
	assert.Equal(t, int64(262144), AWSCapabilities.MaxMessageSize)

	for _, caps := range []Capabilities{ChannelCapabilities, NATSCapabilities, HTTPCapabilities} {
		assert.False(t, caps.SupportsPattern, caps.Name)
		assert.False(t, caps.DurableCommits, caps.Name)
	}
}

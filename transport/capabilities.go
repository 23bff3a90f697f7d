package transport

// Capabilities describes the features supported by a backend.
type Capabilities struct {
	// Name is the human-readable name of the backend.
	Name string

	// SupportsPattern indicates consumers may subscribe with a Topic pattern.
	SupportsPattern bool

	// SupportsPartitions indicates topics are split into several partitions.
	// When false every message reports partition 0.
	SupportsPartitions bool

	// SupportsAsyncSend indicates Send uses a native asynchronous path rather
	// than a goroutine around SendAndWait.
	SupportsAsyncSend bool

	// DurableCommits indicates committed offsets survive a process restart.
	DurableCommits bool

	// GatedDelivery indicates the backend withholds the next message of a
	// topic until the previous one is committed, so throughput is bound to
	// the commit interval.
	GatedDelivery bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Version is the backend/driver version.
	Version string
}

// RequiresPromptCommits reports whether consumers on this backend should run
// with a short commit interval to keep messages flowing. CreateConsumer then
// uses PromptCommitInterval unless an interval was given explicitly.
func (c Capabilities) RequiresPromptCommits() bool {
	return c.GatedDelivery
}

// Predefined capability sets for the built-in backends.
var (
	MemoryCapabilities = Capabilities{
		Name:               "memory",
		SupportsPattern:    true,
		SupportsPartitions: true,
		SupportsAsyncSend:  true,
	}

	KafkaCapabilities = Capabilities{
		Name:               "kafka",
		SupportsPattern:    true,
		SupportsPartitions: true,
		DurableCommits:     true,
		MaxMessageSize:     1048576, // Default 1MB
	}

	SaramaCapabilities = Capabilities{
		Name:               "sarama",
		SupportsPattern:    true,
		SupportsPartitions: true,
		SupportsAsyncSend:  true,
		DurableCommits:     true,
		MaxMessageSize:     1048576, // Default 1MB
	}

	JetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsPattern:   true,
		SupportsAsyncSend: true,
		DurableCommits:    true,
		MaxMessageSize:    1048576, // Default 1MB
	}

	PostgresCapabilities = Capabilities{
		Name:               "postgres",
		SupportsPattern:    true,
		SupportsPartitions: true,
		DurableCommits:     true,
	}

	ChannelCapabilities = Capabilities{
		Name: "channel",
	}

	WatermillKafkaCapabilities = Capabilities{
		Name:           "wm-kafka",
		DurableCommits: true,
		GatedDelivery:  true,
		MaxMessageSize: 1048576, // Default 1MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:           "rabbitmq",
		DurableCommits: true,
		GatedDelivery:  true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		GatedDelivery:  true,
		MaxMessageSize: 1048576, // Default 1MB
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		DurableCommits: true,
		GatedDelivery:  true,
		MaxMessageSize: 262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name:          "http",
		GatedDelivery: true,
	}
)

// GetCapabilities returns the capabilities registered for a URL scheme.
func GetCapabilities(scheme string) Capabilities {
	return DefaultRegistry.GetCapabilities(scheme)
}

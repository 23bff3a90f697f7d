// Package channel provides an in-process Go channel transport for
// streamflow, built on watermill's gochannel pub/sub. Messages published
// before a consumer subscribes are only kept with "channel://?persistent=true".
package channel

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// ConfigFromTransport reads the "persistent" and "buffer" query parameters.
func ConfigFromTransport(cfg transport.Config) (gochannel.Config, error) {
	ep, err := transport.ParseEndpoint(cfg.GetURL())
	if err != nil {
		return gochannel.Config{}, err
	}
	var gc gochannel.Config
	if raw := ep.Query.Get("persistent"); raw != "" {
		if gc.Persistent, err = strconv.ParseBool(raw); err != nil {
			return gochannel.Config{}, fmt.Errorf("channel: invalid persistent %q: %w", raw, err)
		}
	}
	if raw := ep.Query.Get("buffer"); raw != "" {
		if gc.OutputChannelBuffer, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return gochannel.Config{}, fmt.Errorf("channel: invalid buffer %q: %w", raw, err)
		}
	}
	return gc, nil
}

// Build creates a new Go channel transport. One pub/sub serves every
// consumer and producer of the backend.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	gc, err := ConfigFromTransport(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pub, sub := Factory(gc, logger)
	return pubsub.New(pubsub.Options{
		Capabilities: transport.ChannelCapabilities,
		Publisher:    pub,
		Subscriber:   sub,
		Logger:       logger,
	})
}

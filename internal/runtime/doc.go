/*
Package runtime hosts streamflow consumers as a long-running service.

# Architecture Overview

A Service opens one transport from the configuration and creates a consumer
per registered handler. Start runs every consumer until the context is
cancelled or one of them fails, then stops all of them so acknowledged
offsets are committed before the process exits.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - The transport selected by the configured URL
  - One consumer per handler and a shared producer for emitted records
  - Prometheus metrics fed by the consumer observer
  - The HTTP server exposing /metrics and /api/handlers

## Handler Registration (registration.go)

  - RegisterHandler: raw consumer callbacks
  - RegisterJSONHandler: typed JSON payloads
  - RegisterProtoHandler: typed protobuf payloads

Typed handlers acknowledge an event once the records they emit have been
accepted by the producer.

## Hooks and Stats (hooks.go, models.go)

JobHooks run around every handler invocation. HandlerStats keeps per-handler
counters served by the status endpoint.

# Sub-packages

  - config/: Service configuration with validation
  - errors/: Sentinel errors and error types
  - handlers/: Message context types and handler building
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metrics/: Prometheus collectors for consumer signals

# Usage Example

	cfg := &streamflow.Config{
		URL:            "kafka://localhost:9092",
		ConsumerGroup:  "billing",
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	svc, err := streamflow.NewService(ctx, cfg, logger, streamflow.ServiceDependencies{})

	streamflow.RegisterProtoHandler(svc, streamflow.ProtoHandlerRegistration[*pb.OrderCreated]{
		Topic:        streamflow.Topics("orders.created"),
		PublishTopic: "orders.processed",
		Handler:      processOrder,
	})

	err = svc.Start(ctx)
*/
package runtime

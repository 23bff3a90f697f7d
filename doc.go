// Package streamflow consumes and produces records on partitioned logs
// without committing every message on its own.
//
// A Consumer hands each record to a callback as an Event. Once the callback
// acknowledges an event, its offset becomes eligible for commit. A periodic
// commit cycle writes, per topic partition, the highest offset below which
// every event has been acknowledged, so a slow event holds back the commit
// of later ones and nothing is ever committed before it was processed.
// Stop runs one last commit before the consumer is closed.
//
// Transports are selected by URL scheme:
//   - memory: in-process partitioned log for tests
//   - kafka: segmentio kafka-go consumer groups
//   - sarama: IBM sarama consumer groups
//   - postgres: tables in PostgreSQL via pgx
//   - jetstream: NATS JetStream durable consumers
//   - channel, wm-kafka, rabbitmq, nats, aws, http: watermill pub/subs
//
// Import transport/transports to link every backend, or import the backend
// packages you need.
//
// Service hosts consumers as a long-running process. Register raw callbacks
// with RegisterMessageHandler, or typed handlers with RegisterJSONHandler and
// RegisterProtoHandler; typed handlers acknowledge an event once the records
// they emit are accepted by the producer. With MetricsEnabled the service
// serves Prometheus metrics at /metrics and handler stats at /api/handlers.
package streamflow

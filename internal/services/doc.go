// Package services wires the arcache components from one configuration.
//
// New builds the logger, resource cache, memory store (with its optional
// SQLite backend), retriever, learning coordinator, OTLP telemetry and the
// auto-cleanup schedulers. Use the Registry accessors to reach individual components and
// Close to release them.
package services

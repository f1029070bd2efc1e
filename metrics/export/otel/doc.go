// Package otel binds goSession counters and histograms to OpenTelemetry instruments.
//
// [NewExporter] registers an Int64ObservableCounter per session counter and an
// Int64ObservableGauge per histogram bucket. One callback reads
// [goSession.Session.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate session state.
package otel

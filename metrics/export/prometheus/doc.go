// Package prometheus exposes goSession metrics to Prometheus.
//
// [NewExporter] wraps a [goSession.Session] in a prometheus.Collector registered on a private
// registry, and [Exporter.Handler] serves it through promhttp. Counter names are prefixed
// gosession_*_total; the single histogram is gosession_refresh_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in the global Prometheus registry. Callers mount the Handler or add the
//     Collector to their own registry.
//   - Mutate session state.
package prometheus

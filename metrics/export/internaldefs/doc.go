// Package internaldefs holds the metric names and bucket bounds shared by the exporters.
//
// Both the Prometheus and OTel exporters read these definitions, so a session exported through
// either surface carries identical metric names and bucket boundaries.
//
// # What this package must NOT do
//
//   - Import an exporter package.
//   - Perform I/O.
package internaldefs

// Package metrics exposes Prometheus collectors for the dataflow engine:
// vertex builds, cache lookups, batch sizes and run durations. Collectors live
// on a private registry served by Handler, so several engines can coexist in
// one process and tests can read values directly.
package metrics

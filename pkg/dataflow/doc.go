// Package dataflow is the public façade over the engine. A Runtime wires the
// component registry, cache, flow store, tracing and metrics from a
// config.Config and runs payloads or saved flows without importing
// internal packages.
package dataflow

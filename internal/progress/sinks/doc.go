// Package sinks implements progress consumers: Prometheus collectors and
// structured logs.
package sinks

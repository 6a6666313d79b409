// Package server runs the HTTP front of a flowkit application: a gin engine
// behind an h2c handler, so event streams can be served over HTTP/1.1 and
// cleartext HTTP/2 on one port.
//
// A Server is a component.Component. Register it after the scheduler pools
// it depends on so it stops first.
//
// # Endpoints
//
// RegisterHealth adds:
//
//   - /health: aggregated component health, 503 when any is unhealthy
//   - /alive: liveness probe
package server

// Package component defines the lifecycle contract for long-lived flowkit
// resources such as scheduler pools.
//
// A Registry starts components in registration order and stops them in
// reverse, so pools that feed other pools shut down last.
package component

// Package gateway defines the payment processor boundary: storing cards
// behind an opaque billing key, charging that key, and cancelling it.
//
// Two implementations ship with the package. Test keeps everything in
// memory and is what the worker uses when GATEWAY_TYPE=test. HTTP speaks a
// small JSON protocol and is instrumented with otelhttp so every processor
// call shows up as a client span.
package gateway

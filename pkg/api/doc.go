// Package api defines the wire types for the relais chat API: requests,
// responses, streaming events, error taxonomy, identifier generation, and
// request validation.
//
// The package is dependency-free so that every other package (transport,
// relay, upstream, storage) can import it without cycles.
package api

// Package transport defines the contracts between the HTTP layer and the
// relay core: the handler and stopper interfaces, the stream writer
// abstraction, the store contract, and handler-level middleware. The HTTP
// adapter lives in the http subpackage.
package transport

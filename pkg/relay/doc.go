// Package relay implements the chat lifecycle core: it proxies requests to
// the upstream backend, forwards streaming events to the downstream client,
// tracks in-flight chats in an explicit registry, and terminates them on
// owner stop requests, client disconnect, or staleness.
package relay

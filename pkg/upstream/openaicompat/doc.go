// Package openaicompat implements the upstream.Client contract against an
// OpenAI-compatible Chat Completions endpoint. It handles request
// serialization, SSE stream decoding, and error mapping.
package openaicompat

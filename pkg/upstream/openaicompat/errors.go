package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/relais-dev/relais/pkg/api"
)

// MapHTTPError converts an HTTP response with a non-2xx status code into
// an upstream APIError carrying the status. It attempts to parse the
// response body as a ChatErrorResponse to extract a descriptive message.
func MapHTTPError(resp *http.Response) *api.APIError {
	message := ExtractErrorMessage(resp.Body)
	if message == "" {
		message = fmt.Sprintf("backend returned HTTP %d", resp.StatusCode)
	}
	return api.NewUpstreamError(resp.StatusCode, message)
}

// MapNetworkError converts a network-level error (connection refused,
// timeout, DNS resolution failure) into an APIError. Context cancellation
// is preserved so callers can distinguish a stop from a genuine failure.
func MapNetworkError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return api.NewUpstreamError(0, "backend connection error: "+err.Error())
}

// IsCancelled reports whether err stems from context cancellation rather
// than a backend failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ExtractErrorMessage tries to parse the response body as a
// ChatErrorResponse and returns the error message if found.
func ExtractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var errResp ChatErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}

	return ""
}

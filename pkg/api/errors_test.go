package api

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAPIErrorError(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want string
	}{
		{
			name: "with param",
			err:  NewInvalidRequestError("model", "model is required"),
			want: "invalid_request: model is required (param: model)",
		},
		{
			name: "without param",
			err:  NewServerError("something broke"),
			want: "server_error: something broke",
		},
		{
			name: "upstream with status",
			err:  NewUpstreamError(500, "backend exploded"),
			want: "upstream_error: backend exploded (upstream status: 500)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorConstructorTypes(t *testing.T) {
	tests := []struct {
		err  *APIError
		want ErrorType
	}{
		{NewInvalidRequestError("p", "m"), ErrorTypeInvalidRequest},
		{NewNotFoundError("m"), ErrorTypeNotFound},
		{NewForbiddenError("m"), ErrorTypeForbidden},
		{NewServerError("m"), ErrorTypeServerError},
		{NewUpstreamError(503, "m"), ErrorTypeUpstreamError},
		{NewTooManyRequestsError("m"), ErrorTypeTooManyRequests},
	}

	for _, tt := range tests {
		if tt.err.Type != tt.want {
			t.Errorf("got type %q, want %q", tt.err.Type, tt.want)
		}
	}
}

func TestErrorResponseSerialization(t *testing.T) {
	resp := ErrorResponse{Error: NewUpstreamError(502, "bad gateway")}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshaling: %v", err)
	}

	s := string(data)
	if !strings.Contains(s, `"type":"upstream_error"`) {
		t.Errorf("missing error type in %s", s)
	}
	if !strings.Contains(s, `"upstream_status":502`) {
		t.Errorf("missing upstream status in %s", s)
	}
}

func TestUpstreamStatusOmittedWhenZero(t *testing.T) {
	data, err := json.Marshal(NewServerError("oops"))
	if err != nil {
		t.Fatalf("marshaling: %v", err)
	}
	if strings.Contains(string(data), "upstream_status") {
		t.Errorf("upstream_status should be omitted for zero value: %s", data)
	}
}

package remote

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPermanent(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "network error is transient",
			err:  errors.New("dial tcp 10.0.0.1:8080: connection refused"),
			want: false,
		},
		{
			name: "404 is permanent",
			err:  &APIError{Op: "get Customer/C1", Status: http.StatusNotFound, Body: ""},
			want: true,
		},
		{
			name: "does not exist body is permanent",
			err:  &APIError{Op: "update Customer/C1", Status: http.StatusBadRequest, Body: `{"error":"Customer C1 does not exist"}`},
			want: true,
		},
		{
			name: "unknown record type is permanent",
			err:  &APIError{Op: "create Widget/W1", Status: http.StatusInternalServerError, Body: `{"error":"unknown record type \"Widget\""}`},
			want: true,
		},
		{
			name: "marker matching is case-insensitive",
			err:  &APIError{Op: "create Widget/W1", Status: http.StatusInternalServerError, Body: "ModuleNotFoundError: no module named widgets"},
			want: true,
		},
		{
			name: "500 without marker is transient",
			err:  &APIError{Op: "create Customer/C1", Status: http.StatusInternalServerError, Body: "database is locked"},
			want: false,
		},
		{
			name: "validation failure is transient",
			err:  &APIError{Op: "update Customer/C1", Status: http.StatusBadRequest, Body: `{"error":"credit_limit must be positive"}`},
			want: false,
		},
		{
			name: "wrapped APIError is unwrapped",
			err:  fmt.Errorf("push entry: %w", &APIError{Op: "get Customer/C1", Status: http.StatusNotFound}),
			want: true,
		},
		{
			name: "nil-ish plain error",
			err:  errors.New("context deadline exceeded"),
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Permanent(tc.err))
		})
	}
}

func TestAPIError_Message(t *testing.T) {
	err := &APIError{Op: "create Customer/C1", Status: 409, Body: "already exists"}
	require.Contains(t, err.Error(), "create Customer/C1")
	require.Contains(t, err.Error(), "409")
}

package errors_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
	cwerrs "github.com/jdholdren/crnwatch/internal/errors"
)

func TestEConstructor(t *testing.T) {
	got := cwerrs.E(
		"something went wrong",
		cwerrs.Detail{Field: "crn", Error: "was bad"},
		http.StatusBadRequest,
	)
	want := &cwerrs.Error{
		Err: errors.New("something went wrong"),
		Details: []cwerrs.Detail{
			{Field: "crn", Error: "was bad"},
		},
		Status: http.StatusBadRequest,
	}

	assert.Equal(t, want, got)
}

func TestErrorJSON(t *testing.T) {
	byts, err := json.Marshal(cwerrs.E("subscription already exists", http.StatusConflict))
	require.NoError(t, err)
	assert.JSONEq(t, `{"message": "subscription already exists", "details": null, "status": 409}`, string(byts))

	var back cwerrs.Error
	require.NoError(t, json.Unmarshal(byts, &back))
	assert.Equal(t, http.StatusConflict, back.Status)
	assert.EqualError(t, back.Err, "subscription already exists")
}

func TestFromDomain(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		details []cwerrs.Detail
	}{
		{
			name:    "validation",
			err:     fmt.Errorf("error subscribing: %w", &crnwatch.ValidationError{Field: "crn", Reason: "must be 5 or 6 digits"}),
			status:  http.StatusBadRequest,
			details: []cwerrs.Detail{{Field: "crn", Error: "must be 5 or 6 digits"}},
		},
		{name: "conflict", err: fmt.Errorf("subscription already exists: %w", crnwatch.ErrConflict), status: http.StatusConflict},
		{name: "not found", err: crnwatch.ErrNotFound, status: http.StatusNotFound},
		{name: "upstream", err: &crnwatch.UpstreamError{Status: 502}, status: http.StatusServiceUnavailable},
		{name: "protocol", err: &crnwatch.ProtocolError{Err: errors.New("eof")}, status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cwerrs.FromDomain(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.details, got.Details)
		})
	}

	assert.Nil(t, cwerrs.FromDomain(errors.New("disk full")))
	assert.Nil(t, cwerrs.FromDomain(nil))
}

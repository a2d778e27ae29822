// Package errors is the error shape the HTTP surface speaks.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

// Error is an error with an HTTP status and per field details.
type Error struct {
	Status  int
	Err     error // The error this wraps
	Details []Detail
}

type Detail struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s, details: %v", e.Status, e.Err, e.Details)
}

type transport struct {
	Message string   `json:"message"`
	Details []Detail `json:"details"`
	Status  int      `json:"status"`
}

func (s *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(transport{
		Message: s.Err.Error(),
		Details: s.Details,
		Status:  s.Status,
	})
}

func (s *Error) UnmarshalJSON(byts []byte) error {
	t := transport{}
	if err := json.Unmarshal(byts, &t); err != nil {
		return err
	}

	s.Err = errors.New(t.Message)
	s.Details = t.Details
	s.Status = t.Status
	return nil
}

func E(args ...any) *Error {
	ret := &Error{
		Status:  http.StatusInternalServerError,
		Err:     nil,
		Details: nil,
	}

	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			ret.Err = errors.New(arg)
		case error:
			ret.Err = arg
		case int:
			ret.Status = arg
		case Detail:
			ret.Details = append(ret.Details, arg)
		case []Detail:
			ret.Details = append(ret.Details, arg...)
		}
	}

	return ret
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FromDomain maps the crnwatch error taxonomy onto HTTP statuses.
//
// Returns nil for errors that aren't part of the taxonomy.
func FromDomain(err error) *Error {
	var (
		validationErr *crnwatch.ValidationError
		upstreamErr   *crnwatch.UpstreamError
		protocolErr   *crnwatch.ProtocolError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &validationErr):
		return E(validationErr, http.StatusBadRequest, Detail{Field: validationErr.Field, Error: validationErr.Reason})
	case errors.Is(err, crnwatch.ErrConflict):
		return E(err, http.StatusConflict)
	case errors.Is(err, crnwatch.ErrNotFound):
		return E(err, http.StatusNotFound)
	case errors.As(err, &upstreamErr):
		return E("registrar temporarily unavailable", http.StatusServiceUnavailable)
	case errors.As(err, &protocolErr):
		return E("registrar returned an unreadable response", http.StatusBadGateway)
	}

	return nil
}

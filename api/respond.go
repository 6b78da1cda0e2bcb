package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ruteri/secretvault/docquery"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/nuc"
)

// MaxRequestBytes bounds JSON request bodies.
const MaxRequestBytes = 16 << 20

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrInvalidRequest),
		errors.Is(err, interfaces.ErrInvalidDocument),
		errors.Is(err, docquery.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrUnauthorized),
		errors.Is(err, nuc.ErrInvalidToken),
		errors.Is(err, nuc.ErrTokenExpired),
		errors.Is(err, nuc.ErrTokenExhausted),
		errors.Is(err, nuc.ErrTokenReplayed),
		errors.Is(err, nuc.ErrWrongAudience),
		errors.Is(err, nuc.ErrUntrustedIssuer):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrForbidden),
		errors.Is(err, nuc.ErrCommandDenied):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrQuorumNotReached),
		errors.Is(err, interfaces.ErrBackendUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as an ErrorResponse. Internal errors are logged and
// reported without detail.
func WriteError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", "err", err)
		msg = "internal server error"
	}
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// DecodeJSON reads a JSON request body into v.
func DecodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBytes+1))
	if err != nil {
		return fmt.Errorf("%w: could not read body: %v", interfaces.ErrInvalidRequest, err)
	}
	if len(body) > MaxRequestBytes {
		return fmt.Errorf("%w: body too large", interfaces.ErrInvalidRequest)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed json: %v", interfaces.ErrInvalidRequest, err)
	}
	return nil
}

// ErrorForStatus rebuilds a sentinel error from a failed response so that
// clients can use errors.Is across the wire.
func ErrorForStatus(status int, body []byte) error {
	msg := string(body)
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		msg = resp.Error
	}

	var sentinel error
	switch status {
	case http.StatusBadRequest:
		sentinel = interfaces.ErrInvalidRequest
	case http.StatusUnauthorized:
		sentinel = interfaces.ErrUnauthorized
	case http.StatusForbidden:
		sentinel = interfaces.ErrForbidden
	case http.StatusNotFound:
		sentinel = interfaces.ErrNotFound
	case http.StatusConflict:
		sentinel = interfaces.ErrDuplicate
	default:
		return fmt.Errorf("request failed with code %d: %s", status, msg)
	}
	return fmt.Errorf("%w (%d): %s", sentinel, status, msg)
}

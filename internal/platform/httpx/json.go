package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultMaxBodyBytes bounds request bodies for JSON endpoints.
const DefaultMaxBodyBytes int64 = 16 * 1024

var (
	// ErrBodyTooLarge is returned by DecodeJSON when the body exceeds its limit.
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrInvalidJSON is returned by DecodeJSON for malformed or unexpected payloads.
	ErrInvalidJSON = errors.New("invalid JSON body")
)

// WriteJSON encodes payload with status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON reads at most limit bytes into dst, rejecting unknown fields. An empty body leaves dst untouched.
func DecodeJSON(r *http.Request, limit int64, dst any) error {
	if r.Body == nil {
		return nil
	}
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if int64(len(data)) > limit {
		return ErrBodyTooLarge
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

// WriteDecodeError maps DecodeJSON failures to 413 or 400.
func WriteDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrBodyTooLarge) {
		WriteError(r.Context(), w, NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	WriteError(r.Context(), w, NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
}

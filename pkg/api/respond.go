package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/foundrymesh/foundry/pkg/types"
)

// errorBody is the wire shape for every error response.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError maps a domain error to its HTTP status and error body.
// Internal errors are logged server-side and sent as an opaque body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var derr *types.Error
	if !errors.As(err, &derr) {
		derr = types.NewInternal(err.Error())
	}

	status := statusForKind(derr.Kind)
	if status == http.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}

	body := errorBody{Error: derr.Message}
	if derr.Kind == types.KindValidation {
		body.Details = derr.Details
	}
	writeJSON(w, status, body)
}

func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindAuth:
		return http.StatusUnauthorized
	case types.KindForbidden, types.KindSecurity:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindValidation, types.KindStateConflict:
		return http.StatusBadRequest
	case types.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case types.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON request body into v. An empty body is allowed
// when v tolerates the zero value; malformed JSON is a validation error.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return types.NewValidation("malformed request body", err.Error())
	}
	return nil
}

// flexTime accepts either epoch milliseconds or an ISO-8601 string.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return err
		}
		t.Time = parsed.UTC()
		return nil
	}

	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

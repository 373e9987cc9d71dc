package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// decodeJSON reads the request body into v. On failure it writes the error
// response itself and returns false; the handler just returns.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}

	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		writeJSON(w, http.StatusRequestEntityTooLarge, apiError{
			ErrorKind: "invalid_input",
			Message:   fmt.Sprintf("request body exceeds %d bytes", mbe.Limit),
		})
		return false
	}

	writeJSON(w, http.StatusBadRequest, apiError{
		ErrorKind: "invalid_input",
		Message:   "malformed JSON body",
	})
	return false
}

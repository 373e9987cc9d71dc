package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	gateway "github.com/eugener/elrond/internal"
)

// allowedFileTypes is the upload allowlist. Blob handling is delegated to
// external storage; this endpoint only enforces the size and type gate.
var allowedFileTypes = map[string]struct{}{
	"text/plain":      {},
	"text/markdown":   {},
	"text/csv":        {},
	"application/pdf": {},
	"image/png":       {},
	"image/jpeg":      {},
}

type fileAcceptedResponse struct {
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// handleFileUpload validates an upload without persisting it. Oversized
// bodies hit the MaxBytesReader cap installed by middleware and surface
// as 413.
func (s *server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: missing or malformed Content-Type", gateway.ErrBadRequest))
		return
	}
	if _, ok := allowedFileTypes[mediaType]; !ok {
		writeError(w, r, fmt.Errorf("%w: file type %s not accepted", gateway.ErrBadRequest, mediaType))
		return
	}

	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, apiError{
				ErrorKind: "invalid_input",
				Message:   fmt.Sprintf("file exceeds %d bytes", mbe.Limit),
			})
			return
		}
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, fileAcceptedResponse{ContentType: mediaType, SizeBytes: n})
}

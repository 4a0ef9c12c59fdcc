package httpserver

import (
	"encoding/json"
	"net/http"

	syncderrors "github.com/teranos/syncd/errors"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeIngestError maps the Ingestor's error-kind taxonomy onto the HTTP
// status the webhook contract promises (§6, §7): unknown node_name is 404,
// a malformed payload is 400, and anything else (a StoreError surfaced out
// of Enqueue, for instance) is a server-side failure, not a client mistake.
func writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case syncderrors.Is(err, syncderrors.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
	case syncderrors.Is(err, syncderrors.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

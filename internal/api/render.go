package api

import (
	"encoding/json"
	"net/http"
)

// apiError is the error body for every non-2xx control response.
type apiError struct {
	Detail string `json:"detail"`
}

func renderJSON(w http.ResponseWriter, obj any, status int) {
	bytes, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		renderJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(bytes)
}

func renderJSONError(w http.ResponseWriter, detail string, status int) {
	w.Header().Set("Content-Type", "application/json")
	rsp, _ := json.Marshal(apiError{Detail: detail})
	w.WriteHeader(status)
	w.Write(rsp)
}

package utils

import (
	"encoding/json"
	"net/http"
)

// ErrorEnvelope is the stable error shape returned by every endpoint.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorEnvelope{Code: code, Message: message})
}

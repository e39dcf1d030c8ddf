package httpapi

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/internetfriends/accounts/internal/platform/errors"
)

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, Description: description})
}

// writeDomainError maps a typed domain error onto the HTTP surface.
func writeDomainError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	status := code.HTTPStatus()
	message := err.Error()
	if status == http.StatusInternalServerError {
		// Internal detail stays out of responses.
		message = "internal error"
	}
	writeJSONError(w, status, string(code), message)
}

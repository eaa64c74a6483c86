package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Mekazstan/relworx-payment-gateway/internal/gateway"
)

type ApiResponse struct {
	Success     bool                 `json:"success"`
	Message     string               `json:"message,omitempty"`
	Data        interface{}          `json:"data,omitempty"`
	Reference   string               `json:"reference,omitempty"`
	StatusToken string               `json:"status_token,omitempty"`
	Errors      []gateway.FieldError `json:"errors,omitempty"`
	Error       string               `json:"error,omitempty"`
}

func respondWithError(w http.ResponseWriter, code int, msg string) {
	respondWithJSON(w, code, ApiResponse{Success: false, Message: msg})
}

// respondWithGatewayError writes err using the status its kind maps to.
// Internal detail is only exposed when showDetail is set.
func respondWithGatewayError(w http.ResponseWriter, err error, showDetail bool) {
	code := gateway.HTTPStatus(err)

	var ge *gateway.Error
	if gateway.KindOf(err) == gateway.KindValidation && errors.As(err, &ge) {
		respondWithJSON(w, code, ApiResponse{Success: false, Errors: ge.Fields})
		return
	}

	if code >= 500 {
		slog.Error("Responding with 5XX error", "status", code, "error", err)

		resp := ApiResponse{Success: false, Message: "Internal server error"}
		if showDetail {
			resp.Error = err.Error()
		}
		respondWithJSON(w, code, resp)
		return
	}

	msg := http.StatusText(code)
	if errors.As(err, &ge) && ge.Message != "" {
		msg = ge.Message
	}
	respondWithError(w, code, msg)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Error marshalling JSON", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ApiResponse{
			Success: false,
			Message: "Failed to generate response",
		})
		return
	}

	w.WriteHeader(code)
	w.Write(data)
}

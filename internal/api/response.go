// Helper functions for sending standardized JSON responses.

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/vrsandeep/scm-server/internal/auth"
	"github.com/vrsandeep/scm-server/internal/plugincenter"
	"github.com/vrsandeep/scm-server/internal/plugins"
)

// RespondWithJSON writes a JSON response with the given status code and payload.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		// If marshaling fails, return an error response
		RespondWithError(w, http.StatusInternalServerError, "Failed to marshal response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// RespondWithError writes a standardized JSON error response.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, map[string]string{"error": message})
}

// RespondWithPluginError maps plugin lifecycle errors to status codes.
func RespondWithPluginError(w http.ResponseWriter, err error) {
	var (
		notFound   *plugins.NotFoundError
		coreErr    *plugins.CoreInstallationError
		installErr *plugins.InstallationError
		fetchErr   *plugincenter.FetchAccessTokenFailedError
	)

	switch {
	case errors.As(err, &notFound):
		RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &coreErr):
		RespondWithError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &installErr):
		RespondWithJSON(w, http.StatusBadGateway, map[string]string{
			"error":  err.Error(),
			"plugin": installErr.Plugin,
			"kind":   string(installErr.Kind),
		})
	case errors.As(err, &fetchErr):
		RespondWithError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, plugins.ErrExecutionInProgress), errors.Is(err, plugins.ErrOnboardingCompleted):
		RespondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrPermissionDenied):
		RespondWithError(w, http.StatusForbidden, err.Error())
	default:
		log.Printf("Unexpected plugin error: %v", err)
		RespondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

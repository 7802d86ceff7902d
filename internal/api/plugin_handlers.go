package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/vrsandeep/scm-server/internal/models"
	"github.com/vrsandeep/scm-server/internal/plugins"
)

type pluginSetsResponse struct {
	PluginSets []models.PluginSet `json:"pluginSets"`
	Installed  []string           `json:"installed"`
}

type installPluginSetsRequest struct {
	PluginSetIDs []string `json:"pluginSetIds"`
	Restart      bool     `json:"restart"`
}

// pluginManager returns the global manager or answers the request itself.
func pluginManager(w http.ResponseWriter) plugins.PluginManagerInterface {
	manager := plugins.GetGlobalManager()
	if manager == nil {
		RespondWithError(w, http.StatusInternalServerError, "Plugin manager not initialized")
	}
	return manager
}

// queryBool reads a boolean query parameter.
func queryBool(r *http.Request, name string, fallback bool) bool {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s *Server) handleListAvailablePlugins(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	available, err := manager.GetAvailable(r.Context())
	if err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, available)
}

func (s *Server) handleGetAvailablePlugin(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	plugin, err := manager.GetAvailablePlugin(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, plugin)
}

func (s *Server) handleListInstalledPlugins(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	installed, err := manager.GetInstalled(r.Context())
	if err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, installed)
}

func (s *Server) handleGetInstalledPlugin(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	plugin, err := manager.GetInstalledPlugin(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, plugin)
}

func (s *Server) handleListUpdatablePlugins(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	updatable, err := manager.GetUpdatable(r.Context())
	if err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, updatable)
}

func (s *Server) handleGetPendingPlugins(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	pending, err := manager.GetPending(r.Context())
	if err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, pending)
}

// handleInstallPlugin marks a plugin for installation. With ?restart=true
// the pending changes are executed right away.
func (s *Server) handleInstallPlugin(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	name := chi.URLParam(r, "name")
	if err := manager.Install(r.Context(), name, queryBool(r, "dependencies", true)); err != nil {
		RespondWithPluginError(w, err)
		return
	}
	if queryBool(r, "restart", false) {
		if err := manager.ExecutePendingAndRestart(r.Context()); err != nil {
			RespondWithPluginError(w, err)
			return
		}
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Plugin " + name + " marked for installation",
	})
}

func (s *Server) handleUninstallPlugin(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	name := chi.URLParam(r, "name")
	if err := manager.Uninstall(r.Context(), name); err != nil {
		RespondWithPluginError(w, err)
		return
	}
	if queryBool(r, "restart", false) {
		if err := manager.ExecutePendingAndRestart(r.Context()); err != nil {
			RespondWithPluginError(w, err)
			return
		}
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Plugin " + name + " marked for uninstall",
	})
}

func (s *Server) handleUpdateAllPlugins(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	if err := manager.UpdateAll(r.Context()); err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"message": "Updatable plugins marked for update"})
}

func (s *Server) handleExecutePendingPlugins(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	if err := manager.ExecutePendingAndRestart(r.Context()); err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"message": "Pending plugin changes executed"})
}

func (s *Server) handleCancelPendingPlugins(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	if err := manager.CancelPending(r.Context()); err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"message": "Pending plugin changes cancelled"})
}

func (s *Server) handleListPluginSets(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	sets, err := manager.GetPluginSets(r.Context())
	if err != nil {
		RespondWithPluginError(w, err)
		return
	}
	installed, err := manager.GetInstalledPluginSets(r.Context())
	if err != nil {
		RespondWithPluginError(w, err)
		return
	}
	if installed == nil {
		installed = []string{}
	}
	RespondWithJSON(w, http.StatusOK, pluginSetsResponse{PluginSets: sets, Installed: installed})
}

func decodePluginSetsRequest(w http.ResponseWriter, r *http.Request) (*installPluginSetsRequest, bool) {
	var payload installPluginSetsRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return nil, false
	}
	if len(payload.PluginSetIDs) == 0 {
		RespondWithError(w, http.StatusBadRequest, "No plugin sets selected")
		return nil, false
	}
	return &payload, true
}

func (s *Server) handleInstallPluginSets(w http.ResponseWriter, r *http.Request) {
	manager := pluginManager(w)
	if manager == nil {
		return
	}
	payload, ok := decodePluginSetsRequest(w, r)
	if !ok {
		return
	}
	if err := manager.InstallPluginSets(r.Context(), payload.PluginSetIDs, payload.Restart); err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"message": "Plugin sets installed"})
}

// handleGetOnboarding tells first-run setup whether plugin sets still have
// to be chosen.
func (s *Server) handleGetOnboarding(w http.ResponseWriter, r *http.Request) {
	if s.onboarding == nil {
		RespondWithJSON(w, http.StatusOK, map[string]bool{"required": false})
		return
	}
	required, err := s.onboarding.IsRequired()
	if err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]bool{"required": required})
}

const startupTokenHeader = "X-Startup-Token"

func (s *Server) handleOnboardingInstall(w http.ResponseWriter, r *http.Request) {
	if s.onboarding == nil {
		RespondWithError(w, http.StatusNotFound, "Onboarding is not available")
		return
	}
	token := r.Header.Get(startupTokenHeader)
	if s.startupToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.startupToken)) != 1 {
		RespondWithError(w, http.StatusUnauthorized, "Unauthorized: Invalid startup token")
		return
	}
	payload, ok := decodePluginSetsRequest(w, r)
	if !ok {
		return
	}
	if err := s.onboarding.InstallPluginSets(r.Context(), payload.PluginSetIDs, payload.Restart); err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"message": "Plugin sets installed"})
}

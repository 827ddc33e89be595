// Package api provides HTTP handlers for ChatLoop campaign endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chatloop/chatloop/internal/flow"
	"github.com/chatloop/chatloop/internal/models"
	"github.com/chatloop/chatloop/internal/store"
	"github.com/chatloop/chatloop/internal/util"
)

// campaignsHandler handles collection-level campaign operations
// (GET /campaigns, POST /campaigns).
func (s *Server) campaignsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.campaignsHandler: processing request", "method", r.Method, "path", r.URL.Path)

	switch r.Method {
	case http.MethodGet:
		s.listCampaignsHandler(w, r)
	case http.MethodPost:
		s.upsertCampaignHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		slog.Warn("Server.campaignsHandler: method not allowed", "method", r.Method)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

func (s *Server) listCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.st.ListCampaigns()
	if err != nil {
		slog.Error("Server.listCampaignsHandler: failed to list campaigns", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch campaigns"))
		return
	}
	slog.Debug("Server.listCampaignsHandler: campaigns fetched", "count", len(campaigns))
	writeJSONResponse(w, http.StatusOK, models.Success(campaigns))
}

func (s *Server) upsertCampaignHandler(w http.ResponseWriter, r *http.Request) {
	var c models.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		slog.Warn("Server.upsertCampaignHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	// Default new campaigns to draft so they cannot launch sessions before
	// their graph is uploaded.
	if c.Status == "" {
		c.Status = models.CampaignStatusDraft
	}
	if err := c.Validate(); err != nil {
		slog.Warn("Server.upsertCampaignHandler: validation failed", "error", err, "campaign", c.Name)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	created := c.ID == ""
	if created {
		c.ID = util.GenerateCampaignID()
	}
	if err := s.st.SaveCampaign(c); err != nil {
		slog.Error("Server.upsertCampaignHandler: failed to save campaign", "error", err, "campaignID", c.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save campaign"))
		return
	}
	s.engine.Graphs().Invalidate(c.ID)

	status := http.StatusOK
	message := "Campaign updated successfully"
	if created {
		status = http.StatusCreated
		message = "Campaign created successfully"
	}
	slog.Info("Server.upsertCampaignHandler: campaign saved", "campaignID", c.ID, "created", created)
	writeJSONResponse(w, status, models.SuccessWithMessage(message, map[string]string{"id": c.ID}))
}

// campaignHandler routes item-level campaign operations:
//
//	GET /campaigns/{id}
//	GET /campaigns/{id}/nodes
//	PUT /campaigns/{id}/nodes
//	GET /campaigns/{id}/sessions
func (s *Server) campaignHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.campaignHandler: processing request", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/campaigns/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign ID required"))
		return
	}
	campaignID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		s.getCampaignHandler(w, r, campaignID)
		return
	}

	switch segments[1] {
	case "nodes":
		switch r.Method {
		case http.MethodGet:
			s.getFlowNodesHandler(w, r, campaignID)
		case http.MethodPut:
			s.saveFlowNodesHandler(w, r, campaignID)
		default:
			w.Header().Set("Allow", "GET, PUT")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
	case "sessions":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		s.listSessionsHandler(w, r, campaignID)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown campaign endpoint"))
	}
}

func (s *Server) getCampaignHandler(w http.ResponseWriter, r *http.Request, campaignID string) {
	c, err := s.st.GetCampaign(campaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
			return
		}
		slog.Error("Server.getCampaignHandler: failed to fetch campaign", "error", err, "campaignID", campaignID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch campaign"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

func (s *Server) getFlowNodesHandler(w http.ResponseWriter, r *http.Request, campaignID string) {
	nodes, err := s.st.GetFlowNodes(campaignID)
	if err != nil {
		slog.Error("Server.getFlowNodesHandler: failed to fetch nodes", "error", err, "campaignID", campaignID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch flow nodes"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nodes))
}

// saveFlowNodesHandler replaces a campaign's flow graph (PUT /campaigns/{id}/nodes).
// The uploaded graph is validated before it is persisted so a broken upload
// never reaches live traffic; persisting bumps the campaign flow version and
// invalidates the engine's cached graph.
func (s *Server) saveFlowNodesHandler(w http.ResponseWriter, r *http.Request, campaignID string) {
	campaign, err := s.st.GetCampaign(campaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
			return
		}
		slog.Error("Server.saveFlowNodesHandler: failed to fetch campaign", "error", err, "campaignID", campaignID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch campaign"))
		return
	}

	var nodes []models.Node
	if err := json.NewDecoder(r.Body).Decode(&nodes); err != nil {
		slog.Warn("Server.saveFlowNodesHandler: failed to decode JSON", "error", err, "campaignID", campaignID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	for i := range nodes {
		nodes[i].CampaignID = campaignID
	}

	if _, err := flow.BuildGraph(campaign, nodes); err != nil {
		var cfgErr *flow.ConfigError
		if errors.As(err, &cfgErr) {
			slog.Warn("Server.saveFlowNodesHandler: graph validation failed", "campaignID", campaignID, "nodeKey", cfgErr.Key, "reason", cfgErr.Reason)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.saveFlowNodesHandler: graph build failed", "error", err, "campaignID", campaignID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to validate flow graph"))
		return
	}

	if err := s.st.SaveFlowNodes(campaignID, nodes); err != nil {
		slog.Error("Server.saveFlowNodesHandler: failed to save nodes", "error", err, "campaignID", campaignID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow nodes"))
		return
	}
	s.engine.Graphs().Invalidate(campaignID)

	slog.Info("Server.saveFlowNodesHandler: flow graph replaced", "campaignID", campaignID, "nodes", len(nodes))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow nodes saved successfully", map[string]int{"nodes": len(nodes)}))
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request, campaignID string) {
	sessions, err := s.st.ListSessions(campaignID)
	if err != nil {
		slog.Error("Server.listSessionsHandler: failed to list sessions", "error", err, "campaignID", campaignID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch sessions"))
		return
	}
	slog.Debug("Server.listSessionsHandler: sessions fetched", "campaignID", campaignID, "count", len(sessions))
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status": "healthy",
	}

	campaigns, err := s.st.ListCampaigns()
	if err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach store"
	} else {
		healthData["campaigns"] = len(campaigns)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

// Package testutil provides common test utilities and helpers for ChatLoop tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chatloop/chatloop/internal/api"
	"github.com/chatloop/chatloop/internal/flow"
	"github.com/chatloop/chatloop/internal/messaging"
	"github.com/chatloop/chatloop/internal/models"
	"github.com/chatloop/chatloop/internal/store"
	"github.com/chatloop/chatloop/internal/whatsapp"
)

// DiscardLogger returns a logger that drops all records.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestEngine creates a flow engine backed by a fresh in-memory store.
func NewTestEngine() (*flow.Engine, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	logger := DiscardLogger()
	renderer := flow.NewRenderer(nil, logger)
	composer := flow.NewFallbackComposer(st, flow.DefaultFallbackTexts(), logger)
	engine := flow.NewEngine(st, st, renderer, composer, logger, flow.WithLockWait(200*time.Millisecond))
	return engine, st
}

// NewTestServer creates a test API server with in-memory dependencies.
// This centralizes the test server creation logic used across multiple test files.
func NewTestServer() (*api.Server, *store.InMemoryStore) {
	engine, st := NewTestEngine()
	msgService := messaging.NewWhatsAppService(whatsapp.NewMockClient())
	return api.NewServer(msgService, st, engine), st
}

// SeedCampaign installs a minimal active campaign with a valid flow graph.
func SeedCampaign(t *testing.T, st store.Store, campaignID, keyword string) *models.Campaign {
	t.Helper()
	camp := models.Campaign{
		ID:                campaignID,
		Name:              "Test " + campaignID,
		Status:            models.CampaignStatusActive,
		Keywords:          []string{keyword},
		EntryKey:          "start",
		GlobalFallbackKey: "gf",
	}
	if err := st.SaveCampaign(camp); err != nil {
		t.Fatalf("failed to seed campaign: %v", err)
	}
	nodes := []models.Node{
		{Key: "start", Kind: models.NodeKindMessage, Body: "Hello!", AllowedInputs: []string{"DONE"},
			BranchRules: []models.BranchRule{{MatchToken: "DONE", NextKey: "end"}}},
		{Key: "end", Kind: models.NodeKindEnd, Body: "Bye!"},
		{Key: "gf", Kind: models.NodeKindFallback, Body: "Sorry?"},
	}
	if err := st.SaveFlowNodes(camp.ID, nodes); err != nil {
		t.Fatalf("failed to seed flow nodes: %v", err)
	}
	fresh, err := st.GetCampaign(camp.ID)
	if err != nil {
		t.Fatalf("failed to reload seeded campaign: %v", err)
	}
	return fresh
}

// TextEvent builds an inbound free-text event with a unique provider id.
func TextEvent(contact, providerMessageID, text string) models.InboundEvent {
	return models.InboundEvent{
		ContactPhone:      contact,
		ProviderMessageID: providerMessageID,
		Kind:              models.InboundKindText,
		Text:              text,
		ReceivedAt:        time.Now(),
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

package testutil

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/chatloop/chatloop/internal/models"
)

func TestNewTestEngineRunsSeededFlow(t *testing.T) {
	engine, st := NewTestEngine()
	SeedCampaign(t, st, "c_test", "GO")

	res, err := engine.HandleInbound(context.Background(), TextEvent("+15551234567", "wamid.tu-1", "go"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Checkpoint != "start" {
		t.Errorf("checkpoint = %v, want start", res.Checkpoint)
	}
	if res.Status != models.SessionStatusActive {
		t.Errorf("status = %v, want ACTIVE", res.Status)
	}
}

func TestNewTestServerServesHealth(t *testing.T) {
	server, _ := NewTestServer()

	req := CreateHTTPRequest(t, "GET", "/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	AssertHTTPStatus(t, 200, rr.Code, "health endpoint")
}

func TestMustMarshalRoundTrip(t *testing.T) {
	in := models.Button{ID: "yes", Label: "Yes"}
	data := MustMarshalJSON(t, in)

	var out models.Button
	MustUnmarshalJSON(t, data, &out)
	if out != in {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}

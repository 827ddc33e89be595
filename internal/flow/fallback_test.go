package flow

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/chatloop/chatloop/internal/models"
	"github.com/chatloop/chatloop/internal/store"
)

func newTestComposer(t *testing.T, texts FallbackTexts) (*FallbackComposer, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFallbackComposer(st, texts, logger), st
}

func TestComposeUsesCampaignFallbackBody(t *testing.T) {
	comp, st := newTestComposer(t, DefaultFallbackTexts())
	camp := testCampaign()
	if err := st.SaveCampaign(*camp); err != nil {
		t.Fatal(err)
	}
	g, err := BuildGraph(camp, validNodes())
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	msgs, err := comp.Compose(context.Background(), testContact, g)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if msgs[0].Body != "huh" {
		t.Errorf("main body = %q, want campaign fallback node body", msgs[0].Body)
	}
	if msgs[0].To != testContact {
		t.Errorf("to = %q, want %q", msgs[0].To, testContact)
	}
}

func TestComposeDefaultBodyWithoutGraph(t *testing.T) {
	comp, _ := newTestComposer(t, DefaultFallbackTexts())
	msgs, err := comp.Compose(context.Background(), testContact, nil)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if msgs[0].Body != DefaultFallbackTexts().Body {
		t.Errorf("main body = %q, want default", msgs[0].Body)
	}
	if len(msgs) != 2 || !strings.Contains(msgs[1].Body, DefaultFallbackTexts().Hint) {
		t.Errorf("extras = %+v, want hint message", msgs)
	}
}

func TestComposeFailsWithoutAnyBody(t *testing.T) {
	comp, _ := newTestComposer(t, FallbackTexts{})
	if _, err := comp.Compose(context.Background(), testContact, nil); err == nil {
		t.Error("Compose() error = nil, want error when no fallback body exists")
	}
}

func TestComposeAlwaysIncludesStartOver(t *testing.T) {
	comp, _ := newTestComposer(t, DefaultFallbackTexts())

	msgs, err := comp.Compose(context.Background(), testContact, nil)
	if err != nil {
		t.Fatal(err)
	}
	startOver := DefaultFallbackTexts().StartOver
	if !strings.Contains(msgs[len(msgs)-1].Body, startOver) {
		t.Errorf("extras = %q, want start-over affordance", msgs[len(msgs)-1].Body)
	}
}

func TestRejoinReplyPerStatus(t *testing.T) {
	comp, _ := newTestComposer(t, DefaultFallbackTexts())
	tests := []struct {
		status models.SessionStatus
		want   string
	}{
		{models.SessionStatusCompleted, DefaultFallbackTexts().CompletedReply},
		{models.SessionStatusExpired, DefaultFallbackTexts().ExpiredReply},
		{models.SessionStatusActive, ""},
		{models.SessionStatusCancelled, ""},
	}
	for _, tt := range tests {
		if got := comp.RejoinReply(tt.status); got != tt.want {
			t.Errorf("RejoinReply(%s) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestMenuListsOnlyLaunchableCampaigns(t *testing.T) {
	comp, st := newTestComposer(t, DefaultFallbackTexts())
	campaigns := []models.Campaign{
		{ID: "c1", Name: "Live", Status: models.CampaignStatusActive, Keywords: []string{"LIVE"}, EntryKey: "e", GlobalFallbackKey: "e"},
		{ID: "c2", Name: "Draft", Status: models.CampaignStatusDraft, Keywords: []string{"DRAFT"}, EntryKey: "e", GlobalFallbackKey: "e"},
		{ID: "c3", Name: "Paused", Status: models.CampaignStatusPaused, Keywords: []string{"HOLD"}, EntryKey: "e", GlobalFallbackKey: "e"},
	}
	for _, c := range campaigns {
		if err := st.SaveCampaign(c); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := comp.Menu(context.Background(), testContact)
	if err != nil {
		t.Fatalf("Menu() error = %v", err)
	}
	body := msgs[0].Body
	if !strings.Contains(body, "LIVE") {
		t.Errorf("menu missing launchable campaign: %q", body)
	}
	if strings.Contains(body, "DRAFT") || strings.Contains(body, "HOLD") {
		t.Errorf("menu lists non-launchable campaigns: %q", body)
	}
}

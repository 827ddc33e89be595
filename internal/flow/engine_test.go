package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/chatloop/chatloop/internal/models"
	"github.com/chatloop/chatloop/internal/store"
)

const testContact = "+15551230001"

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	renderer := NewRenderer(nil, logger)
	composer := NewFallbackComposer(st, DefaultFallbackTexts(), logger)
	opts = append([]EngineOption{WithLockWait(200 * time.Millisecond)}, opts...)
	return NewEngine(st, st, renderer, composer, logger, opts...), st
}

// seedOnboarding installs the test campaign:
//
//	welcome -(YES)-> ask_name (free-form)   -(NO)-> bye (end)
//	        -(MAYBE)-> info
//	gf is the campaign global fallback node.
func seedOnboarding(t *testing.T, st *store.InMemoryStore) *models.Campaign {
	t.Helper()
	camp := models.Campaign{
		ID:                "c_onboard",
		Name:              "Onboarding",
		Status:            models.CampaignStatusActive,
		Keywords:          []string{"JOIN"},
		EntryKey:          "welcome",
		GlobalFallbackKey: "gf",
	}
	if err := st.SaveCampaign(camp); err != nil {
		t.Fatalf("SaveCampaign() error = %v", err)
	}
	nodes := []models.Node{
		{
			Key:           "welcome",
			Kind:          models.NodeKindMessage,
			Body:          "Welcome {{contact}}! Interested?",
			AllowedInputs: []string{"YES", "NO", "MAYBE"},
			BranchRules: []models.BranchRule{
				{MatchToken: "YES", NextKey: "ask_name"},
				{MatchToken: "NO", NextKey: "bye"},
				{MatchToken: "MAYBE", NextKey: "info"},
			},
		},
		{Key: "ask_name", Kind: models.NodeKindMessage, Body: "What's your name?"},
		{Key: "info", Kind: models.NodeKindMessage, Body: "Here's more info.", AllowedInputs: []string{"YES", "NO"},
			BranchRules: []models.BranchRule{{MatchToken: "YES", NextKey: "ask_name"}, {MatchToken: "NO", NextKey: "bye"}}},
		{Key: "bye", Kind: models.NodeKindEnd, Body: "Thanks, goodbye!"},
		{Key: "gf", Kind: models.NodeKindFallback, Body: "Sorry, I didn't get that."},
	}
	if err := st.SaveFlowNodes(camp.ID, nodes); err != nil {
		t.Fatalf("SaveFlowNodes() error = %v", err)
	}
	fresh, err := st.GetCampaign(camp.ID)
	if err != nil {
		t.Fatalf("GetCampaign() error = %v", err)
	}
	return fresh
}

var msgSeq int

func textEvent(contact, text string) models.InboundEvent {
	msgSeq++
	return models.InboundEvent{
		ContactPhone:      contact,
		ProviderMessageID: "wamid." + strings.ReplaceAll(text, " ", "_") + "-" + time.Now().Format("150405.000000") + "-" + string(rune('a'+msgSeq%26)),
		Kind:              models.InboundKindText,
		Text:              text,
		ReceivedAt:        time.Now(),
	}
}

func buttonEvent(contact, replyID string) models.InboundEvent {
	evt := textEvent(contact, replyID)
	evt.Kind = models.InboundKindButton
	evt.Text = ""
	evt.ReplyID = replyID
	return evt
}

func TestHandleInboundStartsSessionOnKeyword(t *testing.T) {
	eng, st := newTestEngine(t)
	seedOnboarding(t, st)

	res, err := eng.HandleInbound(context.Background(), textEvent(testContact, "join"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Outcome != models.OutcomeBranch {
		t.Errorf("outcome = %v, want %v", res.Outcome, models.OutcomeBranch)
	}
	if res.Checkpoint != "welcome" {
		t.Errorf("checkpoint = %v, want welcome", res.Checkpoint)
	}
	if res.Status != models.SessionStatusActive {
		t.Errorf("status = %v, want ACTIVE", res.Status)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(res.Messages))
	}
	if want := "Welcome " + testContact + "! Interested?"; res.Messages[0].Body != want {
		t.Errorf("body = %q, want %q", res.Messages[0].Body, want)
	}

	sess, err := st.FindActiveSession(testContact)
	if err != nil || sess == nil {
		t.Fatalf("FindActiveSession() = %v, %v", sess, err)
	}
	log, err := st.GetTransitionLog(sess.ID)
	if err != nil {
		t.Fatalf("GetTransitionLog() error = %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("log entries = %d, want 1", len(log))
	}
	if log[0].FromCheckpoint != "" || log[0].NextCheckpoint != "welcome" || log[0].ObservedInput != "JOIN" {
		t.Errorf("log entry = %+v", log[0])
	}
}

func TestHandleInboundNonKeywordWithoutSession(t *testing.T) {
	eng, st := newTestEngine(t)
	seedOnboarding(t, st)

	res, err := eng.HandleInbound(context.Background(), textEvent(testContact, "hello there"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Outcome != models.OutcomeFallbackGlobal {
		t.Errorf("outcome = %v, want %v", res.Outcome, models.OutcomeFallbackGlobal)
	}
	if res.SessionID != "" {
		t.Errorf("sessionID = %q, want empty", res.SessionID)
	}
	if len(res.Messages) == 0 {
		t.Fatal("expected fallback messages")
	}
	// The menu extra advertises the launchable campaign.
	joined := ""
	for _, m := range res.Messages {
		joined += m.Body + "\n"
	}
	if !strings.Contains(joined, "JOIN") {
		t.Errorf("fallback bundle does not advertise campaign keyword: %q", joined)
	}

	if sess, _ := st.FindActiveSession(testContact); sess != nil {
		t.Errorf("unexpected session created: %+v", sess)
	}
}

func TestHandleInboundBranchTransition(t *testing.T) {
	eng, st := newTestEngine(t)
	seedOnboarding(t, st)
	ctx := context.Background()

	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "JOIN")); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := eng.HandleInbound(ctx, textEvent(testContact, "  yes "))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Outcome != models.OutcomeBranch {
		t.Errorf("outcome = %v, want branch", res.Outcome)
	}
	if res.Checkpoint != "ask_name" {
		t.Errorf("checkpoint = %v, want ask_name", res.Checkpoint)
	}
	if len(res.Messages) != 1 || res.Messages[0].Body != "What's your name?" {
		t.Errorf("messages = %+v", res.Messages)
	}

	sess, _ := st.FindActiveSession(testContact)
	if sess.Data["welcome"] != "YES" {
		t.Errorf("captured data = %v, want welcome=YES", sess.Data)
	}
}

func TestBranchFirstMatchWins(t *testing.T) {
	eng, st := newTestEngine(t)
	camp := models.Campaign{
		ID: "c_dup", Name: "Dup", Status: models.CampaignStatusActive,
		Keywords: []string{"DUP"}, EntryKey: "q", GlobalFallbackKey: "gf",
	}
	if err := st.SaveCampaign(camp); err != nil {
		t.Fatal(err)
	}
	nodes := []models.Node{
		{Key: "q", Kind: models.NodeKindMessage, Body: "Pick", BranchRules: []models.BranchRule{
			{MatchToken: "GO", NextKey: "first"},
			{MatchToken: "GO", NextKey: "second"},
		}},
		{Key: "first", Kind: models.NodeKindMessage, Body: "first"},
		{Key: "second", Kind: models.NodeKindMessage, Body: "second"},
		{Key: "gf", Kind: models.NodeKindFallback, Body: "eh"},
	}
	if err := st.SaveFlowNodes(camp.ID, nodes); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "dup")); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := eng.HandleInbound(ctx, textEvent(testContact, "go"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Checkpoint != "first" {
		t.Errorf("checkpoint = %v, want first (declaration order wins)", res.Checkpoint)
	}
}

func TestDisallowedInputFallsBackGlobally(t *testing.T) {
	eng, st := newTestEngine(t)
	seedOnboarding(t, st)
	ctx := context.Background()

	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "join")); err != nil {
		t.Fatalf("start: %v", err)
	}
	before, _ := st.FindActiveSession(testContact)

	res, err := eng.HandleInbound(ctx, textEvent(testContact, "purple"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Outcome != models.OutcomeFallbackGlobal {
		t.Errorf("outcome = %v, want fallback-global", res.Outcome)
	}
	if res.Checkpoint != "welcome" {
		t.Errorf("checkpoint = %v, want unchanged welcome", res.Checkpoint)
	}
	if len(res.Messages) == 0 || res.Messages[0].Body != "Sorry, I didn't get that." {
		t.Errorf("messages = %+v, want campaign fallback body first", res.Messages)
	}

	after, _ := st.FindActiveSession(testContact)
	if after.Checkpoint != before.Checkpoint {
		t.Errorf("checkpoint moved: %v -> %v", before.Checkpoint, after.Checkpoint)
	}
	if after.Version <= before.Version {
		t.Errorf("version not bumped on activity refresh: %d -> %d", before.Version, after.Version)
	}
}

func TestDisallowedInputUsesNodeFallbackFirst(t *testing.T) {
	eng, st := newTestEngine(t)
	camp := models.Campaign{
		ID: "c_nf", Name: "NodeFallback", Status: models.CampaignStatusActive,
		Keywords: []string{"GO"}, EntryKey: "q", GlobalFallbackKey: "gf",
	}
	if err := st.SaveCampaign(camp); err != nil {
		t.Fatal(err)
	}
	nodes := []models.Node{
		{Key: "q", Kind: models.NodeKindMessage, Body: "Yes or no?", AllowedInputs: []string{"YES", "NO"},
			BranchRules:     []models.BranchRule{{MatchToken: "YES", NextKey: "done"}, {MatchToken: "NO", NextKey: "done"}},
			NodeFallbackKey: "clarify"},
		{Key: "clarify", Kind: models.NodeKindMessage, Body: "Please answer YES or NO.", AllowedInputs: []string{"YES", "NO"},
			BranchRules: []models.BranchRule{{MatchToken: "YES", NextKey: "done"}, {MatchToken: "NO", NextKey: "done"}}},
		{Key: "done", Kind: models.NodeKindEnd, Body: "Done."},
		{Key: "gf", Kind: models.NodeKindFallback, Body: "Global."},
	}
	if err := st.SaveFlowNodes(camp.ID, nodes); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "go")); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := eng.HandleInbound(ctx, textEvent(testContact, "whatever"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Outcome != models.OutcomeFallbackNode {
		t.Errorf("outcome = %v, want fallback-node", res.Outcome)
	}
	if res.Checkpoint != "clarify" {
		t.Errorf("checkpoint = %v, want clarify", res.Checkpoint)
	}
}

func TestFreeFormNodeIsNoOp(t *testing.T) {
	eng, st := newTestEngine(t)
	seedOnboarding(t, st)
	ctx := context.Background()

	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "join")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "yes")); err != nil {
		t.Fatalf("branch: %v", err)
	}

	res, err := eng.HandleInbound(ctx, textEvent(testContact, "Alice"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Outcome != models.OutcomeNoOp {
		t.Errorf("outcome = %v, want no-op", res.Outcome)
	}
	if res.Checkpoint != "ask_name" {
		t.Errorf("checkpoint = %v, want unchanged ask_name", res.Checkpoint)
	}
	if len(res.Messages) != 0 {
		t.Errorf("messages = %+v, want none", res.Messages)
	}
	sess, _ := st.FindActiveSession(testContact)
	if sess.Data["ask_name"] != "ALICE" {
		t.Errorf("captured data = %v, want ask_name=ALICE", sess.Data)
	}
}

func TestEndNodeCompletesSessionAndBlocksRejoin(t *testing.T) {
	eng, st := newTestEngine(t)
	seedOnboarding(t, st)
	ctx := context.Background()

	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "join")); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := eng.HandleInbound(ctx, textEvent(testContact, "no"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Outcome != models.OutcomeEnd {
		t.Errorf("outcome = %v, want end", res.Outcome)
	}
	if res.Status != models.SessionStatusCompleted {
		t.Errorf("status = %v, want COMPLETED", res.Status)
	}
	if len(res.Messages) != 1 || res.Messages[0].Body != "Thanks, goodbye!" {
		t.Errorf("messages = %+v", res.Messages)
	}

	// The COMPLETED session still occupies the contact/campaign pair: the
	// keyword gets a refusal, not a new session.
	res, err = eng.HandleInbound(ctx, textEvent(testContact, "join"))
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.Outcome != models.OutcomeNoOp {
		t.Errorf("rejoin outcome = %v, want no-op", res.Outcome)
	}
	if res.Status != models.SessionStatusCompleted {
		t.Errorf("rejoin status = %v, want COMPLETED", res.Status)
	}
	if len(res.Messages) != 1 || res.Messages[0].Body != DefaultFallbackTexts().CompletedReply {
		t.Errorf("rejoin messages = %+v, want completed refusal", res.Messages)
	}
	if res.SessionID != "" {
		t.Errorf("rejoin created session %q", res.SessionID)
	}
}

func TestExpiredSessionStaysExpired(t *testing.T) {
	eng, st := newTestEngine(t)
	seedOnboarding(t, st)
	ctx := context.Background()

	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "join")); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess, _ := st.FindActiveSession(testContact)
	if _, err := st.CommitTransition(sess.ID, sess.Version, store.SessionCommit{
		Checkpoint: sess.Checkpoint, Status: models.SessionStatusExpired, Data: sess.Data,
	}); err != nil {
		t.Fatalf("expiring: %v", err)
	}

	res, err := eng.HandleInbound(ctx, textEvent(testContact, "hi"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Outcome != models.OutcomeFallbackGlobal {
		t.Errorf("outcome = %v, want fallback-global", res.Outcome)
	}

	got, _ := st.GetSession(sess.ID)
	if got.Status != models.SessionStatusExpired {
		t.Errorf("status = %v, want still EXPIRED", got.Status)
	}

	// Re-sending the keyword does not revive the session either; the contact
	// gets the expired refusal instead.
	res, err = eng.HandleInbound(ctx, textEvent(testContact, "join"))
	if err != nil {
		t.Fatalf("re-keyword: %v", err)
	}
	if res.Outcome != models.OutcomeNoOp {
		t.Errorf("re-keyword outcome = %v, want no-op", res.Outcome)
	}
	if len(res.Messages) != 1 || res.Messages[0].Body != DefaultFallbackTexts().ExpiredReply {
		t.Errorf("re-keyword messages = %+v, want expired refusal", res.Messages)
	}
}

func TestDuplicateDeliveryReplaysCachedReply(t *testing.T) {
	eng, st := newTestEngine(t)
	seedOnboarding(t, st)
	ctx := context.Background()

	evt := textEvent(testContact, "join")
	first, err := eng.HandleInbound(ctx, evt)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := eng.HandleInbound(ctx, evt)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !second.Duplicate {
		t.Error("second delivery not flagged duplicate")
	}
	if second.SessionID != first.SessionID || second.Checkpoint != first.Checkpoint {
		t.Errorf("replayed result differs: %+v vs %+v", second, first)
	}
	if len(second.Messages) != len(first.Messages) || second.Messages[0].Body != first.Messages[0].Body {
		t.Errorf("replayed messages differ: %+v vs %+v", second.Messages, first.Messages)
	}

	log, _ := st.GetTransitionLog(first.SessionID)
	if len(log) != 1 {
		t.Errorf("log entries = %d, want 1 (no entry for the duplicate)", len(log))
	}
}

func TestButtonInputs(t *testing.T) {
	eng, st := newTestEngine(t)
	camp := models.Campaign{
		ID: "c_btn", Name: "Buttons", Status: models.CampaignStatusActive,
		Keywords: []string{"PICK"}, EntryKey: "choose", GlobalFallbackKey: "gf",
	}
	if err := st.SaveCampaign(camp); err != nil {
		t.Fatal(err)
	}
	nodes := []models.Node{
		{Key: "choose", Kind: models.NodeKindMessage, Body: "Choose one:",
			AllowedInputs: []string{"opt_red", "opt_blue"}, ButtonInputs: true,
			BranchRules: []models.BranchRule{{MatchToken: "opt_red", NextKey: "red"}, {MatchToken: "opt_blue", NextKey: "blue"}}},
		{Key: "red", Kind: models.NodeKindEnd, Body: "Red it is."},
		{Key: "blue", Kind: models.NodeKindEnd, Body: "Blue it is."},
		{Key: "gf", Kind: models.NodeKindFallback, Body: "Tap one of the buttons."},
	}
	if err := st.SaveFlowNodes(camp.ID, nodes); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res, err := eng.HandleInbound(ctx, textEvent(testContact, "pick"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(res.Messages) != 1 || len(res.Messages[0].Buttons) != 2 {
		t.Fatalf("messages = %+v, want 1 message with 2 buttons", res.Messages)
	}
	sess, _ := st.FindActiveSession(testContact)
	if sess.AwaitingButtonFor == nil || *sess.AwaitingButtonFor != "choose" {
		t.Errorf("AwaitingButtonFor = %v, want choose", sess.AwaitingButtonFor)
	}

	// Typed text does not match opaque button ids, even with the same letters.
	res, err = eng.HandleInbound(ctx, textEvent(testContact, "opt_red"))
	if err != nil {
		t.Fatalf("typed: %v", err)
	}
	if res.Outcome != models.OutcomeFallbackGlobal {
		t.Errorf("typed outcome = %v, want fallback-global", res.Outcome)
	}

	res, err = eng.HandleInbound(ctx, buttonEvent(testContact, "opt_red"))
	if err != nil {
		t.Fatalf("button: %v", err)
	}
	if res.Outcome != models.OutcomeEnd || res.Checkpoint != "red" {
		t.Errorf("button result = %+v, want end at red", res)
	}
}

func TestDecisionAndJumpAutoAdvance(t *testing.T) {
	eng, st := newTestEngine(t)
	camp := models.Campaign{
		ID: "c_dec", Name: "Decision", Status: models.CampaignStatusActive,
		Keywords: []string{"QUIZ"}, EntryKey: "q", GlobalFallbackKey: "gf",
	}
	if err := st.SaveCampaign(camp); err != nil {
		t.Fatal(err)
	}
	nodes := []models.Node{
		{Key: "q", Kind: models.NodeKindMessage, Body: "Ready?", AllowedInputs: []string{"YES", "NO"},
			BranchRules: []models.BranchRule{{MatchToken: "YES", NextKey: "route"}, {MatchToken: "NO", NextKey: "route"}}},
		{Key: "route", Kind: models.NodeKindDecision,
			DecisionRules: []models.DecisionRule{{Field: "q", Op: models.PredicateOpEquals, Value: "YES", NextKey: "hop"}},
			ElseKey:       "later"},
		{Key: "hop", Kind: models.NodeKindJump, NextKey: "go"},
		{Key: "go", Kind: models.NodeKindEnd, Body: "Let's go."},
		{Key: "later", Kind: models.NodeKindEnd, Body: "Maybe later."},
		{Key: "gf", Kind: models.NodeKindFallback, Body: "Hm."},
	}
	if err := st.SaveFlowNodes(camp.ID, nodes); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "quiz")); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := eng.HandleInbound(ctx, textEvent(testContact, "yes"))
	if err != nil {
		t.Fatalf("yes: %v", err)
	}
	if res.Checkpoint != "go" || res.Outcome != models.OutcomeEnd {
		t.Errorf("yes path = %+v, want end at go", res)
	}

	other := "+15551230002"
	if _, err := eng.HandleInbound(ctx, textEvent(other, "quiz")); err != nil {
		t.Fatalf("start other: %v", err)
	}
	res, err = eng.HandleInbound(ctx, textEvent(other, "no"))
	if err != nil {
		t.Fatalf("no: %v", err)
	}
	if res.Checkpoint != "later" {
		t.Errorf("else path checkpoint = %v, want later", res.Checkpoint)
	}
}

func TestJumpCycleHitsHopLimit(t *testing.T) {
	eng, st := newTestEngine(t)
	camp := models.Campaign{
		ID: "c_cycle", Name: "Cycle", Status: models.CampaignStatusActive,
		Keywords: []string{"SPIN"}, EntryKey: "a", GlobalFallbackKey: "a",
	}
	if err := st.SaveCampaign(camp); err != nil {
		t.Fatal(err)
	}
	nodes := []models.Node{
		{Key: "a", Kind: models.NodeKindJump, NextKey: "b"},
		{Key: "b", Kind: models.NodeKindJump, NextKey: "a"},
	}
	if err := st.SaveFlowNodes(camp.ID, nodes); err != nil {
		t.Fatal(err)
	}

	_, err := eng.HandleInbound(context.Background(), textEvent(testContact, "spin"))
	if err == nil {
		t.Fatal("expected error for non-interactive cycle")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error = %v, want ConfigError", err)
	}
}

func TestMenuCommand(t *testing.T) {
	eng, st := newTestEngine(t)
	seedOnboarding(t, st)

	res, err := eng.HandleInbound(context.Background(), textEvent(testContact, "menu"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Outcome != models.OutcomeNoOp {
		t.Errorf("outcome = %v, want no-op", res.Outcome)
	}
	if len(res.Messages) != 1 || !strings.Contains(res.Messages[0].Body, "JOIN") {
		t.Errorf("menu = %+v, want campaign listing", res.Messages)
	}
	if sess, _ := st.FindActiveSession(testContact); sess != nil {
		t.Error("menu command created a session")
	}
}

func TestStopCommandPausesSession(t *testing.T) {
	eng, st := newTestEngine(t)
	seedOnboarding(t, st)
	ctx := context.Background()

	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "join")); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := eng.HandleInbound(ctx, textEvent(testContact, "stop"))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Status != models.SessionStatusPaused {
		t.Errorf("status = %v, want PAUSED", res.Status)
	}

	// A paused session answers with the paused notice and does not advance.
	res, err = eng.HandleInbound(ctx, textEvent(testContact, "yes"))
	if err != nil {
		t.Fatalf("while paused: %v", err)
	}
	if res.Outcome != models.OutcomeNoOp {
		t.Errorf("outcome = %v, want no-op", res.Outcome)
	}
	sess, _ := st.FindActiveSession(testContact)
	if sess.Checkpoint != "welcome" || sess.Status != models.SessionStatusPaused {
		t.Errorf("session = %+v, want paused at welcome", sess)
	}
}

func TestStartOverCommandCancelsAndFreesPair(t *testing.T) {
	eng, st := newTestEngine(t)
	seedOnboarding(t, st)
	ctx := context.Background()

	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "join")); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := st.FindActiveSession(testContact)

	res, err := eng.HandleInbound(ctx, textEvent(testContact, "reset"))
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res.Status != models.SessionStatusCancelled {
		t.Errorf("status = %v, want CANCELLED", res.Status)
	}

	// The CANCELLED session frees the pair for a fresh start.
	res, err = eng.HandleInbound(ctx, textEvent(testContact, "join"))
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.SessionID == "" || res.SessionID == first.ID {
		t.Errorf("rejoin sessionID = %q, want a fresh session", res.SessionID)
	}
	if res.Checkpoint != "welcome" {
		t.Errorf("rejoin checkpoint = %v, want welcome", res.Checkpoint)
	}
}

func TestLockContentionIsRetryable(t *testing.T) {
	eng, st := newTestEngine(t, WithLockWait(50*time.Millisecond))
	seedOnboarding(t, st)
	ctx := context.Background()

	release, err := eng.locks.acquire(ctx, testContact, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	_, err = eng.HandleInbound(ctx, textEvent(testContact, "join"))
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("error = %v, want ErrLockTimeout", err)
	}
	if !Retryable(err) {
		t.Error("lock timeout not classified retryable")
	}
}

func TestConcurrentInboundSerializes(t *testing.T) {
	eng, st := newTestEngine(t, WithLockWait(2*time.Second))
	seedOnboarding(t, st)
	ctx := context.Background()

	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "join")); err != nil {
		t.Fatalf("start: %v", err)
	}

	events := []models.InboundEvent{textEvent(testContact, "yes"), textEvent(testContact, "maybe")}
	errs := make(chan error, len(events))
	for _, evt := range events {
		go func(evt models.InboundEvent) {
			_, err := eng.HandleInbound(ctx, evt)
			errs <- err
		}(evt)
	}
	for i := 0; i < len(events); i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent HandleInbound() error = %v", err)
		}
	}

	// Both transitions committed against consistent state: exactly one moved
	// the session from welcome, the other was evaluated at the new node.
	sess, _ := st.FindLatestSession(testContact)
	log, _ := st.GetTransitionLog(sess.ID)
	if len(log) != 3 {
		t.Errorf("log entries = %d, want 3 (start + two serialized transitions)", len(log))
	}
}

func TestOperatorSessionOperations(t *testing.T) {
	eng, st := newTestEngine(t)
	seedOnboarding(t, st)
	ctx := context.Background()

	if _, err := eng.HandleInbound(ctx, textEvent(testContact, "join")); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess, _ := st.FindActiveSession(testContact)

	paused, err := eng.PauseSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("PauseSession() error = %v", err)
	}
	if paused.Status != models.SessionStatusPaused {
		t.Errorf("status = %v, want PAUSED", paused.Status)
	}
	if _, err := eng.PauseSession(ctx, sess.ID); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("double pause error = %v, want ErrInvalidStatusTransition", err)
	}

	resumed, err := eng.ResumeSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ResumeSession() error = %v", err)
	}
	if resumed.Status != models.SessionStatusActive || resumed.Checkpoint != "welcome" {
		t.Errorf("resumed = %+v, want ACTIVE at welcome", resumed)
	}

	if _, err := st.CommitTransition(sess.ID, resumed.Version, store.SessionCommit{
		Checkpoint: resumed.Checkpoint, Status: models.SessionStatusExpired, Data: resumed.Data,
	}); err != nil {
		t.Fatalf("expiring: %v", err)
	}
	revived, err := eng.ResumeExpired(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ResumeExpired() error = %v", err)
	}
	if revived.Status != models.SessionStatusActive {
		t.Errorf("revived status = %v, want ACTIVE", revived.Status)
	}

	cancelled, err := eng.CancelSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}
	if cancelled.Status != models.SessionStatusCancelled {
		t.Errorf("cancelled status = %v, want CANCELLED", cancelled.Status)
	}
	if _, err := eng.CancelSession(ctx, sess.ID); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("double cancel error = %v, want ErrInvalidStatusTransition", err)
	}
}

func TestOperatorActionsOnUnknownSession(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	ops := map[string]func(context.Context, string) (*models.Session, error){
		"pause":          eng.PauseSession,
		"resume":         eng.ResumeSession,
		"resume-expired": eng.ResumeExpired,
		"cancel":         eng.CancelSession,
	}
	for name, op := range ops {
		if _, err := op(ctx, "s_does_not_exist"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("%s on unknown session error = %v, want ErrNotFound", name, err)
		}
	}
}

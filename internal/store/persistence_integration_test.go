package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatloop/chatloop/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "chatloop-test.db")
	st, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteCampaignRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)

	c := models.Campaign{
		ID:                "c1",
		Name:              "Spring Promo",
		Status:            models.CampaignStatusActive,
		Keywords:          []string{"PROMO", "SPRING"},
		EntryKey:          "START",
		GlobalFallbackKey: "FALLBACK",
		DefaultTimeoutMin: 1440,
	}
	if err := st.SaveCampaign(c); err != nil {
		t.Fatalf("SaveCampaign failed: %v", err)
	}

	got, err := st.GetCampaign("c1")
	if err != nil {
		t.Fatalf("GetCampaign failed: %v", err)
	}
	if got == nil {
		t.Fatal("campaign not found after save")
	}
	if got.Name != c.Name || got.EntryKey != c.EntryKey || got.GlobalFallbackKey != c.GlobalFallbackKey {
		t.Errorf("campaign fields lost in round trip: %+v", got)
	}
	if len(got.Keywords) != 2 || got.Keywords[0] != "PROMO" {
		t.Errorf("keywords lost in round trip: %v", got.Keywords)
	}
	if got.FlowVersion != 1 {
		t.Errorf("expected initial flow version 1, got %d", got.FlowVersion)
	}

	if _, err := st.GetCampaign("c_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCampaign(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := st.GetSession("s_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(unknown) error = %v, want ErrNotFound", err)
	}

	found, err := st.FindCampaignByKeyword("promo")
	if err != nil || found == nil || found.ID != "c1" {
		t.Errorf("FindCampaignByKeyword(promo) = (%v, %v), want campaign c1", found, err)
	}
	if found, _ := st.FindCampaignByKeyword("unrelated"); found != nil {
		t.Errorf("unexpected keyword match: %+v", found)
	}
}

func TestSQLiteFlowNodesRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)

	if err := st.SaveCampaign(models.Campaign{ID: "c1", Name: "Promo", Status: models.CampaignStatusActive, Keywords: []string{"GO"}, EntryKey: "START"}); err != nil {
		t.Fatalf("SaveCampaign failed: %v", err)
	}

	nodes := []models.Node{
		{
			Key:  "START", Kind: models.NodeKindMessage, Body: "Reply YES or NO",
			AllowedInputs:   []string{"YES", "NO"},
			BranchRules:     []models.BranchRule{{MatchToken: "YES", NextKey: "A"}, {MatchToken: "NO", NextKey: "B"}},
			NodeFallbackKey: "HELP",
			WaitTimeoutMin:  60,
		},
		{Key: "A", Kind: models.NodeKindMessage, Body: "You said yes"},
		{Key: "B", Kind: models.NodeKindMessage, Body: "You said no"},
		{Key: "HELP", Kind: models.NodeKindFallback, Body: "Please answer YES or NO"},
		{
			Key: "CHECK", Kind: models.NodeKindDecision,
			DecisionRules: []models.DecisionRule{{Field: "input", Op: models.PredicateOpEquals, Value: "VIP", NextKey: "A"}},
			ElseKey:       "B",
		},
	}
	if err := st.SaveFlowNodes("c1", nodes); err != nil {
		t.Fatalf("SaveFlowNodes failed: %v", err)
	}

	got, err := st.GetFlowNodes("c1")
	if err != nil {
		t.Fatalf("GetFlowNodes failed: %v", err)
	}
	if len(got) != len(nodes) {
		t.Fatalf("expected %d nodes, got %d", len(nodes), len(got))
	}

	byKey := make(map[models.NodeKey]models.Node)
	for _, n := range got {
		byKey[n.Key] = n
	}
	start := byKey["START"]
	if len(start.BranchRules) != 2 || start.BranchRules[0].MatchToken != "YES" || start.BranchRules[1].MatchToken != "NO" {
		t.Errorf("branch rules lost order or content: %+v", start.BranchRules)
	}
	if start.NodeFallbackKey != "HELP" || start.WaitTimeoutMin != 60 {
		t.Errorf("node fields lost in round trip: %+v", start)
	}
	check := byKey["CHECK"]
	if len(check.DecisionRules) != 1 || check.DecisionRules[0].Op != models.PredicateOpEquals || check.ElseKey != "B" {
		t.Errorf("decision rules lost in round trip: %+v", check)
	}

	// Saving the graph bumps the campaign flow version.
	c, _ := st.GetCampaign("c1")
	if c.FlowVersion != 2 {
		t.Errorf("expected flow version 2 after graph save, got %d", c.FlowVersion)
	}
}

func TestSQLiteSessionLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)

	sess := models.Session{ID: "s1", ContactID: "+15550001111", CampaignID: "c1", Status: models.SessionStatusActive, Checkpoint: "START"}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// The partial unique index rejects a second live session for the pair.
	if err := st.CreateSession(models.Session{ID: "s2", ContactID: "+15550001111", CampaignID: "c1", Status: models.SessionStatusActive, Checkpoint: "START"}); !errors.Is(err, ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}

	awaiting := models.NodeKey("BTN")
	updated, err := st.CommitTransition("s1", 1, SessionCommit{
		Checkpoint:        "A",
		Status:            models.SessionStatusActive,
		AwaitingButtonFor: &awaiting,
		Data:              map[string]string{"START": "YES"},
	})
	if err != nil {
		t.Fatalf("CommitTransition failed: %v", err)
	}
	if updated.Version != 2 || updated.Checkpoint != "A" {
		t.Errorf("commit result wrong: %+v", updated)
	}
	if updated.AwaitingButtonFor == nil || *updated.AwaitingButtonFor != "BTN" {
		t.Errorf("awaiting button key lost: %+v", updated.AwaitingButtonFor)
	}
	if updated.Data["START"] != "YES" {
		t.Errorf("session data lost: %+v", updated.Data)
	}

	if _, err := st.CommitTransition("s1", 1, SessionCommit{Checkpoint: "B", Status: models.SessionStatusActive}); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict on stale version, got %v", err)
	}

	found, err := st.FindActiveSession("+15550001111")
	if err != nil || found == nil || found.ID != "s1" {
		t.Errorf("FindActiveSession = (%v, %v), want s1", found, err)
	}
}

func TestSQLiteTransitionLogAppend(t *testing.T) {
	st := newTestSQLiteStore(t)

	entries := []models.TransitionLogEntry{
		{SessionID: "s1", FromCheckpoint: "START", ObservedInput: "YES", NextCheckpoint: "A", Outcome: models.OutcomeBranch},
		{SessionID: "s1", FromCheckpoint: "A", ObservedInput: "MAYBE", NextCheckpoint: "A", Outcome: models.OutcomeFallbackGlobal},
		{SessionID: "s2", FromCheckpoint: "START", ObservedInput: "NO", NextCheckpoint: "B", Outcome: models.OutcomeBranch},
	}
	for i, e := range entries {
		e.Timestamp = time.Now().Add(time.Duration(i) * time.Millisecond)
		if err := st.AppendTransitionLog(e); err != nil {
			t.Fatalf("AppendTransitionLog failed: %v", err)
		}
	}

	got, err := st.GetTransitionLog("s1")
	if err != nil {
		t.Fatalf("GetTransitionLog failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for s1, got %d", len(got))
	}
	if got[0].Outcome != models.OutcomeBranch || got[1].Outcome != models.OutcomeFallbackGlobal {
		t.Errorf("log order or outcomes wrong: %+v", got)
	}
}

func TestSQLiteDedupAndOutbox(t *testing.T) {
	st := newTestSQLiteStore(t)

	inserted, err := st.RecordInbound("wamid.1", "+1")
	if err != nil || !inserted {
		t.Fatalf("RecordInbound = (%v, %v), want (true, nil)", inserted, err)
	}
	inserted, _ = st.RecordInbound("wamid.1", "+1")
	if inserted {
		t.Error("duplicate message id should not insert")
	}
	if err := st.MarkProcessed("wamid.1", `{"cached":true}`); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	rec, err := st.GetInboundRecord("wamid.1")
	if err != nil || rec == nil || rec.ReplyJSON != `{"cached":true}` || rec.ProcessedAt == nil {
		t.Errorf("inbound record wrong after MarkProcessed: %+v (err %v)", rec, err)
	}

	id, err := st.EnqueueOutboxMessage("+1", "s1", `{"to":"+1","body":"hi"}`, "dk")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if again, _ := st.EnqueueOutboxMessage("+1", "s1", `{"to":"+1","body":"hi"}`, "dk"); again != id {
		t.Errorf("dedupe key should return existing id %s, got %s", id, again)
	}
	msgs, err := st.ClaimDueOutboxMessages(time.Now(), 5)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ClaimDueOutboxMessages = (%d, %v), want 1", len(msgs), err)
	}
	if err := st.MarkOutboxMessageSent(msgs[0].ID); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}
	if msgs, _ := st.ClaimDueOutboxMessages(time.Now(), 5); len(msgs) != 0 {
		t.Errorf("sent message should not be reclaimable, got %+v", msgs)
	}
}

// Package store provides storage backends for ChatLoop.
//
// This file implements the SQLite-backed store, the default persistence layer
// for single-node deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/chatloop/chatloop/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time checks that SQLiteStore implements all store interfaces.
var (
	_ Store      = (*SQLiteStore)(nil)
	_ DedupRepo  = (*SQLiteStore)(nil)
	_ OutboxRepo = (*SQLiteStore)(nil)
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore failed to open connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore migrations applied")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore closing database connection")
	return s.db.Close()
}

// Campaigns

func (s *SQLiteStore) SaveCampaign(c models.Campaign) error {
	keywordsJSON, err := marshalJSONColumn(c.Keywords)
	if err != nil {
		return err
	}
	now := time.Now()
	if c.FlowVersion == 0 {
		c.FlowVersion = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO campaigns (id, name, status, keywords, entry_key, global_fallback_key, default_timeout_min, flow_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			keywords = excluded.keywords,
			entry_key = excluded.entry_key,
			global_fallback_key = excluded.global_fallback_key,
			default_timeout_min = excluded.default_timeout_min,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Status, nilIfEmpty(keywordsJSON), c.EntryKey,
		nilIfEmpty(string(c.GlobalFallbackKey)), c.DefaultTimeoutMin, c.FlowVersion, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveCampaign failed", "error", err, "campaignID", c.ID)
		return fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
	}
	slog.Debug("SQLiteStore.SaveCampaign succeeded", "campaignID", c.ID)
	return nil
}

const campaignColumns = `id, name, status, keywords, entry_key, global_fallback_key, default_timeout_min, flow_version, created_at, updated_at`

func (s *SQLiteStore) GetCampaign(id string) (*models.Campaign, error) {
	row := s.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetCampaign failed", "error", err, "campaignID", id)
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListCampaigns() ([]models.Campaign, error) {
	rows, err := s.db.Query(`SELECT ` + campaignColumns + ` FROM campaigns ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore.ListCampaigns query failed", "error", err)
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			slog.Error("SQLiteStore.ListCampaigns scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan campaign row: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// FindCampaignByKeyword matches in Go rather than SQL because keywords are a
// JSON column and matching is case-insensitive.
func (s *SQLiteStore) FindCampaignByKeyword(token string) (*models.Campaign, error) {
	campaigns, err := s.ListCampaigns()
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	for _, c := range campaigns {
		if c.Launchable() && c.MatchesKeyword(token) {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

// Flow nodes

func (s *SQLiteStore) SaveFlowNodes(campaignID string, nodes []models.Node) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin flow node transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM flow_nodes WHERE campaign_id = ?`, campaignID); err != nil {
		return fmt.Errorf("failed to clear flow nodes: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM flow_branch_rules WHERE campaign_id = ?`, campaignID); err != nil {
		return fmt.Errorf("failed to clear branch rules: %w", err)
	}

	now := time.Now()
	for _, n := range nodes {
		allowedJSON, err := marshalJSONColumn(n.AllowedInputs)
		if err != nil {
			return err
		}
		decisionJSON, err := marshalJSONColumn(n.DecisionRules)
		if err != nil {
			return err
		}
		bindingJSON, err := marshalJSONColumn(n.Binding)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO flow_nodes (campaign_id, node_key, kind, body, allowed_inputs, button_inputs, decision_rules, else_key, next_key, node_fallback_key, binding, wait_timeout_min, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			campaignID, n.Key, n.Kind, nilIfEmpty(n.Body), nilIfEmpty(allowedJSON), n.ButtonInputs,
			nilIfEmpty(decisionJSON), nilIfEmpty(string(n.ElseKey)), nilIfEmpty(string(n.NextKey)),
			nilIfEmpty(string(n.NodeFallbackKey)), nilIfEmpty(bindingJSON), n.WaitTimeoutMin, now, now,
		)
		if err != nil {
			slog.Error("SQLiteStore.SaveFlowNodes insert failed", "error", err, "campaignID", campaignID, "nodeKey", n.Key)
			return fmt.Errorf("failed to insert flow node %s: %w", n.Key, err)
		}
		for pos, rule := range n.BranchRules {
			_, err = tx.Exec(`
				INSERT INTO flow_branch_rules (campaign_id, node_key, position, match_token, next_key)
				VALUES (?, ?, ?, ?, ?)`,
				campaignID, n.Key, pos, rule.MatchToken, rule.NextKey,
			)
			if err != nil {
				return fmt.Errorf("failed to insert branch rule %d for node %s: %w", pos, n.Key, err)
			}
		}
	}

	// Bump the flow version so cached graphs are invalidated.
	if _, err := tx.Exec(`UPDATE campaigns SET flow_version = flow_version + 1, updated_at = ? WHERE id = ?`, now, campaignID); err != nil {
		return fmt.Errorf("failed to bump flow version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flow nodes: %w", err)
	}
	slog.Debug("SQLiteStore.SaveFlowNodes succeeded", "campaignID", campaignID, "nodes", len(nodes))
	return nil
}

const nodeColumns = `campaign_id, node_key, kind, body, allowed_inputs, button_inputs, decision_rules, else_key, next_key, node_fallback_key, binding, wait_timeout_min, created_at, updated_at`

func (s *SQLiteStore) GetFlowNodes(campaignID string) ([]models.Node, error) {
	rows, err := s.db.Query(`SELECT `+nodeColumns+` FROM flow_nodes WHERE campaign_id = ? ORDER BY node_key`, campaignID)
	if err != nil {
		slog.Error("SQLiteStore.GetFlowNodes query failed", "error", err, "campaignID", campaignID)
		return nil, fmt.Errorf("failed to query flow nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.Node
	index := make(map[models.NodeKey]int)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			slog.Error("SQLiteStore.GetFlowNodes scan failed", "error", err, "campaignID", campaignID)
			return nil, fmt.Errorf("failed to scan flow node row: %w", err)
		}
		index[n.Key] = len(nodes)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow node rows: %w", err)
	}

	ruleRows, err := s.db.Query(`SELECT node_key, match_token, next_key FROM flow_branch_rules WHERE campaign_id = ? ORDER BY node_key, position`, campaignID)
	if err != nil {
		slog.Error("SQLiteStore.GetFlowNodes branch rule query failed", "error", err, "campaignID", campaignID)
		return nil, fmt.Errorf("failed to query branch rules: %w", err)
	}
	defer ruleRows.Close()

	for ruleRows.Next() {
		var nodeKey models.NodeKey
		var rule models.BranchRule
		if err := ruleRows.Scan(&nodeKey, &rule.MatchToken, &rule.NextKey); err != nil {
			return nil, fmt.Errorf("failed to scan branch rule row: %w", err)
		}
		if i, ok := index[nodeKey]; ok {
			nodes[i].BranchRules = append(nodes[i].BranchRules, rule)
		}
	}
	return nodes, ruleRows.Err()
}

// Sessions

func (s *SQLiteStore) CreateSession(sess models.Session) error {
	dataJSON, err := marshalJSONColumn(sess.Data)
	if err != nil {
		return err
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActiveAt.IsZero() {
		sess.LastActiveAt = now
	}
	if sess.Version == 0 {
		sess.Version = 1
	}
	var awaiting interface{}
	if sess.AwaitingButtonFor != nil {
		awaiting = string(*sess.AwaitingButtonFor)
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, contact_id, campaign_id, status, checkpoint, awaiting_button_for, data, version, last_active_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ContactID, sess.CampaignID, sess.Status, sess.Checkpoint,
		awaiting, nilIfEmpty(dataJSON), sess.Version, sess.LastActiveAt, sess.CreatedAt, now,
	)
	if err != nil {
		// The partial unique index enforces one non-cancelled session per pair.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			slog.Debug("SQLiteStore.CreateSession duplicate pair", "contactID", sess.ContactID, "campaignID", sess.CampaignID)
			return ErrSessionExists
		}
		slog.Error("SQLiteStore.CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore.CreateSession succeeded", "sessionID", sess.ID, "contactID", sess.ContactID, "campaignID", sess.CampaignID)
	return nil
}

const sessionColumns = `id, contact_id, campaign_id, status, checkpoint, awaiting_button_for, data, version, last_active_at, created_at, updated_at`

func (s *SQLiteStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) FindActiveSession(contactID string) (*models.Session, error) {
	row := s.db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE contact_id = ? AND status IN ('ACTIVE', 'PAUSED')
		ORDER BY updated_at DESC LIMIT 1`, contactID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.FindActiveSession failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to find active session for %s: %w", contactID, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) FindLatestSession(contactID string) (*models.Session, error) {
	row := s.db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE contact_id = ?
		ORDER BY updated_at DESC LIMIT 1`, contactID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.FindLatestSession failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to find latest session for %s: %w", contactID, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) CommitTransition(sessionID string, expectedVersion int64, commit SessionCommit) (*models.Session, error) {
	dataJSON, err := marshalJSONColumn(commit.Data)
	if err != nil {
		return nil, err
	}
	var awaiting interface{}
	if commit.AwaitingButtonFor != nil {
		awaiting = string(*commit.AwaitingButtonFor)
	}
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE sessions
		SET checkpoint = ?, status = ?, awaiting_button_for = ?, data = COALESCE(?, data),
			version = version + 1, last_active_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		commit.Checkpoint, commit.Status, awaiting, nilIfEmpty(dataJSON), now, now,
		sessionID, expectedVersion,
	)
	if err != nil {
		slog.Error("SQLiteStore.CommitTransition failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to commit transition for session %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read commit result: %w", err)
	}
	if affected == 0 {
		// Distinguish a lost race from a bogus id: GetSession reports the
		// latter as ErrNotFound.
		existing, err := s.GetSession(sessionID)
		if err != nil {
			return nil, err
		}
		slog.Debug("SQLiteStore.CommitTransition version conflict", "sessionID", sessionID, "expected", expectedVersion, "actual", existing.Version)
		return nil, ErrVersionConflict
	}
	slog.Debug("SQLiteStore.CommitTransition succeeded", "sessionID", sessionID, "checkpoint", commit.Checkpoint, "status", commit.Status)
	return s.GetSession(sessionID)
}

func (s *SQLiteStore) ListSessions(campaignID string) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at`
	args := []interface{}{}
	if campaignID != "" {
		query = `SELECT ` + sessionColumns + ` FROM sessions WHERE campaign_id = ? ORDER BY created_at`
		args = append(args, campaignID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore.ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *SQLiteStore) ListIdleActiveSessions(before time.Time) ([]models.Session, error) {
	rows, err := s.db.Query(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'ACTIVE' AND last_active_at < ?
		ORDER BY last_active_at`, before)
	if err != nil {
		slog.Error("SQLiteStore.ListIdleActiveSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]models.Session, error) {
	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Transition log

func (s *SQLiteStore) AppendTransitionLog(e models.TransitionLogEntry) error {
	if e.ID == "" {
		e.ID = "t_" + uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO transition_log (id, session_id, from_checkpoint, observed_input, next_checkpoint, outcome, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.FromCheckpoint, nilIfEmpty(e.ObservedInput), e.NextCheckpoint, e.Outcome, e.Timestamp,
	)
	if err != nil {
		slog.Error("SQLiteStore.AppendTransitionLog failed", "error", err, "sessionID", e.SessionID)
		return fmt.Errorf("failed to append transition log for session %s: %w", e.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTransitionLog(sessionID string) ([]models.TransitionLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, from_checkpoint, observed_input, next_checkpoint, outcome, ts
		FROM transition_log WHERE session_id = ? ORDER BY ts`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore.GetTransitionLog query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query transition log: %w", err)
	}
	defer rows.Close()

	var entries []models.TransitionLogEntry
	for rows.Next() {
		e, err := scanTransitionLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

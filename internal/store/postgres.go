// Package store provides storage backends for ChatLoop.
//
// This file implements the PostgreSQL-backed store for multi-node deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/chatloop/chatloop/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time checks that PostgresStore implements all store interfaces.
var (
	_ Store      = (*PostgresStore)(nil)
	_ DedupRepo  = (*PostgresStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore migrations applied")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore closing database connection")
	return s.db.Close()
}

// isUniqueViolation reports whether the error is a Postgres unique constraint violation.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// Campaigns

func (s *PostgresStore) SaveCampaign(c models.Campaign) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			keywords = EXCLUDED.keywords,
			entry_key = EXCLUDED.entry_key,
			global_fallback_key = EXCLUDED.global_fallback_key,
			default_timeout_min = EXCLUDED.default_timeout_min,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.Name, c.Status, nilIfEmpty(keywordsJSON), c.EntryKey,
		nilIfEmpty(string(c.GlobalFallbackKey)), c.DefaultTimeoutMin, c.FlowVersion, now, now,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveCampaign failed", "error", err, "campaignID", c.ID)
		return fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetCampaign(id string) (*models.Campaign, error) {
	row := s.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetCampaign failed", "error", err, "campaignID", id)
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCampaigns() ([]models.Campaign, error) {
	rows, err := s.db.Query(`SELECT ` + campaignColumns + ` FROM campaigns ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore.ListCampaigns query failed", "error", err)
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign row: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (s *PostgresStore) FindCampaignByKeyword(token string) (*models.Campaign, error) {
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

func (s *PostgresStore) SaveFlowNodes(campaignID string, nodes []models.Node) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin flow node transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM flow_nodes WHERE campaign_id = $1`, campaignID); err != nil {
		return fmt.Errorf("failed to clear flow nodes: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM flow_branch_rules WHERE campaign_id = $1`, campaignID); err != nil {
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			campaignID, n.Key, n.Kind, nilIfEmpty(n.Body), nilIfEmpty(allowedJSON), n.ButtonInputs,
			nilIfEmpty(decisionJSON), nilIfEmpty(string(n.ElseKey)), nilIfEmpty(string(n.NextKey)),
			nilIfEmpty(string(n.NodeFallbackKey)), nilIfEmpty(bindingJSON), n.WaitTimeoutMin, now, now,
		)
		if err != nil {
			slog.Error("PostgresStore.SaveFlowNodes insert failed", "error", err, "campaignID", campaignID, "nodeKey", n.Key)
			return fmt.Errorf("failed to insert flow node %s: %w", n.Key, err)
		}
		for pos, rule := range n.BranchRules {
			_, err = tx.Exec(`
				INSERT INTO flow_branch_rules (campaign_id, node_key, position, match_token, next_key)
				VALUES ($1, $2, $3, $4, $5)`,
				campaignID, n.Key, pos, rule.MatchToken, rule.NextKey,
			)
			if err != nil {
				return fmt.Errorf("failed to insert branch rule %d for node %s: %w", pos, n.Key, err)
			}
		}
	}

	if _, err := tx.Exec(`UPDATE campaigns SET flow_version = flow_version + 1, updated_at = $1 WHERE id = $2`, now, campaignID); err != nil {
		return fmt.Errorf("failed to bump flow version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flow nodes: %w", err)
	}
	slog.Debug("PostgresStore.SaveFlowNodes succeeded", "campaignID", campaignID, "nodes", len(nodes))
	return nil
}

func (s *PostgresStore) GetFlowNodes(campaignID string) ([]models.Node, error) {
	rows, err := s.db.Query(`SELECT `+nodeColumns+` FROM flow_nodes WHERE campaign_id = $1 ORDER BY node_key`, campaignID)
	if err != nil {
		slog.Error("PostgresStore.GetFlowNodes query failed", "error", err, "campaignID", campaignID)
		return nil, fmt.Errorf("failed to query flow nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.Node
	index := make(map[models.NodeKey]int)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow node row: %w", err)
		}
		index[n.Key] = len(nodes)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow node rows: %w", err)
	}

	ruleRows, err := s.db.Query(`SELECT node_key, match_token, next_key FROM flow_branch_rules WHERE campaign_id = $1 ORDER BY node_key, position`, campaignID)
	if err != nil {
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

func (s *PostgresStore) CreateSession(sess models.Session) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.ContactID, sess.CampaignID, sess.Status, sess.Checkpoint,
		awaiting, nilIfEmpty(dataJSON), sess.Version, sess.LastActiveAt, sess.CreatedAt, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			slog.Debug("PostgresStore.CreateSession duplicate pair", "contactID", sess.ContactID, "campaignID", sess.CampaignID)
			return ErrSessionExists
		}
		slog.Error("PostgresStore.CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *PostgresStore) FindActiveSession(contactID string) (*models.Session, error) {
	row := s.db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE contact_id = $1 AND status IN ('ACTIVE', 'PAUSED')
		ORDER BY updated_at DESC LIMIT 1`, contactID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.FindActiveSession failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to find active session for %s: %w", contactID, err)
	}
	return &sess, nil
}

func (s *PostgresStore) FindLatestSession(contactID string) (*models.Session, error) {
	row := s.db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE contact_id = $1
		ORDER BY updated_at DESC LIMIT 1`, contactID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.FindLatestSession failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to find latest session for %s: %w", contactID, err)
	}
	return &sess, nil
}

func (s *PostgresStore) CommitTransition(sessionID string, expectedVersion int64, commit SessionCommit) (*models.Session, error) {
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
		SET checkpoint = $1, status = $2, awaiting_button_for = $3, data = COALESCE($4, data),
			version = version + 1, last_active_at = $5, updated_at = $6
		WHERE id = $7 AND version = $8`,
		commit.Checkpoint, commit.Status, awaiting, nilIfEmpty(dataJSON), now, now,
		sessionID, expectedVersion,
	)
	if err != nil {
		slog.Error("PostgresStore.CommitTransition failed", "error", err, "sessionID", sessionID)
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
		slog.Debug("PostgresStore.CommitTransition version conflict", "sessionID", sessionID, "expected", expectedVersion, "actual", existing.Version)
		return nil, ErrVersionConflict
	}
	return s.GetSession(sessionID)
}

func (s *PostgresStore) ListSessions(campaignID string) ([]models.Session, error) {
	var rows *sql.Rows
	var err error
	if campaignID != "" {
		rows, err = s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE campaign_id = $1 ORDER BY created_at`, campaignID)
	} else {
		rows, err = s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at`)
	}
	if err != nil {
		slog.Error("PostgresStore.ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *PostgresStore) ListIdleActiveSessions(before time.Time) ([]models.Session, error) {
	rows, err := s.db.Query(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'ACTIVE' AND last_active_at < $1
		ORDER BY last_active_at`, before)
	if err != nil {
		slog.Error("PostgresStore.ListIdleActiveSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// Transition log

func (s *PostgresStore) AppendTransitionLog(e models.TransitionLogEntry) error {
	if e.ID == "" {
		e.ID = "t_" + uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO transition_log (id, session_id, from_checkpoint, observed_input, next_checkpoint, outcome, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.SessionID, e.FromCheckpoint, nilIfEmpty(e.ObservedInput), e.NextCheckpoint, e.Outcome, e.Timestamp,
	)
	if err != nil {
		slog.Error("PostgresStore.AppendTransitionLog failed", "error", err, "sessionID", e.SessionID)
		return fmt.Errorf("failed to append transition log for session %s: %w", e.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) GetTransitionLog(sessionID string) ([]models.TransitionLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, from_checkpoint, observed_input, next_checkpoint, outcome, ts
		FROM transition_log WHERE session_id = $1 ORDER BY ts`, sessionID)
	if err != nil {
		slog.Error("PostgresStore.GetTransitionLog query failed", "error", err, "sessionID", sessionID)
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

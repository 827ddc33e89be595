package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/chatloop/chatloop/internal/models"
)

// maxOutboxAttempts is the number of delivery attempts before an outbox
// message is marked permanently failed.
const maxOutboxAttempts = 8

func newOutboxID() string {
	return "o_" + uuid.NewString()
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSONColumn serializes v for a TEXT column, returning "" for nil or
// empty collections so the column stays NULL.
func marshalJSONColumn(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	str := string(data)
	if str == "null" || str == "[]" || str == "{}" {
		return "", nil
	}
	return str, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanCampaign scans a Campaign row: id, name, status, keywords, entry_key,
// global_fallback_key, default_timeout_min, flow_version, created_at, updated_at.
func scanCampaign(row scanner) (models.Campaign, error) {
	var c models.Campaign
	var keywordsJSON, globalFallback sql.NullString
	err := row.Scan(
		&c.ID, &c.Name, &c.Status, &keywordsJSON, &c.EntryKey,
		&globalFallback, &c.DefaultTimeoutMin, &c.FlowVersion, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	c.GlobalFallbackKey = models.NodeKey(globalFallback.String)
	if keywordsJSON.Valid && keywordsJSON.String != "" {
		if err := json.Unmarshal([]byte(keywordsJSON.String), &c.Keywords); err != nil {
			return c, fmt.Errorf("unmarshal campaign keywords: %w", err)
		}
	}
	return c, nil
}

// scanNode scans a flow node row: campaign_id, node_key, kind, body,
// allowed_inputs, button_inputs, decision_rules, else_key, next_key,
// node_fallback_key, binding, wait_timeout_min, created_at, updated_at.
// Branch rules live in their own table and are attached by the caller.
func scanNode(row scanner) (models.Node, error) {
	var n models.Node
	var body, allowedJSON, decisionJSON, elseKey, nextKey, fallbackKey, bindingJSON sql.NullString
	err := row.Scan(
		&n.CampaignID, &n.Key, &n.Kind, &body, &allowedJSON, &n.ButtonInputs,
		&decisionJSON, &elseKey, &nextKey, &fallbackKey, &bindingJSON,
		&n.WaitTimeoutMin, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return n, err
	}
	n.Body = body.String
	n.ElseKey = models.NodeKey(elseKey.String)
	n.NextKey = models.NodeKey(nextKey.String)
	n.NodeFallbackKey = models.NodeKey(fallbackKey.String)
	if allowedJSON.Valid && allowedJSON.String != "" {
		if err := json.Unmarshal([]byte(allowedJSON.String), &n.AllowedInputs); err != nil {
			return n, fmt.Errorf("unmarshal allowed inputs: %w", err)
		}
	}
	if decisionJSON.Valid && decisionJSON.String != "" {
		if err := json.Unmarshal([]byte(decisionJSON.String), &n.DecisionRules); err != nil {
			return n, fmt.Errorf("unmarshal decision rules: %w", err)
		}
	}
	if bindingJSON.Valid && bindingJSON.String != "" {
		n.Binding = &models.APIBinding{}
		if err := json.Unmarshal([]byte(bindingJSON.String), n.Binding); err != nil {
			return n, fmt.Errorf("unmarshal api binding: %w", err)
		}
	}
	return n, nil
}

// scanSession scans a session row: id, contact_id, campaign_id, status,
// checkpoint, awaiting_button_for, data, version, last_active_at, created_at,
// updated_at.
func scanSession(row scanner) (models.Session, error) {
	var s models.Session
	var awaiting, dataJSON sql.NullString
	err := row.Scan(
		&s.ID, &s.ContactID, &s.CampaignID, &s.Status, &s.Checkpoint,
		&awaiting, &dataJSON, &s.Version, &s.LastActiveAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return s, err
	}
	if awaiting.Valid && awaiting.String != "" {
		key := models.NodeKey(awaiting.String)
		s.AwaitingButtonFor = &key
	}
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &s.Data); err != nil {
			return s, fmt.Errorf("unmarshal session data: %w", err)
		}
	}
	return s, nil
}

// scanTransitionLogEntry scans a transition log row: id, session_id,
// from_checkpoint, observed_input, next_checkpoint, outcome, ts.
func scanTransitionLogEntry(row scanner) (models.TransitionLogEntry, error) {
	var e models.TransitionLogEntry
	var observed sql.NullString
	err := row.Scan(&e.ID, &e.SessionID, &e.FromCheckpoint, &observed, &e.NextCheckpoint, &e.Outcome, &e.Timestamp)
	if err != nil {
		return e, err
	}
	e.ObservedInput = observed.String
	return e, nil
}

// scanOutboxMessage scans an outbox row: id, contact_id, session_id,
// payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at,
// last_error, created_at, updated_at.
func scanOutboxMessage(row scanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.ContactID, &m.SessionID, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

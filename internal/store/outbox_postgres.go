package store

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *PostgresStore) EnqueueOutboxMessage(contactID, sessionID, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM outbox WHERE dedupe_key = $1 AND status NOT IN ('sent', 'canceled') LIMIT 1`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("outbox dedupe lookup failed: %w", err)
		}
	}

	id := newOutboxID()
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO outbox (id, contact_id, session_id, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7)`,
		id, contactID, nilIfEmpty(sessionID), payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	return id, nil
}

// ClaimDueOutboxMessages uses FOR UPDATE SKIP LOCKED so multiple engine
// instances can drain the outbox without claiming the same rows.
func (s *PostgresStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(`
		UPDATE outbox SET status = 'sending', locked_at = $1, attempts = attempts + 1, updated_at = $1
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY created_at LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox query failed: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE outbox SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE outbox SET
			status = CASE WHEN attempts >= $1 THEN 'failed' ELSE 'queued' END,
			next_attempt_at = $2, locked_at = NULL, last_error = $3, updated_at = $4
		WHERE id = $5`,
		maxOutboxAttempts, nextAttemptAt, errMsg, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE outbox SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox failed: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

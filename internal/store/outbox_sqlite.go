package store

import (
	"database/sql"
	"fmt"
	"time"
)

const outboxColumns = `id, contact_id, session_id, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

func (s *SQLiteStore) EnqueueOutboxMessage(contactID, sessionID, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM outbox WHERE dedupe_key = ? AND status NOT IN ('sent', 'canceled') LIMIT 1`,
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
		VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, contactID, nilIfEmpty(sessionID), payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim outbox begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT `+outboxColumns+` FROM outbox
		WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox query failed: %w", err)
	}

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range msgs {
		_, err := tx.Exec(
			`UPDATE outbox SET status = 'sending', locked_at = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
			now, now, msgs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim outbox update failed: %w", err)
		}
		locked := now
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &locked
		msgs[i].Attempts++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim outbox commit failed: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE outbox SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE outbox SET
			status = CASE WHEN attempts >= ? THEN 'failed' ELSE 'queued' END,
			next_attempt_at = ?, locked_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ?`,
		maxOutboxAttempts, nextAttemptAt, errMsg, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE outbox SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox failed: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

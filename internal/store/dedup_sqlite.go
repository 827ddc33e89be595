package store

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *SQLiteStore) RecordInbound(messageID, contactID string) (bool, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, contact_id, received_at) VALUES (?, ?, ?)`,
		messageID, contactID, now,
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound result failed: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string, replyJSON string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = ?, reply_json = ? WHERE message_id = ?`,
		now, nilIfEmpty(replyJSON), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInboundRecord(messageID string) (*InboundRecord, error) {
	var rec InboundRecord
	var processedAt sql.NullTime
	var replyJSON sql.NullString
	err := s.db.QueryRow(
		`SELECT message_id, contact_id, received_at, processed_at, reply_json FROM inbound_dedup WHERE message_id = ?`,
		messageID,
	).Scan(&rec.MessageID, &rec.ContactID, &rec.ReceivedAt, &processedAt, &replyJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get inbound record failed: %w", err)
	}
	if processedAt.Valid {
		rec.ProcessedAt = &processedAt.Time
	}
	rec.ReplyJSON = replyJSON.String
	return &rec, nil
}

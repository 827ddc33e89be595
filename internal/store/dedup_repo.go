// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"time"
)

// InboundRecord represents an inbound message deduplication record. ReplyJSON
// caches the outbound bundle computed for the message so duplicate deliveries
// can be replayed without recomputing the transition.
type InboundRecord struct {
	MessageID   string     `json:"message_id"`
	ContactID   string     `json:"contact_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	ReplyJSON   string     `json:"reply_json"`
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate delivery).
	RecordInbound(messageID, contactID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp and caches the computed
	// reply bundle for the message.
	MarkProcessed(messageID string, replyJSON string) error

	// GetInboundRecord retrieves the dedup record for a message, or nil if the
	// message was never recorded.
	GetInboundRecord(messageID string) (*InboundRecord, error)
}

// Package models defines session and transition log structures for ChatLoop.
package models

import (
	"errors"
	"time"
)

// SessionStatus represents the lifecycle state of a contact's session.
type SessionStatus string

const (
	// SessionStatusActive indicates the session is progressing through the flow.
	SessionStatusActive SessionStatus = "ACTIVE"
	// SessionStatusPaused indicates an operator paused the session.
	SessionStatusPaused SessionStatus = "PAUSED"
	// SessionStatusCompleted indicates the session reached a terminal node.
	SessionStatusCompleted SessionStatus = "COMPLETED"
	// SessionStatusExpired indicates the session idled past its wait timeout.
	SessionStatusExpired SessionStatus = "EXPIRED"
	// SessionStatusCancelled indicates the session was reset by an operator or
	// a start-over command. Cancelled sessions never block new enrollment.
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// IsValidSessionStatus checks if the given session status is supported.
func IsValidSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionStatusActive, SessionStatusPaused, SessionStatusCompleted, SessionStatusExpired, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// Session represents one contact's progress through one campaign's flow.
// At most one non-cancelled session exists per (contact, campaign) pair.
type Session struct {
	ID         string        `json:"id"`
	ContactID  string        `json:"contact_id"` // canonical E.164 phone number
	CampaignID string        `json:"campaign_id"`
	Status     SessionStatus `json:"status"`
	Checkpoint NodeKey       `json:"checkpoint"` // current position; never empty once the session exists
	// AwaitingButtonFor is set when the checkpoint node only accepts provider
	// button/list ids, so free text can be routed to fallback without
	// inspecting message history.
	AwaitingButtonFor *NodeKey          `json:"awaiting_button_for,omitempty"`
	Data              map[string]string `json:"data,omitempty"` // captured answers, keyed by node key
	Version           int64             `json:"version"`        // optimistic concurrency token, bumped on every commit
	LastActiveAt      time.Time         `json:"last_active_at"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Terminated reports whether the session no longer accepts flow transitions.
func (s *Session) Terminated() bool {
	switch s.Status {
	case SessionStatusCompleted, SessionStatusExpired, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// OutcomeKind classifies how a transition was resolved.
type OutcomeKind string

const (
	// OutcomeBranch indicates a branch rule matched the classified input.
	OutcomeBranch OutcomeKind = "branch"
	// OutcomeFallbackNode indicates the node-level fallback key was taken.
	OutcomeFallbackNode OutcomeKind = "fallback-node"
	// OutcomeFallbackGlobal indicates the global fallback bundle was emitted
	// without a checkpoint change.
	OutcomeFallbackGlobal OutcomeKind = "fallback-global"
	// OutcomeEnd indicates the session reached a terminal node.
	OutcomeEnd OutcomeKind = "end"
	// OutcomeNoOp indicates no state change occurred (duplicate delivery,
	// paused notice, message-only node).
	OutcomeNoOp OutcomeKind = "no-op"
)

// TransitionLogEntry is an append-only audit record of one resolved transition.
type TransitionLogEntry struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	FromCheckpoint NodeKey     `json:"from_checkpoint"`
	ObservedInput  string      `json:"observed_input"`
	NextCheckpoint NodeKey     `json:"next_checkpoint"`
	Outcome        OutcomeKind `json:"outcome"`
	Timestamp      time.Time   `json:"timestamp"`
}

// InboundKind identifies the shape of an inbound message payload.
type InboundKind string

const (
	// InboundKindText is a free-text message.
	InboundKindText InboundKind = "text"
	// InboundKindButton is a quick-reply button tap carrying an opaque id.
	InboundKindButton InboundKind = "button"
	// InboundKindList is a list selection carrying an opaque row id.
	InboundKindList InboundKind = "list"
)

// InboundEvent is one inbound message delivery from the provider. It is
// ephemeral; only the dedup key and the computed reply are persisted.
type InboundEvent struct {
	ContactPhone      string      `json:"contact_phone"`
	ProviderMessageID string      `json:"provider_message_id"` // idempotency key, unique per physical message
	Kind              InboundKind `json:"kind"`
	Text              string      `json:"text,omitempty"`
	ReplyID           string      `json:"reply_id,omitempty"` // button/list opaque id
	ReceivedAt        time.Time   `json:"received_at"`
}

// Validate performs validation on an InboundEvent.
func (e *InboundEvent) Validate() error {
	if e.ContactPhone == "" {
		return ErrEmptyContact
	}
	if e.ProviderMessageID == "" {
		return errors.New("provider message id cannot be empty")
	}
	return nil
}

// ClassifiedInput is the result of canonicalizing and classifying an inbound
// payload against a node's allowed input set.
type ClassifiedInput struct {
	CanonicalToken string `json:"canonical_token"`
	MatchedAllowed bool   `json:"matched_allowed"`
}

// OutboundMessage is one rendered message to be delivered to a contact.
type OutboundMessage struct {
	To      string   `json:"to"`
	Body    string   `json:"body"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Button is a quick-reply option attached to an outbound message.
type Button struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// TransitionResult is the outcome of handling one inbound event.
type TransitionResult struct {
	SessionID  string            `json:"session_id,omitempty"`
	CampaignID string            `json:"campaign_id,omitempty"`
	Checkpoint NodeKey           `json:"checkpoint,omitempty"`
	Status     SessionStatus     `json:"status,omitempty"`
	Outcome    OutcomeKind       `json:"outcome"`
	Duplicate  bool              `json:"duplicate,omitempty"` // reply replayed from the idempotency cache
	Messages   []OutboundMessage `json:"messages"`
}

// Package models defines the core data structures for ChatLoop.
//
// It includes campaign definitions, flow graph node types, session records,
// and transition log entries shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	// CampaignStatusDraft indicates the campaign is being edited and cannot launch sessions.
	CampaignStatusDraft CampaignStatus = "draft"
	// CampaignStatusActive indicates the campaign accepts keyword-triggered sessions.
	CampaignStatusActive CampaignStatus = "active"
	// CampaignStatusPaused indicates the campaign is temporarily suspended.
	CampaignStatusPaused CampaignStatus = "paused"
	// CampaignStatusArchived indicates the campaign is retired.
	CampaignStatusArchived CampaignStatus = "archived"
)

// Validation constants for input validation
const (
	// MaxNodeBodyLength defines the maximum allowed length for node body content
	MaxNodeBodyLength = 4096
	// MaxKeywordLength defines the maximum allowed length for a campaign keyword
	MaxKeywordLength = 64
	// MaxBranchRulesCount defines the maximum number of branch rules per node
	MaxBranchRulesCount = 30
	// MaxAllowedInputsCount defines the maximum number of allowed inputs per node
	MaxAllowedInputsCount = 30
)

// Error variables for better error handling and testability
var (
	ErrEmptyCampaignName    = errors.New("campaign name cannot be empty")
	ErrInvalidCampaignState = errors.New("invalid campaign status")
	ErrEmptyEntryKey        = errors.New("campaign entry key cannot be empty")
	ErrEmptyNodeKey         = errors.New("node key cannot be empty")
	ErrInvalidNodeKind      = errors.New("invalid node kind")
	ErrEmptyNodeBody        = errors.New("body is required for message nodes")
	ErrNodeBodyTooLong      = errors.New("node body exceeds maximum length")
	ErrTooManyBranchRules   = errors.New("too many branch rules")
	ErrTooManyAllowedInputs = errors.New("too many allowed inputs")
	ErrEmptyMatchToken      = errors.New("branch rule match token cannot be empty")
	ErrEmptyNextKey         = errors.New("branch rule next key cannot be empty")
	ErrEmptyKeyword         = errors.New("campaign keyword cannot be empty")
	ErrKeywordTooLong       = errors.New("campaign keyword exceeds maximum length")
	ErrEmptyContact         = errors.New("contact cannot be empty")
	ErrEmptyCampaignID      = errors.New("campaign id cannot be empty")
	ErrInvalidSessionState  = errors.New("invalid session status")
	ErrInvalidPredicateOp   = errors.New("invalid decision predicate operator")
)

// IsValidCampaignStatus checks if the given campaign status is supported.
func IsValidCampaignStatus(s CampaignStatus) bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusActive, CampaignStatusPaused, CampaignStatusArchived:
		return true
	default:
		return false
	}
}

// Campaign represents a marketing campaign that owns one conversation flow.
type Campaign struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Status            CampaignStatus `json:"status"`
	Keywords          []string       `json:"keywords"`            // canonical trigger tokens, case-insensitive
	EntryKey          NodeKey        `json:"entry_key"`           // flow entry node
	GlobalFallbackKey NodeKey        `json:"global_fallback_key"` // node rendered when no deterministic transition exists
	DefaultTimeoutMin int            `json:"default_timeout_min"` // flow-level idle timeout; per-node WaitTimeoutMin overrides
	FlowVersion       int            `json:"flow_version"`        // bumped on every graph edit; invalidates cached graphs
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Validate performs validation on a Campaign structure.
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return ErrEmptyCampaignName
	}
	if !IsValidCampaignStatus(c.Status) {
		return ErrInvalidCampaignState
	}
	if c.EntryKey == "" {
		return ErrEmptyEntryKey
	}
	for _, kw := range c.Keywords {
		if strings.TrimSpace(kw) == "" {
			return ErrEmptyKeyword
		}
		if len(kw) > MaxKeywordLength {
			return ErrKeywordTooLong
		}
	}
	return nil
}

// Launchable reports whether the campaign can start new sessions: it must be
// active, carry at least one keyword, and declare an entry node. Entry node
// resolvability is checked at graph build time.
func (c *Campaign) Launchable() bool {
	return c.Status == CampaignStatusActive && len(c.Keywords) > 0 && c.EntryKey != ""
}

// MatchesKeyword reports whether the canonical token matches one of the
// campaign's trigger keywords (case-insensitive).
func (c *Campaign) MatchesKeyword(token string) bool {
	for _, kw := range c.Keywords {
		if strings.EqualFold(strings.TrimSpace(kw), token) {
			return true
		}
	}
	return false
}

// Package store provides storage backends for ChatLoop.
//
// It includes an in-memory store for tests and development plus persistent
// SQLite and PostgreSQL backends. All backends implement the same Store,
// DedupRepo, and OutboxRepo interfaces.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/chatloop/chatloop/internal/models"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSessionExists indicates a non-cancelled session already exists for
	// the (contact, campaign) pair.
	ErrSessionExists = errors.New("non-cancelled session already exists for contact and campaign")
	// ErrVersionConflict indicates an optimistic concurrency conflict on
	// session commit; the caller should re-read and retry.
	ErrVersionConflict = errors.New("session version conflict")
)

// SessionCommit carries the new session state for an atomic checkpoint commit.
type SessionCommit struct {
	Checkpoint        models.NodeKey
	Status            models.SessionStatus
	AwaitingButtonFor *models.NodeKey
	Data              map[string]string
}

// Store defines the persistence operations the flow engine and API depend on.
type Store interface {
	// Campaigns
	SaveCampaign(c models.Campaign) error
	// GetCampaign returns ErrNotFound when no campaign has the id.
	GetCampaign(id string) (*models.Campaign, error)
	ListCampaigns() ([]models.Campaign, error)
	// FindCampaignByKeyword returns the first launchable campaign whose
	// keyword set contains the canonical token, or nil if none matches.
	FindCampaignByKeyword(token string) (*models.Campaign, error)

	// Flow nodes. SaveFlowNodes atomically replaces the campaign's graph rows
	// and bumps the campaign flow version.
	SaveFlowNodes(campaignID string, nodes []models.Node) error
	GetFlowNodes(campaignID string) ([]models.Node, error)

	// Sessions
	CreateSession(s models.Session) error
	// GetSession returns ErrNotFound when no session has the id. The Find*
	// lookups below differ: no match is (nil, nil), not an error.
	GetSession(id string) (*models.Session, error)
	// FindActiveSession returns the contact's current non-terminated session
	// (ACTIVE or PAUSED), or nil if there is none.
	FindActiveSession(contactID string) (*models.Session, error)
	// FindLatestSession returns the contact's most recently updated session in
	// any status, or nil.
	FindLatestSession(contactID string) (*models.Session, error)
	// CommitTransition applies the commit iff the stored version equals
	// expectedVersion, bumping the version and refreshing last_active_at.
	// Returns ErrVersionConflict on mismatch.
	CommitTransition(sessionID string, expectedVersion int64, commit SessionCommit) (*models.Session, error)
	ListSessions(campaignID string) ([]models.Session, error)
	// ListIdleActiveSessions returns ACTIVE sessions whose last_active_at is
	// before the given instant. Used by the expiry sweep.
	ListIdleActiveSessions(before time.Time) ([]models.Session, error)

	// Transition log (append-only)
	AppendTransitionLog(e models.TransitionLogEntry) error
	GetTransitionLog(sessionID string) ([]models.TransitionLogEntry, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". Postgres DSNs use
// either URL form (postgres://) or key=value form (host=... dbname=...);
// anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatloop/chatloop/internal/models"
	"github.com/chatloop/chatloop/internal/store"
	"github.com/chatloop/chatloop/internal/util"
)

// Sweeper expires idle ACTIVE sessions. The effective timeout for a session
// is its checkpoint node's wait timeout, falling back to the campaign default
// and then the engine default.
type Sweeper struct {
	store       store.Store
	graphs      *GraphCache
	locks       *lockRegistry
	logger      *slog.Logger
	idleTimeout time.Duration
	now         func() time.Time
}

// NewSweeper builds a sweeper sharing the engine's graph cache, contact locks,
// default idle timeout, and clock, so swept sessions cannot race a transition.
func NewSweeper(e *Engine) *Sweeper {
	return &Sweeper{
		store:       e.store,
		graphs:      e.graphs,
		locks:       e.locks,
		logger:      e.logger,
		idleTimeout: e.idleTimeout,
		now:         e.now,
	}
}

// SweepOnce scans idle ACTIVE sessions and expires those past their timeout.
// Returns the number of sessions expired. A session that gains activity
// between the scan and the commit is left alone.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	candidates, err := s.store.ListIdleActiveSessions(now)
	if err != nil {
		return 0, fmt.Errorf("Sweeper.SweepOnce: listing idle sessions: %w", err)
	}

	campaigns := make(map[string]*models.Campaign)
	expired := 0
	for i := range candidates {
		sess := &candidates[i]
		camp, ok := campaigns[sess.CampaignID]
		if !ok {
			camp, err = s.store.GetCampaign(sess.CampaignID)
			if err != nil {
				s.logger.Error("Sweeper.SweepOnce: loading campaign", "campaignID", sess.CampaignID, "error", err)
				continue
			}
			campaigns[sess.CampaignID] = camp
		}

		timeout := s.timeoutFor(sess, camp)
		if now.Sub(sess.LastActiveAt) < timeout {
			continue
		}
		if s.expire(ctx, sess) {
			expired++
		}
	}
	return expired, nil
}

// timeoutFor resolves the effective idle timeout: node override, then
// campaign default, then engine default.
func (s *Sweeper) timeoutFor(sess *models.Session, camp *models.Campaign) time.Duration {
	if g, err := s.graphs.Get(camp, s.store.GetFlowNodes); err == nil {
		if node, nerr := g.Resolve(sess.Checkpoint); nerr == nil && node.WaitTimeoutMin > 0 {
			return time.Duration(node.WaitTimeoutMin) * time.Minute
		}
	} else {
		s.logger.Error("Sweeper.timeoutFor: unusable flow graph", "campaignID", camp.ID, "error", err)
	}
	if camp.DefaultTimeoutMin > 0 {
		return time.Duration(camp.DefaultTimeoutMin) * time.Minute
	}
	return s.idleTimeout
}

func (s *Sweeper) expire(ctx context.Context, sess *models.Session) bool {
	release, err := s.locks.acquire(ctx, sess.ContactID, time.Second)
	if err != nil {
		// A transition is in flight for this contact; skip this cycle.
		return false
	}
	defer release()

	_, err = s.store.CommitTransition(sess.ID, sess.Version, store.SessionCommit{
		Checkpoint:        sess.Checkpoint,
		Status:            models.SessionStatusExpired,
		AwaitingButtonFor: sess.AwaitingButtonFor,
		Data:              sess.Data,
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return false
		}
		s.logger.Error("Sweeper.expire: committing expiry", "sessionID", sess.ID, "error", err)
		return false
	}

	entry := models.TransitionLogEntry{
		ID:             util.GenerateLogID(),
		SessionID:      sess.ID,
		FromCheckpoint: sess.Checkpoint,
		ObservedInput:  inputSessionTimeout,
		NextCheckpoint: sess.Checkpoint,
		Outcome:        models.OutcomeNoOp,
		Timestamp:      s.now(),
	}
	if err := s.store.AppendTransitionLog(entry); err != nil {
		s.logger.Error("Sweeper.expire: appending transition log", "sessionID", sess.ID, "error", err)
	}
	s.logger.Info("Sweeper.expire: session expired", "sessionID", sess.ID, "checkpoint", sess.Checkpoint)
	return true
}

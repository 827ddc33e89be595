package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chatloop/chatloop/internal/models"
	"github.com/chatloop/chatloop/internal/store"
	"github.com/chatloop/chatloop/internal/util"
)

const (
	// defaultLockWait bounds how long a transition waits for the contact's
	// serialization lock before asking the provider to redeliver.
	defaultLockWait = 10 * time.Second
	// defaultIdleTimeout applies when neither the node nor the campaign sets
	// an idle timeout (3 days).
	defaultIdleTimeout = 72 * time.Hour
	// maxAutoHops bounds auto-advance through non-interactive nodes so a
	// miswired jump cycle cannot spin forever.
	maxAutoHops = 16
	// commitAttempts is how many times a transition recomputes after an
	// optimistic concurrency conflict before giving up.
	commitAttempts = 2
)

// Synthetic observed-input values recorded in the transition log for
// transitions not driven by a contact message.
const (
	inputSessionTimeout = "session-timeout"
	inputOperatorPause  = "operator-pause"
	inputOperatorResume = "operator-resume"
	inputOperatorCancel = "operator-cancel"
)

// ErrInvalidStatusTransition is returned by operator session operations when
// the session is not in a status the operation applies to.
var ErrInvalidStatusTransition = errors.New("invalid session status transition")

// Retryable reports whether err is a transient condition the caller should
// surface as retryable so the provider redelivers the event.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, store.ErrVersionConflict)
}

// Engine executes conversation flow transitions: it deduplicates inbound
// events, serializes per contact, classifies input against the session's
// checkpoint node, applies branch/fallback precedence, auto-advances through
// non-interactive nodes, and commits with optimistic concurrency.
type Engine struct {
	store    store.Store
	dedup    store.DedupRepo
	graphs   *GraphCache
	locks    *lockRegistry
	renderer *Renderer
	composer *FallbackComposer
	logger   *slog.Logger

	lockWait    time.Duration
	idleTimeout time.Duration
	now         func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLockWait overrides the per-contact lock wait budget.
func WithLockWait(d time.Duration) EngineOption {
	return func(e *Engine) { e.lockWait = d }
}

// WithIdleTimeout overrides the engine-level default idle timeout.
func WithIdleTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.idleTimeout = d }
}

// WithClock overrides the engine's time source. Used in tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(st store.Store, dedup store.DedupRepo, renderer *Renderer, composer *FallbackComposer, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:       st,
		dedup:       dedup,
		graphs:      NewGraphCache(),
		locks:       newLockRegistry(),
		renderer:    renderer,
		composer:    composer,
		logger:      logger,
		lockWait:    defaultLockWait,
		idleTimeout: defaultIdleTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Graphs exposes the engine's graph cache so the API layer can invalidate
// entries after a flow upsert.
func (e *Engine) Graphs() *GraphCache { return e.graphs }

// HandleInbound processes one provider-delivered inbound event end to end and
// returns the outbound bundle to send. Duplicate deliveries replay the cached
// bundle without recomputing or re-logging the transition.
func (e *Engine) HandleInbound(ctx context.Context, evt models.InboundEvent) (*models.TransitionResult, error) {
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("Engine.HandleInbound: invalid event: %w", err)
	}
	contact := evt.ContactPhone

	inserted, err := e.dedup.RecordInbound(evt.ProviderMessageID, contact)
	if err != nil {
		return nil, fmt.Errorf("Engine.HandleInbound: recording inbound %s: %w", evt.ProviderMessageID, err)
	}
	if !inserted {
		if res, ok := e.replayCached(evt.ProviderMessageID); ok {
			return res, nil
		}
		// First delivery is still inside the lock window (or died before
		// caching its reply). Wait for the lock and check once more.
	}

	release, err := e.locks.acquire(ctx, contact, e.lockWait)
	if err != nil {
		return nil, fmt.Errorf("Engine.HandleInbound: contact %s: %w", contact, err)
	}
	defer release()

	if !inserted {
		if res, ok := e.replayCached(evt.ProviderMessageID); ok {
			return res, nil
		}
		e.logger.Warn("Engine.HandleInbound: reprocessing inbound whose first delivery never completed", "providerMessageID", evt.ProviderMessageID, "contact", contact)
	}

	res, err := e.transitionWithRetry(ctx, evt)
	if err != nil {
		return nil, err
	}

	if replyJSON, merr := json.Marshal(res); merr != nil {
		e.logger.Error("Engine.HandleInbound: marshaling reply for dedup cache", "providerMessageID", evt.ProviderMessageID, "error", merr)
	} else if merr := e.dedup.MarkProcessed(evt.ProviderMessageID, string(replyJSON)); merr != nil {
		e.logger.Error("Engine.HandleInbound: caching processed reply", "providerMessageID", evt.ProviderMessageID, "error", merr)
	}
	return res, nil
}

func (e *Engine) replayCached(messageID string) (*models.TransitionResult, bool) {
	rec, err := e.dedup.GetInboundRecord(messageID)
	if err != nil {
		e.logger.Error("Engine.replayCached: reading dedup record", "providerMessageID", messageID, "error", err)
		return nil, false
	}
	if rec == nil || rec.ProcessedAt == nil || rec.ReplyJSON == "" {
		return nil, false
	}
	var res models.TransitionResult
	if err := json.Unmarshal([]byte(rec.ReplyJSON), &res); err != nil {
		e.logger.Error("Engine.replayCached: decoding cached reply", "providerMessageID", messageID, "error", err)
		return nil, false
	}
	res.Duplicate = true
	return &res, true
}

func (e *Engine) transitionWithRetry(ctx context.Context, evt models.InboundEvent) (*models.TransitionResult, error) {
	token := Canonicalize(evt)
	var lastErr error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		res, err := e.transition(ctx, evt, token)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		e.logger.Warn("Engine.transitionWithRetry: commit conflict, recomputing", "contact", evt.ContactPhone, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("Engine.transitionWithRetry: contact %s: %w", evt.ContactPhone, lastErr)
}

func (e *Engine) transition(ctx context.Context, evt models.InboundEvent, token string) (*models.TransitionResult, error) {
	sess, err := e.store.FindActiveSession(evt.ContactPhone)
	if err != nil {
		return nil, fmt.Errorf("Engine.transition: finding session for %s: %w", evt.ContactPhone, err)
	}

	// The command grammar is checked before any graph traversal, but only for
	// typed text. Button ids are opaque and never commands.
	if evt.Kind == models.InboundKindText {
		if cmd := models.ParseCommand(token); cmd != models.CommandNone {
			return e.handleCommand(ctx, evt, token, cmd, sess)
		}
	}

	if sess == nil {
		return e.startSession(ctx, evt, token)
	}
	return e.continueSession(ctx, evt, token, sess)
}

func (e *Engine) handleCommand(ctx context.Context, evt models.InboundEvent, token string, cmd models.Command, sess *models.Session) (*models.TransitionResult, error) {
	contact := evt.ContactPhone
	res := &models.TransitionResult{Outcome: models.OutcomeNoOp}
	if sess != nil {
		res.SessionID = sess.ID
		res.CampaignID = sess.CampaignID
		res.Checkpoint = sess.Checkpoint
		res.Status = sess.Status
	}

	switch cmd {
	case models.CommandMenu:
		msgs, err := e.composer.Menu(ctx, contact)
		if err != nil {
			return nil, fmt.Errorf("Engine.handleCommand: composing menu for %s: %w", contact, err)
		}
		res.Messages = msgs

	case models.CommandStartOver:
		if sess != nil {
			committed, err := e.store.CommitTransition(sess.ID, sess.Version, store.SessionCommit{
				Checkpoint: sess.Checkpoint,
				Status:     models.SessionStatusCancelled,
				Data:       sess.Data,
			})
			if err != nil {
				return nil, fmt.Errorf("Engine.handleCommand: cancelling session %s: %w", sess.ID, err)
			}
			res.Status = committed.Status
			e.appendLog(sess.ID, sess.Checkpoint, token, sess.Checkpoint, models.OutcomeNoOp)
		}
		res.Messages = append(res.Messages, models.OutboundMessage{To: contact, Body: e.composer.texts.ResetReply})
		if menu, err := e.composer.Menu(ctx, contact); err == nil {
			res.Messages = append(res.Messages, menu...)
		}

	case models.CommandStop:
		if sess != nil && sess.Status == models.SessionStatusActive {
			committed, err := e.store.CommitTransition(sess.ID, sess.Version, store.SessionCommit{
				Checkpoint:        sess.Checkpoint,
				Status:            models.SessionStatusPaused,
				AwaitingButtonFor: sess.AwaitingButtonFor,
				Data:              sess.Data,
			})
			if err != nil {
				return nil, fmt.Errorf("Engine.handleCommand: pausing session %s: %w", sess.ID, err)
			}
			res.Status = committed.Status
			e.appendLog(sess.ID, sess.Checkpoint, token, sess.Checkpoint, models.OutcomeNoOp)
		}
		res.Messages = append(res.Messages, models.OutboundMessage{To: contact, Body: e.composer.texts.StoppedReply})
	}
	return res, nil
}

// startSession handles an event from a contact with no live session: a
// campaign keyword starts a fresh session at the flow entry; anything else
// gets the global fallback bundle.
func (e *Engine) startSession(ctx context.Context, evt models.InboundEvent, token string) (*models.TransitionResult, error) {
	contact := evt.ContactPhone

	camp, err := e.store.FindCampaignByKeyword(token)
	if err != nil {
		return nil, fmt.Errorf("Engine.startSession: matching keyword for %s: %w", contact, err)
	}
	if camp == nil {
		msgs, cerr := e.composer.Compose(ctx, contact, nil)
		if cerr != nil {
			return nil, fmt.Errorf("Engine.startSession: %w", cerr)
		}
		return &models.TransitionResult{Outcome: models.OutcomeFallbackGlobal, Messages: msgs}, nil
	}

	g, err := e.graphs.Get(camp, e.store.GetFlowNodes)
	if err != nil {
		e.logger.Error("Engine.startSession: unusable flow graph", "campaignID", camp.ID, "error", err)
		return nil, fmt.Errorf("Engine.startSession: campaign %s: %w", camp.ID, err)
	}

	now := e.now()
	sess := models.Session{
		ID:           util.GenerateSessionID(),
		ContactID:    contact,
		CampaignID:   camp.ID,
		Status:       models.SessionStatusActive,
		Checkpoint:   camp.EntryKey,
		Data:         make(map[string]string),
		Version:      1,
		LastActiveAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateSession(sess); err != nil {
		if errors.Is(err, store.ErrSessionExists) {
			// A COMPLETED or EXPIRED session for this pair blocks rejoining.
			// Tell the contact which one it was when tailored copy exists.
			if prev, perr := e.store.FindLatestSession(contact); perr == nil && prev != nil && prev.CampaignID == camp.ID {
				if body := e.composer.RejoinReply(prev.Status); body != "" {
					return &models.TransitionResult{
						CampaignID: camp.ID,
						Status:     prev.Status,
						Outcome:    models.OutcomeNoOp,
						Messages:   []models.OutboundMessage{{To: contact, Body: body}},
					}, nil
				}
			}
			msgs, cerr := e.composer.Compose(ctx, contact, g)
			if cerr != nil {
				return nil, fmt.Errorf("Engine.startSession: %w", cerr)
			}
			return &models.TransitionResult{CampaignID: camp.ID, Outcome: models.OutcomeFallbackGlobal, Messages: msgs}, nil
		}
		return nil, fmt.Errorf("Engine.startSession: creating session for %s: %w", contact, err)
	}

	msgs, finalKey, completed, awaiting, err := e.advance(ctx, g, &sess, camp.EntryKey, token)
	if err != nil {
		e.logger.Error("Engine.startSession: advancing from entry", "campaignID", camp.ID, "error", err)
		return nil, fmt.Errorf("Engine.startSession: campaign %s: %w", camp.ID, err)
	}
	status := models.SessionStatusActive
	outcome := models.OutcomeBranch
	if completed {
		status = models.SessionStatusCompleted
		outcome = models.OutcomeEnd
	}
	committed, err := e.store.CommitTransition(sess.ID, sess.Version, store.SessionCommit{
		Checkpoint:        finalKey,
		Status:            status,
		AwaitingButtonFor: awaiting,
		Data:              sess.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("Engine.startSession: committing session %s: %w", sess.ID, err)
	}
	e.appendLog(sess.ID, "", token, finalKey, outcome)

	return &models.TransitionResult{
		SessionID:  sess.ID,
		CampaignID: camp.ID,
		Checkpoint: committed.Checkpoint,
		Status:     committed.Status,
		Outcome:    outcome,
		Messages:   msgs,
	}, nil
}

// continueSession applies the transition precedence for a live session:
// branch first match, then node fallback, then the global fallback bundle.
func (e *Engine) continueSession(ctx context.Context, evt models.InboundEvent, token string, sess *models.Session) (*models.TransitionResult, error) {
	contact := evt.ContactPhone
	if sess.Data == nil {
		sess.Data = make(map[string]string)
	}

	if sess.Status == models.SessionStatusPaused {
		e.appendLog(sess.ID, sess.Checkpoint, token, sess.Checkpoint, models.OutcomeNoOp)
		return &models.TransitionResult{
			SessionID:  sess.ID,
			CampaignID: sess.CampaignID,
			Checkpoint: sess.Checkpoint,
			Status:     sess.Status,
			Outcome:    models.OutcomeNoOp,
			Messages:   []models.OutboundMessage{{To: contact, Body: e.composer.texts.PausedNotice}},
		}, nil
	}

	camp, err := e.store.GetCampaign(sess.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("Engine.continueSession: loading campaign %s: %w", sess.CampaignID, err)
	}
	g, err := e.graphs.Get(camp, e.store.GetFlowNodes)
	if err != nil {
		e.logger.Error("Engine.continueSession: unusable flow graph", "campaignID", camp.ID, "error", err)
		return nil, fmt.Errorf("Engine.continueSession: campaign %s: %w", camp.ID, err)
	}

	node, err := g.Resolve(sess.Checkpoint)
	if err != nil {
		// The checkpoint no longer resolves, likely after a flow edit. Report
		// loudly and answer with the fallback bundle without moving anything.
		e.logger.Error("Engine.continueSession: checkpoint unresolvable", "sessionID", sess.ID, "checkpoint", sess.Checkpoint, "error", err)
		return e.globalFallback(ctx, g, sess, token)
	}

	in := Classify(node, evt)
	if in.MatchedAllowed && token != "" {
		sess.Data[string(node.Key)] = token
	}

	var (
		next    models.NodeKey
		outcome models.OutcomeKind
	)
	switch {
	case in.MatchedAllowed:
		for _, r := range node.BranchRules {
			if branchTokenMatches(node, r.MatchToken, token) {
				next = r.NextKey
				outcome = models.OutcomeBranch
				break
			}
		}
		if next == "" {
			if len(node.BranchRules) == 0 {
				// Free-form answer node: capture the input and stay put.
				committed, cerr := e.store.CommitTransition(sess.ID, sess.Version, store.SessionCommit{
					Checkpoint:        sess.Checkpoint,
					Status:            sess.Status,
					AwaitingButtonFor: sess.AwaitingButtonFor,
					Data:              sess.Data,
				})
				if cerr != nil {
					return nil, fmt.Errorf("Engine.continueSession: committing no-op for %s: %w", sess.ID, cerr)
				}
				e.appendLog(sess.ID, sess.Checkpoint, token, sess.Checkpoint, models.OutcomeNoOp)
				return &models.TransitionResult{
					SessionID:  sess.ID,
					CampaignID: sess.CampaignID,
					Checkpoint: committed.Checkpoint,
					Status:     committed.Status,
					Outcome:    models.OutcomeNoOp,
					Messages:   []models.OutboundMessage{},
				}, nil
			}
			// Allowed input but no branch claims it.
			if node.NodeFallbackKey != "" {
				next = node.NodeFallbackKey
				outcome = models.OutcomeFallbackNode
			}
		}
	default:
		if node.NodeFallbackKey != "" {
			next = node.NodeFallbackKey
			outcome = models.OutcomeFallbackNode
		}
	}

	if next == "" {
		return e.globalFallback(ctx, g, sess, token)
	}

	msgs, finalKey, completed, awaiting, err := e.advance(ctx, g, sess, next, token)
	if err != nil {
		e.logger.Error("Engine.continueSession: advancing", "sessionID", sess.ID, "from", sess.Checkpoint, "error", err)
		return nil, fmt.Errorf("Engine.continueSession: session %s: %w", sess.ID, err)
	}
	status := models.SessionStatusActive
	if completed {
		status = models.SessionStatusCompleted
		outcome = models.OutcomeEnd
	}
	committed, err := e.store.CommitTransition(sess.ID, sess.Version, store.SessionCommit{
		Checkpoint:        finalKey,
		Status:            status,
		AwaitingButtonFor: awaiting,
		Data:              sess.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("Engine.continueSession: committing session %s: %w", sess.ID, err)
	}
	e.appendLog(sess.ID, sess.Checkpoint, token, finalKey, outcome)

	return &models.TransitionResult{
		SessionID:  sess.ID,
		CampaignID: sess.CampaignID,
		Checkpoint: committed.Checkpoint,
		Status:     committed.Status,
		Outcome:    outcome,
		Messages:   msgs,
	}, nil
}

// globalFallback answers with the fallback bundle, refreshing the session's
// activity without moving its checkpoint.
func (e *Engine) globalFallback(ctx context.Context, g *Graph, sess *models.Session, token string) (*models.TransitionResult, error) {
	msgs, err := e.composer.Compose(ctx, sess.ContactID, g)
	if err != nil {
		return nil, fmt.Errorf("Engine.globalFallback: session %s: %w", sess.ID, err)
	}
	committed, err := e.store.CommitTransition(sess.ID, sess.Version, store.SessionCommit{
		Checkpoint:        sess.Checkpoint,
		Status:            sess.Status,
		AwaitingButtonFor: sess.AwaitingButtonFor,
		Data:              sess.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("Engine.globalFallback: committing session %s: %w", sess.ID, err)
	}
	e.appendLog(sess.ID, sess.Checkpoint, token, sess.Checkpoint, models.OutcomeFallbackGlobal)
	return &models.TransitionResult{
		SessionID:  sess.ID,
		CampaignID: sess.CampaignID,
		Checkpoint: committed.Checkpoint,
		Status:     committed.Status,
		Outcome:    models.OutcomeFallbackGlobal,
		Messages:   msgs,
	}, nil
}

// advance follows the graph from start, rendering messages, until it reaches
// a node that waits for input or ends the flow. Jump, api, and decision nodes
// are traversed without stopping.
func (e *Engine) advance(ctx context.Context, g *Graph, sess *models.Session, start models.NodeKey, input string) ([]models.OutboundMessage, models.NodeKey, bool, *models.NodeKey, error) {
	var msgs []models.OutboundMessage
	key := start
	for hops := 0; hops < maxAutoHops; hops++ {
		node, err := g.Resolve(key)
		if err != nil {
			return nil, "", false, nil, err
		}
		switch node.Kind {
		case models.NodeKindMessage, models.NodeKindTemplate, models.NodeKindFallback:
			msgs = append(msgs, e.renderer.RenderNode(node, sess))
			var awaiting *models.NodeKey
			if node.ButtonInputs {
				k := node.Key
				awaiting = &k
			}
			return msgs, node.Key, false, awaiting, nil
		case models.NodeKindEnd:
			if node.Body != "" {
				msgs = append(msgs, e.renderer.RenderText(node.Body, sess))
			}
			return msgs, node.Key, true, nil, nil
		case models.NodeKindJump:
			key = node.NextKey
		case models.NodeKindAPI:
			text, berr := e.renderer.InvokeBinding(ctx, node, sess, input)
			if berr != nil {
				// The flow keeps moving; the binding's message is dropped.
				e.logger.Error("Engine.advance: api binding failed", "sessionID", sess.ID, "node", node.Key, "error", berr)
			} else if text != "" {
				sess.Data[string(node.Key)] = text
				msgs = append(msgs, models.OutboundMessage{To: sess.ContactID, Body: text})
			}
			key = node.NextKey
		case models.NodeKindDecision:
			key = evalDecision(node, sess, input)
		default:
			return nil, "", false, nil, &ConfigError{CampaignID: g.CampaignID, Key: node.Key, Reason: fmt.Sprintf("unknown node kind %q", node.Kind)}
		}
	}
	return nil, "", false, nil, &ConfigError{CampaignID: g.CampaignID, Key: start, Reason: "auto-advance exceeded hop limit, non-interactive cycle"}
}

// evalDecision returns the next key for a decision node: the first rule whose
// predicate holds, else the node's else branch.
func evalDecision(node *models.Node, sess *models.Session, input string) models.NodeKey {
	for _, r := range node.DecisionRules {
		var val string
		var exists bool
		if r.Field == "input" {
			val, exists = input, input != ""
		} else {
			val, exists = sess.Data[r.Field]
		}
		var match bool
		switch r.Op {
		case models.PredicateOpEquals:
			match = strings.EqualFold(val, r.Value)
		case models.PredicateOpNotEquals:
			match = !strings.EqualFold(val, r.Value)
		case models.PredicateOpContains:
			match = strings.Contains(strings.ToLower(val), strings.ToLower(r.Value))
		case models.PredicateOpExists:
			match = exists
		}
		if match {
			return r.NextKey
		}
	}
	return node.ElseKey
}

// branchTokenMatches compares a branch rule token with the classified input,
// exactly for button ids and case-insensitively for typed text.
func branchTokenMatches(node *models.Node, ruleToken, token string) bool {
	if node.ButtonInputs {
		return ruleToken == token
	}
	return strings.EqualFold(ruleToken, token)
}

// appendLog records a transition log entry. Logging is observability, not
// part of the commit: failures are reported but never fail the transition.
func (e *Engine) appendLog(sessionID string, from models.NodeKey, observed string, next models.NodeKey, outcome models.OutcomeKind) {
	entry := models.TransitionLogEntry{
		ID:             util.GenerateLogID(),
		SessionID:      sessionID,
		FromCheckpoint: from,
		ObservedInput:  observed,
		NextCheckpoint: next,
		Outcome:        outcome,
		Timestamp:      e.now(),
	}
	if err := e.store.AppendTransitionLog(entry); err != nil {
		e.logger.Error("Engine.appendLog: appending transition log", "sessionID", sessionID, "error", err)
	}
}

// PauseSession suspends an ACTIVE session. Paused sessions answer with the
// paused notice and are skipped by the expiry sweep.
func (e *Engine) PauseSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return e.operatorTransition(ctx, sessionID, inputOperatorPause, func(s *models.Session) (models.SessionStatus, error) {
		if s.Status != models.SessionStatusActive {
			return "", fmt.Errorf("pause session %s in status %s: %w", s.ID, s.Status, ErrInvalidStatusTransition)
		}
		return models.SessionStatusPaused, nil
	})
}

// ResumeSession reactivates a PAUSED session at its saved checkpoint.
func (e *Engine) ResumeSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return e.operatorTransition(ctx, sessionID, inputOperatorResume, func(s *models.Session) (models.SessionStatus, error) {
		if s.Status != models.SessionStatusPaused {
			return "", fmt.Errorf("resume session %s in status %s: %w", s.ID, s.Status, ErrInvalidStatusTransition)
		}
		return models.SessionStatusActive, nil
	})
}

// ResumeExpired reactivates an EXPIRED session at its saved checkpoint and
// refreshes its activity clock.
func (e *Engine) ResumeExpired(ctx context.Context, sessionID string) (*models.Session, error) {
	return e.operatorTransition(ctx, sessionID, inputOperatorResume, func(s *models.Session) (models.SessionStatus, error) {
		if s.Status != models.SessionStatusExpired {
			return "", fmt.Errorf("resume expired session %s in status %s: %w", s.ID, s.Status, ErrInvalidStatusTransition)
		}
		return models.SessionStatusActive, nil
	})
}

// CancelSession cancels a session, freeing the contact/campaign pair for a
// fresh session. COMPLETED sessions cannot be cancelled.
func (e *Engine) CancelSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return e.operatorTransition(ctx, sessionID, inputOperatorCancel, func(s *models.Session) (models.SessionStatus, error) {
		switch s.Status {
		case models.SessionStatusActive, models.SessionStatusPaused, models.SessionStatusExpired:
			return models.SessionStatusCancelled, nil
		default:
			return "", fmt.Errorf("cancel session %s in status %s: %w", s.ID, s.Status, ErrInvalidStatusTransition)
		}
	})
}

func (e *Engine) operatorTransition(ctx context.Context, sessionID, observed string, decide func(*models.Session) (models.SessionStatus, error)) (*models.Session, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("Engine.operatorTransition: loading session %s: %w", sessionID, err)
	}

	release, err := e.locks.acquire(ctx, sess.ContactID, e.lockWait)
	if err != nil {
		return nil, fmt.Errorf("Engine.operatorTransition: contact %s: %w", sess.ContactID, err)
	}
	defer release()

	// Reload under the lock: an inbound may have moved the session.
	sess, err = e.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("Engine.operatorTransition: reloading session %s: %w", sessionID, err)
	}
	status, err := decide(sess)
	if err != nil {
		return nil, err
	}
	committed, err := e.store.CommitTransition(sess.ID, sess.Version, store.SessionCommit{
		Checkpoint:        sess.Checkpoint,
		Status:            status,
		AwaitingButtonFor: sess.AwaitingButtonFor,
		Data:              sess.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("Engine.operatorTransition: committing session %s: %w", sess.ID, err)
	}
	e.appendLog(sess.ID, sess.Checkpoint, observed, sess.Checkpoint, models.OutcomeNoOp)
	return committed, nil
}

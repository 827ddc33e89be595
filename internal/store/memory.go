// Package store provides storage backends for ChatLoop.
//
// This file implements the in-memory store used by tests and by development
// deployments without a database.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatloop/chatloop/internal/models"
)

// Compile-time checks that InMemoryStore implements all store interfaces.
var (
	_ Store      = (*InMemoryStore)(nil)
	_ DedupRepo  = (*InMemoryStore)(nil)
	_ OutboxRepo = (*InMemoryStore)(nil)
)

// InMemoryStore keeps all records in process memory guarded by a single mutex.
type InMemoryStore struct {
	mu            sync.Mutex
	campaigns     map[string]models.Campaign
	nodes         map[string][]models.Node // campaignID -> graph rows
	sessions      map[string]models.Session
	transitionLog []models.TransitionLogEntry
	inbound       map[string]InboundRecord
	outbox        map[string]OutboxMessage
	outboxSeq     int
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		campaigns: make(map[string]models.Campaign),
		nodes:     make(map[string][]models.Node),
		sessions:  make(map[string]models.Session),
		inbound:   make(map[string]InboundRecord),
		outbox:    make(map[string]OutboxMessage),
	}
}

func (s *InMemoryStore) SaveCampaign(c models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.campaigns[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
		if c.FlowVersion == 0 {
			c.FlowVersion = existing.FlowVersion
		}
	} else {
		c.CreatedAt = now
		if c.FlowVersion == 0 {
			c.FlowVersion = 1
		}
	}
	c.UpdatedAt = now
	s.campaigns[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetCampaign(id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *InMemoryStore) ListCampaigns() ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) FindCampaignByKeyword(token string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.TrimSpace(token)
	// Deterministic order so keyword collisions resolve stably.
	ids := make([]string, 0, len(s.campaigns))
	for id := range s.campaigns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := s.campaigns[id]
		if c.Launchable() && c.MatchesKeyword(token) {
			return &c, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) SaveFlowNodes(campaignID string, nodes []models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	copied := make([]models.Node, len(nodes))
	for i, n := range nodes {
		n.CampaignID = campaignID
		n.UpdatedAt = now
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		copied[i] = n
	}
	s.nodes[campaignID] = copied
	if c, ok := s.campaigns[campaignID]; ok {
		c.FlowVersion++
		c.UpdatedAt = now
		s.campaigns[campaignID] = c
	}
	return nil
}

func (s *InMemoryStore) GetFlowNodes(campaignID string) ([]models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := s.nodes[campaignID]
	out := make([]models.Node, len(nodes))
	copy(out, nodes)
	return out, nil
}

func (s *InMemoryStore) CreateSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.ContactID == sess.ContactID && existing.CampaignID == sess.CampaignID &&
			existing.Status != models.SessionStatusCancelled {
			return ErrSessionExists
		}
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActiveAt.IsZero() {
		sess.LastActiveAt = now
	}
	sess.UpdatedAt = now
	if sess.Version == 0 {
		sess.Version = 1
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) FindActiveSession(contactID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Session
	for _, sess := range s.sessions {
		if sess.ContactID != contactID || sess.Terminated() {
			continue
		}
		if found == nil || sess.UpdatedAt.After(found.UpdatedAt) {
			found = cloneSession(sess)
		}
	}
	return found, nil
}

func (s *InMemoryStore) FindLatestSession(contactID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Session
	for _, sess := range s.sessions {
		if sess.ContactID != contactID {
			continue
		}
		if found == nil || sess.UpdatedAt.After(found.UpdatedAt) {
			found = cloneSession(sess)
		}
	}
	return found, nil
}

func (s *InMemoryStore) CommitTransition(sessionID string, expectedVersion int64, commit SessionCommit) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	now := time.Now()
	sess.Checkpoint = commit.Checkpoint
	sess.Status = commit.Status
	sess.AwaitingButtonFor = commit.AwaitingButtonFor
	if commit.Data != nil {
		sess.Data = commit.Data
	}
	sess.Version++
	sess.LastActiveAt = now
	sess.UpdatedAt = now
	s.sessions[sessionID] = sess
	return cloneSession(sess), nil
}

func (s *InMemoryStore) ListSessions(campaignID string) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if campaignID == "" || sess.CampaignID == campaignID {
			out = append(out, *cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListIdleActiveSessions(before time.Time) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Status == models.SessionStatusActive && sess.LastActiveAt.Before(before) {
			out = append(out, *cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.Before(out[j].LastActiveAt) })
	return out, nil
}

func (s *InMemoryStore) AppendTransitionLog(e models.TransitionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.transitionLog = append(s.transitionLog, e)
	return nil
}

func (s *InMemoryStore) GetTransitionLog(sessionID string) ([]models.TransitionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TransitionLogEntry
	for _, e := range s.transitionLog {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// DedupRepo implementation

func (s *InMemoryStore) RecordInbound(messageID, contactID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inbound[messageID]; exists {
		return false, nil
	}
	s.inbound[messageID] = InboundRecord{
		MessageID:  messageID,
		ContactID:  contactID,
		ReceivedAt: time.Now(),
	}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string, replyJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	rec.ProcessedAt = &now
	rec.ReplyJSON = replyJSON
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) GetInboundRecord(messageID string) (*InboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// OutboxRepo implementation

func (s *InMemoryStore) EnqueueOutboxMessage(contactID, sessionID, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	s.outboxSeq++
	now := time.Now()
	id := newOutboxID()
	s.outbox[id] = OutboxMessage{
		ID:          id,
		ContactID:   contactID,
		SessionID:   sessionID,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []OutboxMessage
	for _, m := range s.outbox {
		if m.Status != OutboxStatusQueued {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.Attempts++
		m.UpdatedAt = now
		s.outbox[m.ID] = m
		due[i] = m
	}
	return due, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = OutboxStatusSent
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	s.outbox[id] = m
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return ErrNotFound
	}
	m.LastError = errMsg
	m.LockedAt = nil
	if m.Attempts >= maxOutboxAttempts {
		m.Status = OutboxStatusFailed
	} else {
		m.Status = OutboxStatusQueued
		m.NextAttemptAt = &nextAttemptAt
	}
	m.UpdatedAt = time.Now()
	s.outbox[id] = m
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			s.outbox[id] = m
			count++
		}
	}
	return count, nil
}

func cloneSession(sess models.Session) *models.Session {
	out := sess
	if sess.AwaitingButtonFor != nil {
		key := *sess.AwaitingButtonFor
		out.AwaitingButtonFor = &key
	}
	if sess.Data != nil {
		out.Data = make(map[string]string, len(sess.Data))
		for k, v := range sess.Data {
			out.Data[k] = v
		}
	}
	return &out
}

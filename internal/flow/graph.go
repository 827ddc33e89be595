// Package flow implements the conversation flow engine: validated flow
// graphs, inbound input classification, the transition engine with its
// precedence rules, fallback composition, and the idle-session sweep.
package flow

import (
	"fmt"
	"sync"

	"github.com/chatloop/chatloop/internal/models"
)

// ConfigError reports an authoring defect in a campaign's flow graph,
// such as a dangling node reference. It is distinct from transient
// runtime failures: retrying the same event will not help until the
// flow definition is fixed.
type ConfigError struct {
	CampaignID string
	Key        models.NodeKey
	Reason     string
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("flow config error in campaign %s at node %q: %s", e.CampaignID, e.Key, e.Reason)
	}
	return fmt.Sprintf("flow config error in campaign %s: %s", e.CampaignID, e.Reason)
}

// Graph is a validated, immutable in-memory representation of one
// campaign's flow at a specific flow version. All node references are
// resolved at build time so traversal never discovers a dangling key.
type Graph struct {
	CampaignID        string
	Version           int
	EntryKey          models.NodeKey
	GlobalFallbackKey models.NodeKey

	nodes []models.Node
	index map[models.NodeKey]int
}

// BuildGraph validates the node set against the campaign's entry and
// fallback references and returns a traversable graph. Every key
// referenced by any node must resolve to a node in the set.
func BuildGraph(c *models.Campaign, nodes []models.Node) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, &ConfigError{CampaignID: c.ID, Reason: "flow has no nodes"}
	}
	g := &Graph{
		CampaignID:        c.ID,
		Version:           c.FlowVersion,
		EntryKey:          c.EntryKey,
		GlobalFallbackKey: c.GlobalFallbackKey,
		nodes:             nodes,
		index:             make(map[models.NodeKey]int, len(nodes)),
	}
	for i, n := range nodes {
		if err := n.Validate(); err != nil {
			return nil, &ConfigError{CampaignID: c.ID, Key: n.Key, Reason: err.Error()}
		}
		if _, dup := g.index[n.Key]; dup {
			return nil, &ConfigError{CampaignID: c.ID, Key: n.Key, Reason: "duplicate node key"}
		}
		g.index[n.Key] = i
	}

	check := func(from models.NodeKey, ref models.NodeKey, what string) error {
		if ref == "" {
			return nil
		}
		if _, ok := g.index[ref]; !ok {
			return &ConfigError{CampaignID: c.ID, Key: from, Reason: fmt.Sprintf("%s references unknown node %q", what, ref)}
		}
		return nil
	}

	if err := check("", c.EntryKey, "campaign entry"); err != nil {
		return nil, err
	}
	if err := check("", c.GlobalFallbackKey, "campaign global fallback"); err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if err := check(n.Key, n.NextKey, "next"); err != nil {
			return nil, err
		}
		if err := check(n.Key, n.NodeFallbackKey, "node fallback"); err != nil {
			return nil, err
		}
		if err := check(n.Key, n.ElseKey, "else"); err != nil {
			return nil, err
		}
		for _, r := range n.BranchRules {
			if err := check(n.Key, r.NextKey, fmt.Sprintf("branch on %q", r.MatchToken)); err != nil {
				return nil, err
			}
		}
		for _, r := range n.DecisionRules {
			if err := check(n.Key, r.NextKey, fmt.Sprintf("decision on field %q", r.Field)); err != nil {
				return nil, err
			}
		}
		switch n.Kind {
		case models.NodeKindJump:
			if n.NextKey == "" {
				return nil, &ConfigError{CampaignID: c.ID, Key: n.Key, Reason: "jump node has no next"}
			}
		case models.NodeKindAPI:
			if n.NextKey == "" {
				return nil, &ConfigError{CampaignID: c.ID, Key: n.Key, Reason: "api node has no next"}
			}
		case models.NodeKindDecision:
			if n.ElseKey == "" {
				return nil, &ConfigError{CampaignID: c.ID, Key: n.Key, Reason: "decision node has no else branch"}
			}
		}
	}
	return g, nil
}

// Resolve returns the node for key, or a ConfigError when the key does
// not exist in this graph version.
func (g *Graph) Resolve(key models.NodeKey) (*models.Node, error) {
	i, ok := g.index[key]
	if !ok {
		return nil, &ConfigError{CampaignID: g.CampaignID, Key: key, Reason: "checkpoint does not resolve to a node"}
	}
	return &g.nodes[i], nil
}

// Nodes returns the graph's node set in stored order.
func (g *Graph) Nodes() []models.Node {
	return g.nodes
}

// NodeLoader fetches the persisted node set for a campaign.
type NodeLoader func(campaignID string) ([]models.Node, error)

// GraphCache builds graphs on demand and reuses them until the
// campaign's flow version changes. Stale entries for replaced versions
// are evicted on access.
type GraphCache struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

func NewGraphCache() *GraphCache {
	return &GraphCache{graphs: make(map[string]*Graph)}
}

// Get returns the cached graph for the campaign's current flow version,
// building and validating it via load on a miss.
func (c *GraphCache) Get(campaign *models.Campaign, load NodeLoader) (*Graph, error) {
	c.mu.RLock()
	g, ok := c.graphs[campaign.ID]
	c.mu.RUnlock()
	if ok && g.Version == campaign.FlowVersion {
		return g, nil
	}

	nodes, err := load(campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("GraphCache.Get: loading nodes for campaign %s: %w", campaign.ID, err)
	}
	g, err = BuildGraph(campaign, nodes)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.graphs[campaign.ID] = g
	c.mu.Unlock()
	return g, nil
}

// Invalidate drops any cached graph for the campaign, forcing a rebuild
// on next access. Called after a flow upsert.
func (c *GraphCache) Invalidate(campaignID string) {
	c.mu.Lock()
	delete(c.graphs, campaignID)
	c.mu.Unlock()
}

package flow

import (
	"testing"

	"github.com/chatloop/chatloop/internal/models"
)

func testCampaign() *models.Campaign {
	return &models.Campaign{
		ID:                "c_test",
		Name:              "Test",
		Status:            models.CampaignStatusActive,
		Keywords:          []string{"GO"},
		EntryKey:          "start",
		GlobalFallbackKey: "gf",
		FlowVersion:       1,
	}
}

func validNodes() []models.Node {
	return []models.Node{
		{Key: "start", Kind: models.NodeKindMessage, Body: "hi", AllowedInputs: []string{"A"},
			BranchRules: []models.BranchRule{{MatchToken: "A", NextKey: "fin"}}},
		{Key: "fin", Kind: models.NodeKindEnd, Body: "bye"},
		{Key: "gf", Kind: models.NodeKindFallback, Body: "huh"},
	}
}

func TestBuildGraph(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *models.Campaign, nodes []models.Node) []models.Node
		wantErr bool
	}{
		{
			name:   "valid graph",
			mutate: func(c *models.Campaign, nodes []models.Node) []models.Node { return nodes },
		},
		{
			name:    "no nodes",
			mutate:  func(c *models.Campaign, nodes []models.Node) []models.Node { return nil },
			wantErr: true,
		},
		{
			name: "dangling entry",
			mutate: func(c *models.Campaign, nodes []models.Node) []models.Node {
				c.EntryKey = "missing"
				return nodes
			},
			wantErr: true,
		},
		{
			name: "dangling global fallback",
			mutate: func(c *models.Campaign, nodes []models.Node) []models.Node {
				c.GlobalFallbackKey = "missing"
				return nodes
			},
			wantErr: true,
		},
		{
			name: "dangling branch target",
			mutate: func(c *models.Campaign, nodes []models.Node) []models.Node {
				nodes[0].BranchRules[0].NextKey = "missing"
				return nodes
			},
			wantErr: true,
		},
		{
			name: "dangling node fallback",
			mutate: func(c *models.Campaign, nodes []models.Node) []models.Node {
				nodes[0].NodeFallbackKey = "missing"
				return nodes
			},
			wantErr: true,
		},
		{
			name: "duplicate key",
			mutate: func(c *models.Campaign, nodes []models.Node) []models.Node {
				return append(nodes, models.Node{Key: "start", Kind: models.NodeKindEnd})
			},
			wantErr: true,
		},
		{
			name: "jump without next",
			mutate: func(c *models.Campaign, nodes []models.Node) []models.Node {
				return append(nodes, models.Node{Key: "j", Kind: models.NodeKindJump})
			},
			wantErr: true,
		},
		{
			name: "decision without else",
			mutate: func(c *models.Campaign, nodes []models.Node) []models.Node {
				return append(nodes, models.Node{Key: "d", Kind: models.NodeKindDecision,
					DecisionRules: []models.DecisionRule{{Field: "x", Op: models.PredicateOpExists, NextKey: "fin"}}})
			},
			wantErr: true,
		},
		{
			name: "api without next",
			mutate: func(c *models.Campaign, nodes []models.Node) []models.Node {
				return append(nodes, models.Node{Key: "a", Kind: models.NodeKindAPI,
					Binding: &models.APIBinding{Kind: models.APIBindingHTTP, URL: "http://example.com"}})
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCampaign()
			nodes := tt.mutate(c, validNodes())
			g, err := BuildGraph(c, nodes)
			if tt.wantErr {
				if err == nil {
					t.Fatal("BuildGraph() error = nil, want ConfigError")
				}
				if _, ok := err.(*ConfigError); !ok {
					t.Errorf("BuildGraph() error type = %T, want *ConfigError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildGraph() error = %v", err)
			}
			if g.EntryKey != "start" || g.Version != 1 {
				t.Errorf("graph = %+v", g)
			}
		})
	}
}

func TestGraphResolve(t *testing.T) {
	g, err := BuildGraph(testCampaign(), validNodes())
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	node, err := g.Resolve("start")
	if err != nil {
		t.Fatalf("Resolve(start) error = %v", err)
	}
	if node.Body != "hi" {
		t.Errorf("node body = %q", node.Body)
	}
	if _, err := g.Resolve("nope"); err == nil {
		t.Error("Resolve(nope) error = nil, want ConfigError")
	}
}

func TestGraphCacheReusesUntilVersionBump(t *testing.T) {
	cache := NewGraphCache()
	c := testCampaign()
	loads := 0
	load := func(string) ([]models.Node, error) {
		loads++
		return validNodes(), nil
	}

	g1, err := cache.Get(c, load)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	g2, err := cache.Get(c, load)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if loads != 1 || g1 != g2 {
		t.Errorf("loads = %d, same graph = %v; want cached reuse", loads, g1 == g2)
	}

	c.FlowVersion = 2
	g3, err := cache.Get(c, load)
	if err != nil {
		t.Fatalf("Get() after bump error = %v", err)
	}
	if loads != 2 || g3 == g1 {
		t.Errorf("loads = %d; want rebuild on version bump", loads)
	}

	cache.Invalidate(c.ID)
	if _, err := cache.Get(c, load); err != nil {
		t.Fatalf("Get() after invalidate error = %v", err)
	}
	if loads != 3 {
		t.Errorf("loads = %d, want reload after invalidate", loads)
	}
}

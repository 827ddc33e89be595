// Package models defines flow graph node structures for ChatLoop.
package models

import "time"

// NodeKey identifies a node within a campaign's flow graph.
type NodeKey string

// NodeKind defines the behavior of a flow graph node. The set is closed;
// the engine dispatches on kind with an exhaustive switch.
type NodeKind string

const (
	// NodeKindMessage sends its body and waits for the contact's reply.
	NodeKindMessage NodeKind = "message"
	// NodeKindTemplate sends its body with {{var}} placeholders substituted
	// from session data before waiting for a reply.
	NodeKindTemplate NodeKind = "template"
	// NodeKindDecision evaluates its decision rules against the transition
	// context and advances without contact input.
	NodeKindDecision NodeKind = "decision"
	// NodeKindAPI invokes an external binding (HTTP call or OpenAI completion)
	// to produce the message body, then advances to its next key.
	NodeKindAPI NodeKind = "api"
	// NodeKindJump unconditionally forwards to another node.
	NodeKindJump NodeKind = "jump"
	// NodeKindFallback is a regular message node designated as a fallback
	// target; it behaves like a message node.
	NodeKindFallback NodeKind = "fallback"
	// NodeKindEnd marks a terminal node; reaching it completes the session.
	NodeKindEnd NodeKind = "end"
)

// IsValidNodeKind checks if the given node kind is supported.
func IsValidNodeKind(k NodeKind) bool {
	switch k {
	case NodeKindMessage, NodeKindTemplate, NodeKindDecision, NodeKindAPI, NodeKindJump, NodeKindFallback, NodeKindEnd:
		return true
	default:
		return false
	}
}

// BranchRule maps an input token to the next node. Rules are evaluated in
// declaration order; the first match wins.
type BranchRule struct {
	MatchToken string  `json:"match_token"` // canonical (uppercase) token
	NextKey    NodeKey `json:"next_key"`
}

// PredicateOp is a comparison operator in a decision rule predicate.
type PredicateOp string

const (
	PredicateOpEquals    PredicateOp = "eq"
	PredicateOpNotEquals PredicateOp = "ne"
	PredicateOpContains  PredicateOp = "contains"
	PredicateOpExists    PredicateOp = "exists"
)

// IsValidPredicateOp checks if the given predicate operator is supported.
func IsValidPredicateOp(op PredicateOp) bool {
	switch op {
	case PredicateOpEquals, PredicateOpNotEquals, PredicateOpContains, PredicateOpExists:
		return true
	default:
		return false
	}
}

// DecisionRule pairs a predicate over the transition context with the node to
// advance to when it holds. Evaluated in declaration order.
type DecisionRule struct {
	Field   string      `json:"field"` // "input" or a session data key
	Op      PredicateOp `json:"op"`
	Value   string      `json:"value,omitempty"`
	NextKey NodeKey     `json:"next_key"`
}

// APIBindingKind selects the external binding an api node invokes.
type APIBindingKind string

const (
	// APIBindingHTTP posts the transition context to a configured URL and uses
	// the response body as the message text.
	APIBindingHTTP APIBindingKind = "http"
	// APIBindingOpenAI generates the message text with an OpenAI completion.
	APIBindingOpenAI APIBindingKind = "openai"
)

// APIBinding configures the external call performed by an api node.
type APIBinding struct {
	Kind         APIBindingKind `json:"kind"`
	URL          string         `json:"url,omitempty"`           // http binding
	SystemPrompt string         `json:"system_prompt,omitempty"` // openai binding
	UserPrompt   string         `json:"user_prompt,omitempty"`   // openai binding
}

// Node is a single step in a campaign's conversation flow. Fields beyond the
// common set apply only to particular kinds: BranchRules/AllowedInputs to
// message/template nodes, DecisionRules/ElseKey to decision nodes, Binding to
// api nodes, NextKey to jump/api nodes.
type Node struct {
	CampaignID      string         `json:"campaign_id"`
	Key             NodeKey        `json:"key"`
	Kind            NodeKind       `json:"kind"`
	Body            string         `json:"body,omitempty"`
	AllowedInputs   []string       `json:"allowed_inputs,omitempty"` // canonical tokens; empty means any input is accepted
	ButtonInputs    bool           `json:"button_inputs,omitempty"`  // allowed inputs are provider button/list ids
	BranchRules     []BranchRule   `json:"branch_rules,omitempty"`
	DecisionRules   []DecisionRule `json:"decision_rules,omitempty"`
	ElseKey         NodeKey        `json:"else_key,omitempty"`
	NextKey         NodeKey        `json:"next_key,omitempty"`
	NodeFallbackKey NodeKey        `json:"node_fallback_key,omitempty"` // consulted when input is disallowed or no branch matches
	Binding         *APIBinding    `json:"binding,omitempty"`
	WaitTimeoutMin  int            `json:"wait_timeout_min,omitempty"` // overrides the campaign default idle timeout
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Validate performs validation on a Node structure.
func (n *Node) Validate() error {
	if n.Key == "" {
		return ErrEmptyNodeKey
	}
	if !IsValidNodeKind(n.Kind) {
		return ErrInvalidNodeKind
	}
	if len(n.Body) > MaxNodeBodyLength {
		return ErrNodeBodyTooLong
	}
	if len(n.BranchRules) > MaxBranchRulesCount {
		return ErrTooManyBranchRules
	}
	if len(n.AllowedInputs) > MaxAllowedInputsCount {
		return ErrTooManyAllowedInputs
	}
	for _, r := range n.BranchRules {
		if r.MatchToken == "" {
			return ErrEmptyMatchToken
		}
		if r.NextKey == "" {
			return ErrEmptyNextKey
		}
	}
	for _, r := range n.DecisionRules {
		if !IsValidPredicateOp(r.Op) {
			return ErrInvalidPredicateOp
		}
		if r.NextKey == "" {
			return ErrEmptyNextKey
		}
	}
	switch n.Kind {
	case NodeKindMessage, NodeKindTemplate, NodeKindFallback:
		if n.Body == "" {
			return ErrEmptyNodeBody
		}
	}
	return nil
}

// Interactive reports whether the node waits for contact input before the
// session can advance.
func (n *Node) Interactive() bool {
	switch n.Kind {
	case NodeKindMessage, NodeKindTemplate, NodeKindFallback:
		return true
	default:
		return false
	}
}

// Terminal reports whether reaching the node completes the session.
func (n *Node) Terminal() bool {
	return n.Kind == NodeKindEnd
}

package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatloop/chatloop/internal/models"
	"github.com/chatloop/chatloop/internal/store"
)

// FallbackTexts holds the engine-level copy used when composing fallback
// bundles and command replies. Body is the answer of last resort and must be
// non-empty; everything else degrades to omission when unavailable.
type FallbackTexts struct {
	Body           string // main fallback body when no campaign fallback node applies
	Hint           string // short usage hint appended to fallback bundles
	StartOver      string // how to reset, e.g. "Send RESET to start over."
	MenuHeader     string // heading above the campaign menu
	PausedNotice   string // reply while a session is paused
	StoppedReply   string // confirmation after a STOP command
	ResetReply     string // confirmation after a start-over command
	CompletedReply string // refusal when a keyword hits an already-completed campaign
	ExpiredReply   string // refusal when a keyword hits an expired session
}

// DefaultFallbackTexts returns the built-in copy. Deployments override these
// via configuration.
func DefaultFallbackTexts() FallbackTexts {
	return FallbackTexts{
		Body:           "Sorry, I didn't understand that.",
		Hint:           "Send MENU to see what I can help with.",
		StartOver:      "Send RESET to start over at any time.",
		MenuHeader:     "Here's what you can start:",
		PausedNotice:   "Your conversation is paused. Send RESET to start fresh.",
		StoppedReply:   "Okay, I'll stop messaging you. Send MENU whenever you want to resume.",
		ResetReply:     "Okay, starting fresh.",
		CompletedReply: "You've already finished this conversation. Send MENU to see what else you can start.",
		ExpiredReply:   "That conversation has expired. Send MENU to see what you can start.",
	}
}

// FallbackComposer builds the global fallback bundle: the main fallback body
// plus best-effort extras (usage hint, launchable campaign menu, start-over
// affordance). A missing main body is fatal; a failing extra is logged and
// omitted.
type FallbackComposer struct {
	store  store.Store
	texts  FallbackTexts
	logger *slog.Logger
}

func NewFallbackComposer(st store.Store, texts FallbackTexts, logger *slog.Logger) *FallbackComposer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackComposer{store: st, texts: texts, logger: logger}
}

// Compose returns the fallback bundle for a contact. When the contact has a
// live session, g identifies its flow so the campaign's own global fallback
// node supplies the main body; g is nil for contacts with no session.
func (c *FallbackComposer) Compose(ctx context.Context, contactID string, g *Graph) ([]models.OutboundMessage, error) {
	body := c.texts.Body
	if g != nil && g.GlobalFallbackKey != "" {
		node, err := g.Resolve(g.GlobalFallbackKey)
		if err != nil {
			c.logger.Error("FallbackComposer.Compose: global fallback node unresolvable", "campaignID", g.CampaignID, "key", g.GlobalFallbackKey, "error", err)
		} else if node.Body != "" {
			body = node.Body
		}
	}
	if body == "" {
		return nil, fmt.Errorf("FallbackComposer.Compose: no fallback body available for contact %s", contactID)
	}

	msgs := []models.OutboundMessage{{To: contactID, Body: body}}
	if extra := c.composeExtras(ctx); extra != "" {
		msgs = append(msgs, models.OutboundMessage{To: contactID, Body: extra})
	}
	return msgs, nil
}

// RejoinReply returns the refusal for a keyword that matches a campaign the
// contact already finished, or "" when no tailored copy exists for the status.
func (c *FallbackComposer) RejoinReply(status models.SessionStatus) string {
	switch status {
	case models.SessionStatusCompleted:
		return c.texts.CompletedReply
	case models.SessionStatusExpired:
		return c.texts.ExpiredReply
	}
	return ""
}

// Menu returns just the launchable campaign menu, used for MENU/HELP replies.
func (c *FallbackComposer) Menu(ctx context.Context, contactID string) ([]models.OutboundMessage, error) {
	menu := c.campaignMenu()
	if menu == "" {
		menu = c.texts.Hint
	}
	if menu == "" {
		return nil, fmt.Errorf("FallbackComposer.Menu: nothing to offer contact %s", contactID)
	}
	return []models.OutboundMessage{{To: contactID, Body: menu}}, nil
}

func (c *FallbackComposer) composeExtras(ctx context.Context) string {
	var parts []string
	if c.texts.Hint != "" {
		parts = append(parts, c.texts.Hint)
	}
	if menu := c.campaignMenu(); menu != "" {
		parts = append(parts, menu)
	}
	if c.texts.StartOver != "" {
		parts = append(parts, c.texts.StartOver)
	}
	return strings.Join(parts, "\n\n")
}

func (c *FallbackComposer) campaignMenu() string {
	campaigns, err := c.store.ListCampaigns()
	if err != nil {
		c.logger.Error("FallbackComposer.campaignMenu: listing campaigns", "error", err)
		return ""
	}
	var lines []string
	for _, camp := range campaigns {
		if !camp.Launchable() {
			continue
		}
		lines = append(lines, fmt.Sprintf("Reply %s to start %s", camp.Keywords[0], camp.Name))
	}
	if len(lines) == 0 {
		return ""
	}
	if c.texts.MenuHeader != "" {
		lines = append([]string{c.texts.MenuHeader}, lines...)
	}
	return strings.Join(lines, "\n")
}

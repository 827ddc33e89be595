// Package messaging provides the transport abstraction between WhatsApp
// providers and the flow engine: outbound message delivery and inbound event
// ingestion.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/chatloop/chatloop/internal/models"
)

// ErrServiceStopped is returned when an operation is attempted on a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex strips everything that is not a digit from a recipient.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction. It supports
// sending messages and provides a channel of inbound contact events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier to E.164. Each service implements its own validation rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers one outbound message, including quick-reply buttons when
	// the transport supports them.
	Send(ctx context.Context, msg models.OutboundMessage) error

	// Start begins any background processing (e.g., listening for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Events returns a channel of inbound contact events.
	Events() <-chan models.InboundEvent
}

// canonicalizePhone reduces a recipient to E.164: digits only, with a leading
// plus. Returns an error when fewer than 6 digits remain.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("canonicalizePhone canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// buttonLabels extracts the display labels from a message's buttons.
func buttonLabels(msg models.OutboundMessage) []string {
	if len(msg.Buttons) == 0 {
		return nil
	}
	labels := make([]string, 0, len(msg.Buttons))
	for _, b := range msg.Buttons {
		label := b.Label
		if strings.TrimSpace(label) == "" {
			label = b.ID
		}
		labels = append(labels, label)
	}
	return labels
}

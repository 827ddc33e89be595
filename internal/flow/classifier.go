package flow

import (
	"strings"

	"github.com/chatloop/chatloop/internal/models"
)

// Canonicalize reduces an inbound event to its canonical token. Free text is
// trimmed and uppercased; button and list reply ids pass through verbatim
// because they are opaque provider identifiers, not user-typed text.
func Canonicalize(evt models.InboundEvent) string {
	switch evt.Kind {
	case models.InboundKindButton, models.InboundKindList:
		return evt.ReplyID
	default:
		return strings.ToUpper(strings.TrimSpace(evt.Text))
	}
}

// Classify evaluates the canonical token against a node's allowed input set.
// An empty allowed set accepts everything. Button/list ids are compared
// exactly; typed tokens are compared case-insensitively.
func Classify(node *models.Node, evt models.InboundEvent) models.ClassifiedInput {
	token := Canonicalize(evt)
	in := models.ClassifiedInput{CanonicalToken: token}
	if len(node.AllowedInputs) == 0 {
		in.MatchedAllowed = true
		return in
	}
	for _, allowed := range node.AllowedInputs {
		if node.ButtonInputs {
			if token == allowed {
				in.MatchedAllowed = true
				return in
			}
			continue
		}
		if strings.EqualFold(token, allowed) {
			in.MatchedAllowed = true
			return in
		}
	}
	return in
}

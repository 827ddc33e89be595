package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chatloop/chatloop/internal/models"
	"github.com/chatloop/chatloop/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// Constants for WhatsAppService configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the inbound event channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // Access to underlying client for event handling
	events   chan models.InboundEvent
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start begins background processing (e.g., event polling).
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")

	if s.waClient != nil {
		slog.Debug("WhatsAppService starting event handler")
		go s.handleEvents(ctx)
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}

	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.events)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// Send delivers one outbound message, with quick-reply buttons when present.
func (s *WhatsAppService) Send(ctx context.Context, msg models.OutboundMessage) error {
	to, err := s.ValidateAndCanonicalizeRecipient(msg.To)
	if err != nil {
		slog.Error("WhatsAppService Send validation error", "error", err, "to", msg.To)
		return err
	}
	if len(msg.Buttons) > 0 {
		buttons := make([]whatsapp.Button, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			buttons = append(buttons, whatsapp.Button{ID: b.ID, Label: b.Label})
		}
		return s.client.SendButtonsMessage(ctx, to, msg.Body, buttons)
	}
	return s.client.SendMessage(ctx, to, msg.Body)
}

// Events returns a channel of inbound contact events.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events
}

// handleEvents processes WhatsApp events and feeds them into the event channel
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if v, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(v)
		}
	})

	slog.Debug("WhatsAppService event handler registered")

	// Keep handler running until context is cancelled
	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage translates a provider message into an InboundEvent.
// Text, button replies, and list replies are forwarded; anything else
// (images, audio, reactions) is skipped.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	inbound := models.InboundEvent{
		ProviderMessageID: evt.Info.ID,
		ReceivedAt:        evt.Info.Timestamp,
	}

	switch {
	case evt.Message.GetButtonsResponseMessage() != nil:
		inbound.Kind = models.InboundKindButton
		inbound.ReplyID = evt.Message.GetButtonsResponseMessage().GetSelectedButtonID()
	case evt.Message.GetListResponseMessage() != nil:
		inbound.Kind = models.InboundKindList
		inbound.ReplyID = evt.Message.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID()
	case evt.Message.GetConversation() != "":
		inbound.Kind = models.InboundKindText
		inbound.Text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		inbound.Kind = models.InboundKindText
		inbound.Text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	// Convert JID to E.164 format
	fromNumber := evt.Info.Sender.User
	if !strings.HasPrefix(fromNumber, "+") {
		fromNumber = "+" + fromNumber
	}
	inbound.ContactPhone = fromNumber

	slog.Debug("WhatsAppService processing incoming message", "from", inbound.ContactPhone, "kind", inbound.Kind, "providerMessageID", inbound.ProviderMessageID)

	// Send to events channel (non-blocking)
	select {
	case s.events <- inbound:
		slog.Info("WhatsAppService incoming message forwarded", "from", inbound.ContactPhone)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService events channel blocked, dropping message", "from", inbound.ContactPhone, "timeout", DefaultChannelTimeout)
	}
}

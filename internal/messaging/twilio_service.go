package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chatloop/chatloop/internal/models"
	"github.com/chatloop/chatloop/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using the Twilio API.
// Inbound messages arrive over the Twilio webhook rather than a live socket.
type TwilioService struct {
	client  twiliowhatsapp.TwilioWhatsAppSender // real Twilio client or MockClient
	events  chan models.InboundEvent
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a new TwilioService wrapping the given sender.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client: client,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op for Twilio (no live client)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.events)
	}()

	return nil
}

// Send delivers one outbound message. Buttons are rendered as numbered text
// options since the Twilio Go SDK does not support WhatsApp buttons.
func (s *TwilioService) Send(ctx context.Context, msg models.OutboundMessage) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	to, err := s.ValidateAndCanonicalizeRecipient(msg.To)
	if err != nil {
		slog.Error("TwilioService Send validation error", "error", err, "to", msg.To)
		return err
	}
	if labels := buttonLabels(msg); len(labels) > 0 {
		return s.client.SendButtonsMessage(ctx, to, msg.Body, labels)
	}
	return s.client.SendMessage(ctx, to, msg.Body)
}

// Events returns the channel for inbound contact events.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events
}

// WebhookHandler handles inbound Twilio webhook requests. It parses incoming
// messages and emits them as InboundEvents, carrying the Twilio MessageSid as
// the provider message id for idempotent processing.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	messageSid := r.FormValue("MessageSid")

	if from == "" || body == "" || messageSid == "" {
		slog.Warn("Twilio webhook missing fields", "from", from, "messageSid", messageSid)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	contact, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Twilio webhook invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", contact, "messageSid", messageSid)

	s.safeEmitEvent(models.InboundEvent{
		ContactPhone:      contact,
		ProviderMessageID: messageSid,
		Kind:              models.InboundKindText,
		Text:              body,
		ReceivedAt:        time.Now(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// safeEmitEvent safely pushes events into the event channel.
func (s *TwilioService) safeEmitEvent(evt models.InboundEvent) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound event (service stopped)", "from", evt.ContactPhone)
		return
	}

	select {
	case s.events <- evt:
		slog.Debug("TwilioService emitted inbound event", "from", evt.ContactPhone)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService events channel blocked, dropping message", "from", evt.ContactPhone)
	}
}

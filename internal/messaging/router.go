package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chatloop/chatloop/internal/flow"
	"github.com/chatloop/chatloop/internal/models"
	"github.com/chatloop/chatloop/internal/store"
)

// TransitionEngine is the part of the flow engine the router depends on.
type TransitionEngine interface {
	HandleInbound(ctx context.Context, evt models.InboundEvent) (*models.TransitionResult, error)
}

// InboundRouter consumes inbound events from a messaging service, runs them
// through the flow engine, and enqueues the resulting outbound bundle into
// the outbox for durable delivery.
type InboundRouter struct {
	service Service
	engine  TransitionEngine
	outbox  store.OutboxRepo
	logger  *slog.Logger
}

func NewInboundRouter(service Service, engine TransitionEngine, outbox store.OutboxRepo, logger *slog.Logger) *InboundRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &InboundRouter{service: service, engine: engine, outbox: outbox, logger: logger}
}

// Start begins consuming inbound events until the context is cancelled or the
// service's event channel closes.
func (r *InboundRouter) Start(ctx context.Context) {
	r.logger.Info("InboundRouter starting event processing")

	go func() {
		defer r.logger.Info("InboundRouter stopped event processing")

		for {
			select {
			case evt, ok := <-r.service.Events():
				if !ok {
					r.logger.Debug("InboundRouter event channel closed")
					return
				}
				if err := r.ProcessEvent(ctx, evt); err != nil {
					if flow.Retryable(err) {
						r.logger.Warn("InboundRouter transient failure, awaiting provider redelivery", "error", err, "from", evt.ContactPhone)
					} else {
						r.logger.Error("InboundRouter failed to process event", "error", err, "from", evt.ContactPhone)
					}
				}

			case <-ctx.Done():
				r.logger.Debug("InboundRouter stopping due to context cancellation")
				return
			}
		}
	}()
}

// ProcessEvent runs one inbound event through the engine and enqueues its
// reply bundle. Replayed duplicates are not re-enqueued; the outbox dedupe
// key additionally guards against double delivery.
func (r *InboundRouter) ProcessEvent(ctx context.Context, evt models.InboundEvent) error {
	res, err := r.engine.HandleInbound(ctx, evt)
	if err != nil {
		return fmt.Errorf("InboundRouter.ProcessEvent: %w", err)
	}
	if res.Duplicate {
		r.logger.Info("InboundRouter duplicate delivery, reply already enqueued", "providerMessageID", evt.ProviderMessageID, "from", evt.ContactPhone)
		return nil
	}
	return r.enqueueReplies(evt, res)
}

func (r *InboundRouter) enqueueReplies(evt models.InboundEvent, res *models.TransitionResult) error {
	for i, msg := range res.Messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("InboundRouter.enqueueReplies: marshaling message %d: %w", i, err)
		}
		dedupeKey := fmt.Sprintf("%s#%d", evt.ProviderMessageID, i)
		if _, err := r.outbox.EnqueueOutboxMessage(msg.To, res.SessionID, string(payload), dedupeKey); err != nil {
			return fmt.Errorf("InboundRouter.enqueueReplies: enqueueing message %d: %w", i, err)
		}
	}
	if len(res.Messages) > 0 {
		r.logger.Info("InboundRouter enqueued reply bundle", "from", evt.ContactPhone, "messages", len(res.Messages), "outcome", res.Outcome)
	}
	return nil
}

// NewOutboxSendFunc adapts a messaging service into the outbox sender's
// delivery callback.
func NewOutboxSendFunc(service Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var out models.OutboundMessage
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &out); err != nil {
			return fmt.Errorf("decoding outbox payload %s: %w", msg.ID, err)
		}
		return service.Send(ctx, out)
	}
}

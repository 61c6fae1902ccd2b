package subscription

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/practicegenius/platform/pkg/billing"
	"github.com/practicegenius/platform/pkg/logger"
)

// HandleProviderWebhook verifies and processes an inbound provider event.
//
// An invalid signature is returned as billing.ErrInvalidSignature with no
// state change; the provider retries delivery on its own. After the
// signature verifies, processing failures that the sweep can repair (or that
// a redelivery could not fix either, like an unresolvable plan) are logged
// and acknowledged so the provider does not re-deliver an event that partly
// succeeded. Only failures before anything was recorded propagate, making
// the provider's retry useful.
func (s *service) HandleProviderWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.provider.ParseWebhook(ctx, payload, signature)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			return err
		}
		// Verified but unparseable payloads cannot improve on redelivery.
		s.log.ErrorContext(ctx, "failed to parse verified webhook payload", logger.Error(err))
		return nil
	}

	switch event.Type {
	case billing.EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	case billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		return s.handleSubscriptionSync(ctx, event)
	default:
		s.log.DebugContext(ctx, "ignoring unrecognized webhook event",
			slog.String("event_type", string(event.Type)),
			slog.String("provider_event", event.ProviderEvent))
		return nil
	}
}

func (s *service) handleCheckoutCompleted(ctx context.Context, event *billing.Event) error {
	if event.SubscriptionID == "" {
		// One-off purchase; not a subscription checkout.
		s.log.DebugContext(ctx, "checkout completed without a subscription",
			slog.String("session_id", event.SessionID))
		return nil
	}

	userID, err := uuid.Parse(event.UserID)
	if err != nil {
		s.log.ErrorContext(ctx, "checkout event carries no usable user reference, manual follow-up required",
			logger.ProviderSubID(event.SubscriptionID),
			slog.String("user_ref", event.UserID))
		return nil
	}

	_, err = s.engine.ActivateFromCheckout(ctx, userID, event.SubscriptionID, event.PriceID, event.PeriodStart, event.PeriodEnd)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAmbiguousPriceID), errors.Is(err, ErrPlanNotFound):
		// Held for manual fix: guessing a plan mapping is worse than a gap.
		s.log.ErrorContext(ctx, "cannot resolve plan for checkout event, manual follow-up required",
			logger.ProviderSubID(event.SubscriptionID),
			slog.String("price_id", event.PriceID), logger.Error(err))
		return nil
	case errors.Is(err, ErrActivePointerUpdate):
		s.log.WarnContext(ctx, "subscription recorded but pointer update failed, sweep will reconcile",
			logger.ProviderSubID(event.SubscriptionID), logger.Error(err))
		return nil
	default:
		// Nothing recorded yet; let the provider redeliver.
		return err
	}
}

func (s *service) handleSubscriptionSync(ctx context.Context, event *billing.Event) error {
	state := ProviderState{
		Status:      event.Status,
		PriceID:     event.PriceID,
		PeriodStart: event.PeriodStart,
		PeriodEnd:   event.PeriodEnd,
		CancelAt:    event.CancelAt,
		Deleted:     event.Type == billing.EventSubscriptionDeleted,
	}

	_, err := s.engine.ApplyProviderState(ctx, event.SubscriptionID, state)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSubscriptionNotFound):
		s.log.WarnContext(ctx, "provider event for unknown subscription",
			logger.ProviderSubID(event.SubscriptionID),
			slog.String("provider_event", event.ProviderEvent))
		return nil
	case errors.Is(err, ErrAmbiguousPriceID):
		s.log.ErrorContext(ctx, "cannot resolve plan for provider event, manual follow-up required",
			logger.ProviderSubID(event.SubscriptionID),
			slog.String("price_id", event.PriceID), logger.Error(err))
		return nil
	case errors.Is(err, ErrActivePointerUpdate):
		s.log.WarnContext(ctx, "subscription synced but pointer update failed, sweep will reconcile",
			logger.ProviderSubID(event.SubscriptionID), logger.Error(err))
		return nil
	default:
		return err
	}
}

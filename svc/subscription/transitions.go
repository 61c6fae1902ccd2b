package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/practicegenius/platform/pkg/logger"
)

// localTransitions defines the status changes this service may initiate on
// its own. Provider-reported state bypasses the table: the provider is the
// source of truth and its status wins even when it appears to move
// backwards.
var localTransitions = map[Status][]Status{
	StatusActive:              {StatusPendingCancellation, StatusCancelled, StatusExpired},
	StatusPendingCancellation: {StatusCancelled},
	StatusCancelled:           {StatusActive},
	StatusExpired:             {StatusActive},
}

func canTransition(from, to Status) bool {
	for _, t := range localTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ProviderState is the provider's reported view of a subscription, as
// carried by a webhook event or a direct retrieval.
type ProviderState struct {
	Status      string
	PriceID     string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	CancelAt    *time.Time
	Deleted     bool // the provider reported the subscription deleted
}

// Engine is the single place a subscription's status is allowed to change.
// Webhook ingestion, user actions and the sweep all funnel through it, so
// the same idempotent transition logic applies regardless of which actor
// observed the change first.
//
// Transitions that touch the user's active-subscription pointer write the
// subscription row first and report pointer failure as ErrActivePointerUpdate
// alongside the updated record, so callers can retry the pointer fix-up.
type Engine struct {
	store   Store
	users   UserStore
	catalog *Catalog
	log     *slog.Logger
}

// NewEngine creates a transition engine. Panics on nil dependencies to fail
// fast during initialization.
func NewEngine(store Store, users UserStore, catalog *Catalog, log *slog.Logger) *Engine {
	if store == nil {
		panic("subscription: Store is required")
	}
	if users == nil {
		panic("subscription: UserStore is required")
	}
	if catalog == nil {
		panic("subscription: Catalog is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, users: users, catalog: catalog, log: log}
}

// ActivateFromCheckout records a completed checkout for a provider
// subscription. Replays for an already-recorded provider id update the
// existing record in place; exactly one record ever exists per provider id.
func (e *Engine) ActivateFromCheckout(ctx context.Context, userID uuid.UUID, providerSubID, priceID string, start, periodEnd *time.Time) (*Subscription, error) {
	plan, _, err := e.catalog.ResolvePrice(priceID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if start == nil {
		start = &now
	}

	active := StatusActive
	change := Change{
		PlanID:           &plan.ID,
		Status:           &active,
		StartDate:        start,
		CurrentPeriodEnd: periodEnd,
	}

	onInsert := &Subscription{
		ID:             uuid.New(),
		UserID:         userID,
		PlanID:         plan.ID,
		Status:         StatusActive,
		RenewalEnabled: true,
		AutoRenew:      true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	sub, err := e.store.UpsertByProviderID(ctx, providerSubID, onInsert, change)
	if err != nil {
		return nil, fmt.Errorf("failed to record checkout for %s: %w", providerSubID, err)
	}

	if err := e.users.SetActiveSubscription(ctx, sub.UserID, sub.ID); err != nil {
		return sub, errors.Join(ErrActivePointerUpdate, err)
	}
	return sub, nil
}

// ApplyProviderState converges the local record toward the provider's
// reported state. The reported status overwrites the local one regardless of
// arrival order; date and plan fields are patched from whatever the report
// carries.
func (e *Engine) ApplyProviderState(ctx context.Context, providerSubID string, state ProviderState) (*Subscription, error) {
	existing, err := e.store.ByProviderID(ctx, providerSubID)
	if err != nil {
		return nil, err
	}

	change := Change{
		CurrentPeriodEnd: state.PeriodEnd,
	}

	// The subscription start is only ever backfilled, never rewritten: the
	// provider reports the current period's start, not the original one.
	if existing.StartDate == nil && state.PeriodStart != nil {
		change.StartDate = state.PeriodStart
	}

	if state.PriceID != "" {
		plan, _, err := e.catalog.ResolvePrice(state.PriceID)
		if err != nil {
			return nil, err
		}
		change.PlanID = &plan.ID
	}

	status, known := mapProviderStatus(state)
	if !known {
		e.log.WarnContext(ctx, "unknown provider subscription status, leaving local status unchanged",
			logger.ProviderSubID(providerSubID),
			slog.String("provider_status", state.Status))
	} else {
		if status == StatusPendingCancellation {
			if state.CancelAt != nil {
				change.CancellationEffectiveDate = state.CancelAt
			} else if existing.CancellationEffectiveDate == nil {
				// A pending cancellation without an effective date would
				// force a guess; keep the record active until a dated
				// report arrives.
				status = StatusActive
				e.log.WarnContext(ctx, "provider scheduled cancellation without an effective date",
					logger.ProviderSubID(providerSubID))
			}
		}
		if status.Terminal() && existing.CancelledAt == nil && status == StatusCancelled {
			now := time.Now().UTC()
			change.CancelledAt = &now
		}
		change.Status = &status
	}

	sub, err := e.store.Apply(ctx, existing.ID, nil, change)
	if err != nil {
		return nil, fmt.Errorf("failed to apply provider state for %s: %w", providerSubID, err)
	}

	if err := e.syncPointer(ctx, sub); err != nil {
		return sub, err
	}
	return sub, nil
}

// SwapPlan updates the local plan pointer in the same call path that issued
// the provider's price change, so a read immediately after the upgrade sees
// the new plan before the corresponding webhook arrives. Both entitled
// statuses qualify: a pending-cancellation subscription can still be
// upgraded until its effective date.
func (e *Engine) SwapPlan(ctx context.Context, subID uuid.UUID, planID string, periodEnd *time.Time) (*Subscription, error) {
	sub, err := e.store.Apply(ctx, subID, []Status{StatusActive, StatusPendingCancellation}, Change{
		PlanID:           &planID,
		CurrentPeriodEnd: periodEnd,
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// MarkPendingCancellation transitions an active subscription to pending
// cancellation. The effective date comes from the provider and is required:
// a pending cancellation without a date is never written.
func (e *Engine) MarkPendingCancellation(ctx context.Context, subID uuid.UUID, effective time.Time) (*Subscription, error) {
	if effective.IsZero() {
		return nil, ErrMissingCancellationDate
	}

	pending := StatusPendingCancellation
	renewal := false
	return e.store.Apply(ctx, subID, []Status{StatusActive}, Change{
		Status:                    &pending,
		CancellationEffectiveDate: &effective,
		RenewalEnabled:            &renewal,
		AutoRenew:                 &renewal,
	})
}

// CancelLocal marks a record cancelled without any provider call, used when
// the provider already considers it gone and for legacy records.
func (e *Engine) CancelLocal(ctx context.Context, subID uuid.UUID) (*Subscription, error) {
	now := time.Now().UTC()
	cancelled := StatusCancelled
	sub, err := e.store.Apply(ctx, subID, []Status{StatusActive, StatusPendingCancellation}, Change{
		Status:      &cancelled,
		CancelledAt: &now,
	})
	if err != nil {
		return nil, err
	}

	if err := e.users.ClearActiveSubscription(ctx, sub.UserID, sub.ID); err != nil {
		return sub, errors.Join(ErrActivePointerUpdate, err)
	}
	return sub, nil
}

// Expire transitions a lapsed subscription to expired and clears the user's
// pointer. Conditional on the record still being active, so a concurrent
// provider sync that already moved the status wins and the expiry becomes a
// no-op (ErrStaleTransition).
func (e *Engine) Expire(ctx context.Context, subID uuid.UUID) (*Subscription, error) {
	expired := StatusExpired
	sub, err := e.store.Apply(ctx, subID, []Status{StatusActive}, Change{Status: &expired})
	if err != nil {
		return nil, err
	}

	if err := e.users.ClearActiveSubscription(ctx, sub.UserID, sub.ID); err != nil {
		return sub, errors.Join(ErrActivePointerUpdate, err)
	}
	return sub, nil
}

// RenewNextPeriod expires a lapsed renewal-enabled record and creates the
// row for the next billing period, repointing the user at it. Used for
// locally billed subscriptions only: provider-managed records renew through
// the provider's own webhook on the existing row.
func (e *Engine) RenewNextPeriod(ctx context.Context, prev *Subscription) (*Subscription, error) {
	plan, err := e.catalog.ByID(prev.PlanID)
	if err != nil {
		return nil, err
	}

	expired := StatusExpired
	if _, err := e.store.Apply(ctx, prev.ID, []Status{StatusActive}, Change{Status: &expired}); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	start := now
	if prev.CurrentPeriodEnd != nil {
		start = *prev.CurrentPeriodEnd
	}
	end := plan.Cycle.PeriodEnd(start)

	next := &Subscription{
		ID:               uuid.New(),
		UserID:           prev.UserID,
		PlanID:           prev.PlanID,
		Status:           StatusActive,
		StartDate:        &start,
		CurrentPeriodEnd: &end,
		RenewalEnabled:   prev.RenewalEnabled,
		AutoRenew:        prev.AutoRenew,
		PaymentMethod:    prev.PaymentMethod,
		PaymentID:        prev.PaymentID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.Insert(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to insert renewal subscription: %w", err)
	}

	if err := e.users.SetActiveSubscription(ctx, next.UserID, next.ID); err != nil {
		return next, errors.Join(ErrActivePointerUpdate, err)
	}
	return next, nil
}

// Reactivate returns an expired or cancelled subscription to active,
// restarting its billing period from now and re-attaching the user pointer.
func (e *Engine) Reactivate(ctx context.Context, subID uuid.UUID) (*Subscription, error) {
	existing, err := e.store.ByID(ctx, subID)
	if err != nil {
		return nil, err
	}
	if !canTransition(existing.Status, StatusActive) {
		return nil, ErrStaleTransition
	}

	plan, err := e.catalog.ByID(existing.PlanID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	end := plan.Cycle.PeriodEnd(now)
	active := StatusActive
	renewal := true

	sub, err := e.store.Apply(ctx, subID, []Status{StatusCancelled, StatusExpired}, Change{
		Status:            &active,
		StartDate:         &now,
		CurrentPeriodEnd:  &end,
		ClearCancellation: true,
		RenewalEnabled:    &renewal,
	})
	if err != nil {
		return nil, err
	}

	if err := e.users.SetActiveSubscription(ctx, sub.UserID, sub.ID); err != nil {
		return sub, errors.Join(ErrActivePointerUpdate, err)
	}
	return sub, nil
}

// syncPointer reconciles the user's active-subscription pointer with the
// record's status after a provider-driven change.
func (e *Engine) syncPointer(ctx context.Context, sub *Subscription) error {
	var err error
	if sub.Status.Entitled() {
		err = e.users.SetActiveSubscription(ctx, sub.UserID, sub.ID)
	} else {
		err = e.users.ClearActiveSubscription(ctx, sub.UserID, sub.ID)
	}
	if err != nil {
		return errors.Join(ErrActivePointerUpdate, err)
	}
	return nil
}

// mapProviderStatus maps the provider's reported status onto the local
// status set. A scheduled cancellation on an otherwise live subscription is
// represented locally as pending cancellation.
func mapProviderStatus(state ProviderState) (Status, bool) {
	if state.Deleted {
		return StatusCancelled, true
	}
	switch strings.ToLower(state.Status) {
	case "active", "trialing", "past_due":
		if state.CancelAt != nil {
			return StatusPendingCancellation, true
		}
		return StatusActive, true
	case string(StatusPendingCancellation):
		return StatusPendingCancellation, true
	case "canceled", "cancelled":
		return StatusCancelled, true
	case "paused", "expired":
		return StatusExpired, true
	default:
		return "", false
	}
}

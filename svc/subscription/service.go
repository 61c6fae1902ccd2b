package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/practicegenius/platform/pkg/billing"
	"github.com/practicegenius/platform/pkg/logger"
)

// Service is the public interface for subscription management, consumed by
// the HTTP layer.
type Service interface {
	GetCurrentSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]Subscription, error)

	StartCheckout(ctx context.Context, userID uuid.UUID, planID string, opts CheckoutOptions) (*Checkout, error)
	RequestCancellation(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	VerifyPayment(ctx context.Context, sessionID string) (*Subscription, error)
	Renew(ctx context.Context, userID, subID uuid.UUID) (*Subscription, error)

	HandleProviderWebhook(ctx context.Context, payload []byte, signature string) error

	// Legacy subscriptions are created directly with an opaque payment
	// reference and never touch the provider.
	CreateLegacy(ctx context.Context, userID uuid.UUID, planID, paymentMethod, paymentID string) (*Subscription, error)
	CancelLegacy(ctx context.Context, userID, subID uuid.UUID) (*Subscription, error)

	// Delete is an administrative removal with no provider side effects.
	Delete(ctx context.Context, subID uuid.UUID) error

	Plans() []Plan
}

// ServiceOption configures a Service instance.
type ServiceOption func(*service)

// WithLogger sets the logger used for reconciliation diagnostics.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithCooldown enables opportunistic provider resync on reads, throttled by
// the cooldown. Without it, reads only query the provider when date fields
// are missing.
func WithCooldown(cd Cooldown) ServiceOption {
	return func(s *service) {
		if cd != nil {
			s.cooldown = cd
		}
	}
}

type service struct {
	provider billing.Provider
	store    Store
	users    UserStore
	catalog  *Catalog
	engine   *Engine
	cooldown Cooldown
	log      *slog.Logger
}

// NewService creates the subscription service. Panics if required
// dependencies are nil to fail fast during initialization.
func NewService(provider billing.Provider, store Store, users UserStore, catalog *Catalog, opts ...ServiceOption) Service {
	if provider == nil {
		panic("subscription: billing.Provider is required")
	}
	if store == nil {
		panic("subscription: Store is required")
	}
	if users == nil {
		panic("subscription: UserStore is required")
	}
	if catalog == nil {
		panic("subscription: Catalog is required")
	}

	s := &service{
		provider: provider,
		store:    store,
		users:    users,
		catalog:  catalog,
		cooldown: noCooldown{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = NewEngine(store, users, catalog, s.log)
	return s
}

// GetCurrentSubscription returns the user's current subscription, backfilled
// from the provider when local data is incomplete or the resync cooldown
// permits a freshness check. Provider unavailability never fails the read:
// the stale-but-present local record is returned and the discrepancy logged.
func (s *service) GetCurrentSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.CurrentForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !sub.IsManaged() {
		return sub, nil
	}
	if !sub.NeedsBackfill() && !s.cooldown.Allow(ctx, sub.ProviderSubID) {
		return sub, nil
	}

	fresh, err := s.provider.RetrieveSubscription(ctx, sub.ProviderSubID)
	if err != nil {
		s.log.WarnContext(ctx, "provider lookup failed during backfill, serving local state",
			logger.ProviderSubID(sub.ProviderSubID), logger.Error(err))
		return sub, nil
	}

	synced, err := s.engine.ApplyProviderState(ctx, sub.ProviderSubID, providerStateFromSubscription(fresh))
	if err != nil {
		s.log.ErrorContext(ctx, "failed to persist backfilled subscription state",
			logger.ProviderSubID(sub.ProviderSubID), logger.Error(err))
		return sub, nil
	}
	return synced, nil
}

func (s *service) ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]Subscription, error) {
	return s.store.ListForUser(ctx, userID)
}

// StartCheckout opens a hosted checkout session for the plan, or, when the
// user already holds a provider-managed subscription, performs an in-place
// prorated upgrade and applies the plan change locally before returning so a
// subsequent read cannot observe the old plan.
func (s *service) StartCheckout(ctx context.Context, userID uuid.UUID, planID string, opts CheckoutOptions) (*Checkout, error) {
	plan, err := s.catalog.ByID(planID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, ErrPlanNotFound
	}
	priceID, ok := plan.PriceID()
	if !ok {
		return nil, ErrPlanNotPurchasable
	}

	current, err := s.store.CurrentForUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	if current != nil && current.IsManaged() {
		fresh, err := s.provider.UpdateSubscription(ctx, current.ProviderSubID, billing.UpdateParams{
			PriceID: &priceID,
		})
		if err != nil {
			return nil, err
		}

		sub, err := s.engine.SwapPlan(ctx, current.ID, plan.ID, fresh.PeriodEnd)
		if err != nil {
			return nil, err
		}
		return &Checkout{Upgraded: true, Subscription: sub}, nil
	}

	var customerID string
	if opts.Email != "" {
		customerID, err = s.provider.CreateCustomer(ctx, billing.CustomerParams{
			Email: opts.Email,
			Name:  opts.Name,
		})
		if err != nil {
			return nil, err
		}
	}

	session, err := s.provider.CreateCheckoutSession(ctx, billing.CheckoutParams{
		PriceID:    priceID,
		CustomerID: customerID,
		UserID:     userID.String(),
		Email:      opts.Email,
		SuccessURL: opts.SuccessURL,
		CancelURL:  opts.CancelURL,
	})
	if err != nil {
		return nil, err
	}

	return &Checkout{SessionID: session.ID, URL: session.URL}, nil
}

// RequestCancellation instructs the provider to cancel at period end and
// records the pending cancellation with the provider's effective date. If
// the provider reports the subscription no longer exists there, the local
// record is corrected to cancelled instead.
func (s *service) RequestCancellation(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	current, err := s.store.CurrentForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusPendingCancellation {
		return current, nil
	}
	if !current.IsManaged() {
		return nil, errors.Join(ErrSubscriptionNotFound, ErrNotManaged)
	}

	cancel := true
	fresh, err := s.provider.UpdateSubscription(ctx, current.ProviderSubID, billing.UpdateParams{
		CancelAtPeriodEnd: &cancel,
	})
	if err != nil {
		if billing.IsRejected(err) {
			s.log.WarnContext(ctx, "provider no longer knows subscription, cancelling locally",
				logger.ProviderSubID(current.ProviderSubID), logger.Error(err))
			return s.engine.CancelLocal(ctx, current.ID)
		}
		return nil, err
	}

	if fresh.CancelAt == nil {
		return nil, ErrMissingCancellationDate
	}

	return s.engine.MarkPendingCancellation(ctx, current.ID, *fresh.CancelAt)
}

// VerifyPayment confirms a checkout session settled and materializes its
// subscription. Replays return the already-recorded subscription unchanged.
func (s *service) VerifyPayment(ctx context.Context, sessionID string) (*Subscription, error) {
	session, err := s.provider.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Paid() || session.SubscriptionID == "" {
		return nil, ErrSessionNotPaid
	}

	if existing, err := s.store.ByProviderID(ctx, session.SubscriptionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	userID, err := uuid.Parse(session.UserID)
	if err != nil {
		return nil, errors.Join(ErrInvalidUserRef, err)
	}

	s.deactivatePrior(ctx, userID)

	// Best effort date fetch; missing dates are backfilled on read.
	var start, periodEnd *time.Time
	if fresh, err := s.provider.RetrieveSubscription(ctx, session.SubscriptionID); err == nil {
		start = fresh.PeriodStart
		periodEnd = fresh.PeriodEnd
	}

	sub, err := s.engine.ActivateFromCheckout(ctx, userID, session.SubscriptionID, session.PriceID, start, periodEnd)
	if err != nil {
		if errors.Is(err, ErrActivePointerUpdate) {
			return sub, err
		}
		return nil, err
	}
	return sub, nil
}

// Renew reactivates an expired or cancelled subscription for a fresh billing
// period. Renewing an already-active subscription is a no-op.
func (s *service) Renew(ctx context.Context, userID, subID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.ByID(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, ErrUnauthorized
	}
	if sub.Status.Entitled() {
		return sub, nil
	}
	return s.engine.Reactivate(ctx, subID)
}

func (s *service) CreateLegacy(ctx context.Context, userID uuid.UUID, planID, paymentMethod, paymentID string) (*Subscription, error) {
	plan, err := s.catalog.ByID(planID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	end := plan.Cycle.PeriodEnd(now)

	sub := &Subscription{
		ID:               uuid.New(),
		UserID:           userID,
		PlanID:           plan.ID,
		Status:           StatusActive,
		StartDate:        &now,
		CurrentPeriodEnd: &end,
		RenewalEnabled:   true,
		PaymentMethod:    paymentMethod,
		PaymentID:        paymentID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Insert(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create legacy subscription: %w", err)
	}

	if err := s.users.SetActiveSubscription(ctx, userID, sub.ID); err != nil {
		return sub, errors.Join(ErrActivePointerUpdate, err)
	}
	return sub, nil
}

// CancelLegacy immediately cancels a subscription that is not managed by the
// provider. Provider-managed subscriptions must go through
// RequestCancellation.
func (s *service) CancelLegacy(ctx context.Context, userID, subID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.ByID(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, ErrUnauthorized
	}
	if sub.IsManaged() {
		return nil, fmt.Errorf("%w: use RequestCancellation for provider-managed subscriptions", ErrUnauthorized)
	}
	return s.engine.CancelLocal(ctx, subID)
}

func (s *service) Delete(ctx context.Context, subID uuid.UUID) error {
	sub, err := s.store.ByID(ctx, subID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, subID); err != nil {
		return err
	}
	// Plain removal: no provider call, but a dangling pointer is cleared.
	if err := s.users.ClearActiveSubscription(ctx, sub.UserID, sub.ID); err != nil {
		return errors.Join(ErrActivePointerUpdate, err)
	}
	return nil
}

func (s *service) Plans() []Plan {
	return s.catalog.Plans()
}

// deactivatePrior cancels the user's remaining entitled subscriptions before
// a new one is recorded. Failures are logged and do not block the new
// subscription: the sweep converges leftovers.
func (s *service) deactivatePrior(ctx context.Context, userID uuid.UUID) {
	subs, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		s.log.WarnContext(ctx, "failed to list prior subscriptions for deactivation",
			logger.UserID(userID), logger.Error(err))
		return
	}
	for i := range subs {
		if !subs[i].Status.Entitled() {
			continue
		}
		if _, err := s.engine.CancelLocal(ctx, subs[i].ID); err != nil && !errors.Is(err, ErrStaleTransition) {
			s.log.WarnContext(ctx, "failed to deactivate prior subscription",
				logger.SubscriptionID(subs[i].ID), logger.Error(err))
		}
	}
}

func providerStateFromSubscription(sub *billing.Subscription) ProviderState {
	return ProviderState{
		Status:      sub.Status,
		PriceID:     sub.PriceID,
		PeriodStart: sub.PeriodStart,
		PeriodEnd:   sub.PeriodEnd,
		CancelAt:    sub.CancelAt,
	}
}

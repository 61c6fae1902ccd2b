package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/practicegenius/platform/pkg/billing"
	"github.com/practicegenius/platform/svc/subscription"
)

// Mock implementations
type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateCustomer(ctx context.Context, params billing.CustomerParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, params billing.CheckoutParams) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockProvider) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockProvider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Subscription), args.Error(1)
}

func (m *mockProvider) UpdateSubscription(ctx context.Context, subscriptionID string, params billing.UpdateParams) (*billing.Subscription, error) {
	args := m.Called(ctx, subscriptionID, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Subscription), args.Error(1)
}

func (m *mockProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.Event, error) {
	args := m.Called(ctx, payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Event), args.Error(1)
}

// Test helpers
func createTestPlans() []subscription.Plan {
	return []subscription.Plan{
		{
			ID:    "basic",
			Name:  "Basic",
			Cycle: subscription.CycleMonthly,
			PriceIDs: map[subscription.BillingCycle]string{
				subscription.CycleMonthly: "pri_basic_monthly",
			},
			Features: []string{"worksheets"},
			Active:   true,
		},
		{
			ID:    "pro",
			Name:  "Pro",
			Cycle: subscription.CycleMonthly,
			PriceIDs: map[subscription.BillingCycle]string{
				subscription.CycleMonthly: "pri_pro_monthly",
				subscription.CycleYearly:  "pri_pro_yearly",
			},
			Features: []string{"worksheets", "answer-keys"},
			Active:   true,
		},
		{
			ID:    "retired",
			Name:  "Retired",
			Cycle: subscription.CycleMonthly,
			PriceIDs: map[subscription.BillingCycle]string{
				subscription.CycleMonthly: "pri_retired_monthly",
			},
			Active: false,
		},
		{
			ID:     "community",
			Name:   "Community",
			Cycle:  subscription.CycleMonthly,
			Active: true, // intentionally has no provider prices
		},
	}
}

func createTestCatalog(t *testing.T) *subscription.Catalog {
	t.Helper()
	catalog, err := subscription.NewCatalog(context.Background(), subscription.NewInMemSource(createTestPlans()...))
	require.NoError(t, err)
	return catalog
}

type testEnv struct {
	svc      subscription.Service
	store    *subscription.MemoryStore
	provider *mockProvider
}

func newTestEnv(t *testing.T, opts ...subscription.ServiceOption) *testEnv {
	t.Helper()
	store := subscription.NewMemoryStore()
	provider := &mockProvider{}
	svc := subscription.NewService(provider, store, store, createTestCatalog(t), opts...)
	return &testEnv{svc: svc, store: store, provider: provider}
}

func timePtr(t time.Time) *time.Time { return &t }

func seedActive(t *testing.T, store *subscription.MemoryStore, userID uuid.UUID, planID, providerSubID string) *subscription.Subscription {
	t.Helper()
	now := time.Now().UTC()
	end := now.AddDate(0, 1, 0)
	sub := &subscription.Subscription{
		ID:               uuid.New(),
		UserID:           userID,
		PlanID:           planID,
		ProviderSubID:    providerSubID,
		Status:           subscription.StatusActive,
		StartDate:        &now,
		CurrentPeriodEnd: &end,
		RenewalEnabled:   true,
		AutoRenew:        true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, store.Insert(context.Background(), sub))
	require.NoError(t, store.SetActiveSubscription(context.Background(), userID, sub.ID))
	return sub
}

func TestService_GetCurrentSubscription(t *testing.T) {
	t.Parallel()

	t.Run("returns not found when user has no subscription", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		_, err := env.svc.GetCurrentSubscription(context.Background(), uuid.New())
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})

	t.Run("serves legacy subscription without touching the provider", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		seeded := seedActive(t, env.store, userID, "basic", "")

		sub, err := env.svc.GetCurrentSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, seeded.ID, sub.ID)
		env.provider.AssertNotCalled(t, "RetrieveSubscription", mock.Anything, mock.Anything)
	})

	t.Run("backfills missing dates from the provider", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		sub := seedActive(t, env.store, userID, "basic", "sub_backfill")
		// Strip the dates so the read has to ask the provider.
		now := time.Now().UTC()
		cp := *sub
		cp.StartDate = nil
		cp.CurrentPeriodEnd = nil
		require.NoError(t, env.store.Insert(context.Background(), &cp))

		start := now.Add(-time.Hour)
		end := now.AddDate(0, 1, 0)
		env.provider.On("RetrieveSubscription", mock.Anything, "sub_backfill").Return(&billing.Subscription{
			ID:          "sub_backfill",
			Status:      "active",
			PriceID:     "pri_basic_monthly",
			PeriodStart: &start,
			PeriodEnd:   &end,
		}, nil).Once()

		got, err := env.svc.GetCurrentSubscription(context.Background(), userID)
		require.NoError(t, err)
		require.NotNil(t, got.StartDate)
		require.NotNil(t, got.CurrentPeriodEnd)
		assert.True(t, got.CurrentPeriodEnd.Equal(end))
		env.provider.AssertExpectations(t)
	})

	t.Run("serves stale local state when the provider is unavailable", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		sub := seedActive(t, env.store, userID, "basic", "sub_down")
		cp := *sub
		cp.CurrentPeriodEnd = nil
		require.NoError(t, env.store.Insert(context.Background(), &cp))

		env.provider.On("RetrieveSubscription", mock.Anything, "sub_down").Return(nil, billing.ErrUnavailable).Once()

		got, err := env.svc.GetCurrentSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, sub.ID, got.ID)
		assert.Nil(t, got.CurrentPeriodEnd)
		env.provider.AssertExpectations(t)
	})

	t.Run("cooldown suppresses repeated provider refreshes", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, subscription.WithCooldown(subscription.NewMemoryCooldown(time.Hour)))
		userID := uuid.New()
		sub := seedActive(t, env.store, userID, "basic", "sub_cooldown")

		env.provider.On("RetrieveSubscription", mock.Anything, "sub_cooldown").Return(&billing.Subscription{
			ID:        "sub_cooldown",
			Status:    "active",
			PriceID:   "pri_basic_monthly",
			PeriodEnd: sub.CurrentPeriodEnd,
		}, nil).Once()

		_, err := env.svc.GetCurrentSubscription(context.Background(), userID)
		require.NoError(t, err)
		_, err = env.svc.GetCurrentSubscription(context.Background(), userID)
		require.NoError(t, err)

		env.provider.AssertNumberOfCalls(t, "RetrieveSubscription", 1)
	})
}

func TestService_StartCheckout(t *testing.T) {
	t.Parallel()

	t.Run("rejects unknown plan", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		_, err := env.svc.StartCheckout(context.Background(), uuid.New(), "no-such-plan", subscription.CheckoutOptions{})
		assert.ErrorIs(t, err, subscription.ErrPlanNotFound)
	})

	t.Run("rejects inactive plan", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		_, err := env.svc.StartCheckout(context.Background(), uuid.New(), "retired", subscription.CheckoutOptions{})
		assert.ErrorIs(t, err, subscription.ErrPlanNotFound)
	})

	t.Run("rejects plan without a provider price", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		_, err := env.svc.StartCheckout(context.Background(), uuid.New(), "community", subscription.CheckoutOptions{})
		assert.ErrorIs(t, err, subscription.ErrPlanNotPurchasable)
	})

	t.Run("opens a hosted checkout session for a new subscriber", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()

		env.provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p billing.CheckoutParams) bool {
			return p.PriceID == "pri_basic_monthly" && p.UserID == userID.String()
		})).Return(&billing.CheckoutSession{ID: "txn_1", URL: "https://pay.example/txn_1"}, nil).Once()

		out, err := env.svc.StartCheckout(context.Background(), userID, "basic", subscription.CheckoutOptions{})
		require.NoError(t, err)
		assert.False(t, out.Upgraded)
		assert.Equal(t, "txn_1", out.SessionID)
		assert.Equal(t, "https://pay.example/txn_1", out.URL)
		env.provider.AssertExpectations(t)
	})

	t.Run("creates a provider customer when an email is supplied", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()

		env.provider.On("CreateCustomer", mock.Anything, billing.CustomerParams{
			Email: "teacher@example.com", Name: "Ms. Frizzle",
		}).Return("ctm_42", nil).Once()
		env.provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p billing.CheckoutParams) bool {
			return p.CustomerID == "ctm_42"
		})).Return(&billing.CheckoutSession{ID: "txn_2", URL: "https://pay.example/txn_2"}, nil).Once()

		_, err := env.svc.StartCheckout(context.Background(), userID, "basic", subscription.CheckoutOptions{
			Email: "teacher@example.com",
			Name:  "Ms. Frizzle",
		})
		require.NoError(t, err)
		env.provider.AssertExpectations(t)
	})

	t.Run("upgrades in place and the new plan is visible immediately", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		seedActive(t, env.store, userID, "basic", "sub_upgrade")

		newEnd := time.Now().UTC().AddDate(0, 1, 0)
		env.provider.On("UpdateSubscription", mock.Anything, "sub_upgrade", mock.MatchedBy(func(p billing.UpdateParams) bool {
			return p.PriceID != nil && *p.PriceID == "pri_pro_monthly"
		})).Return(&billing.Subscription{
			ID:        "sub_upgrade",
			Status:    "active",
			PriceID:   "pri_pro_monthly",
			PeriodEnd: &newEnd,
		}, nil).Once()

		out, err := env.svc.StartCheckout(context.Background(), userID, "pro", subscription.CheckoutOptions{})
		require.NoError(t, err)
		assert.True(t, out.Upgraded)
		require.NotNil(t, out.Subscription)
		assert.Equal(t, "pro", out.Subscription.PlanID)

		// The webhook for the price change has not arrived, yet a read
		// already observes the new plan.
		current, err := env.svc.GetCurrentSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, "pro", current.PlanID)
		env.provider.AssertExpectations(t)
	})

	t.Run("upgrades a subscription scheduled for cancellation", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		sub := seedActive(t, env.store, userID, "basic", "sub_pending_up")

		pending := subscription.StatusPendingCancellation
		effective := time.Now().UTC().AddDate(0, 0, 10)
		_, err := env.store.Apply(context.Background(), sub.ID, nil, subscription.Change{
			Status:                    &pending,
			CancellationEffectiveDate: &effective,
		})
		require.NoError(t, err)

		newEnd := time.Now().UTC().AddDate(0, 1, 0)
		env.provider.On("UpdateSubscription", mock.Anything, "sub_pending_up", mock.Anything).
			Return(&billing.Subscription{
				ID:        "sub_pending_up",
				Status:    "active",
				PriceID:   "pri_pro_monthly",
				PeriodEnd: &newEnd,
			}, nil).Once()

		out, err := env.svc.StartCheckout(context.Background(), userID, "pro", subscription.CheckoutOptions{})
		require.NoError(t, err)
		assert.True(t, out.Upgraded)
		require.NotNil(t, out.Subscription)
		assert.Equal(t, "pro", out.Subscription.PlanID)
		env.provider.AssertExpectations(t)
	})

	t.Run("propagates provider failure during upgrade", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		seedActive(t, env.store, userID, "basic", "sub_upgrade_fail")

		env.provider.On("UpdateSubscription", mock.Anything, "sub_upgrade_fail", mock.Anything).
			Return(nil, billing.ErrUnavailable).Once()

		_, err := env.svc.StartCheckout(context.Background(), userID, "pro", subscription.CheckoutOptions{})
		assert.ErrorIs(t, err, billing.ErrUnavailable)

		// Local plan unchanged on failure.
		current, err := env.svc.GetCurrentSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, "basic", current.PlanID)
	})
}

func TestService_RequestCancellation(t *testing.T) {
	t.Parallel()

	t.Run("returns not found when user has no subscription", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		_, err := env.svc.RequestCancellation(context.Background(), uuid.New())
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})

	t.Run("marks pending cancellation with the provider's effective date", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		sub := seedActive(t, env.store, userID, "basic", "sub_cancel")

		effective := time.Now().UTC().AddDate(0, 0, 14)
		env.provider.On("UpdateSubscription", mock.Anything, "sub_cancel", mock.MatchedBy(func(p billing.UpdateParams) bool {
			return p.CancelAtPeriodEnd != nil && *p.CancelAtPeriodEnd
		})).Return(&billing.Subscription{
			ID:       "sub_cancel",
			Status:   "active",
			CancelAt: &effective,
		}, nil).Once()

		got, err := env.svc.RequestCancellation(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusPendingCancellation, got.Status)
		require.NotNil(t, got.CancellationEffectiveDate)
		assert.True(t, got.CancellationEffectiveDate.Equal(effective))
		assert.False(t, got.RenewalEnabled)

		// Still entitled until the effective date.
		current, err := env.svc.GetCurrentSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, sub.ID, current.ID)
		env.provider.AssertExpectations(t)
	})

	t.Run("repeat request is idempotent and skips the provider", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		seedActive(t, env.store, userID, "basic", "sub_repeat")

		effective := time.Now().UTC().AddDate(0, 0, 14)
		env.provider.On("UpdateSubscription", mock.Anything, "sub_repeat", mock.Anything).Return(&billing.Subscription{
			ID: "sub_repeat", Status: "active", CancelAt: &effective,
		}, nil).Once()

		first, err := env.svc.RequestCancellation(context.Background(), userID)
		require.NoError(t, err)
		second, err := env.svc.RequestCancellation(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, first.Status, second.Status)
		env.provider.AssertNumberOfCalls(t, "UpdateSubscription", 1)
	})

	t.Run("rejects cancellation of a legacy subscription", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		seedActive(t, env.store, userID, "basic", "")

		_, err := env.svc.RequestCancellation(context.Background(), userID)
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
		assert.ErrorIs(t, err, subscription.ErrNotManaged)
	})

	t.Run("corrects local record when the provider rejects the subscription", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		seedActive(t, env.store, userID, "basic", "sub_gone")

		env.provider.On("UpdateSubscription", mock.Anything, "sub_gone", mock.Anything).
			Return(nil, billing.ErrRejected).Once()

		got, err := env.svc.RequestCancellation(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCancelled, got.Status)
		require.NotNil(t, got.CancelledAt)

		_, ok, err := env.store.ActiveSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("refuses to guess when the provider returns no effective date", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		sub := seedActive(t, env.store, userID, "basic", "sub_nodate")

		env.provider.On("UpdateSubscription", mock.Anything, "sub_nodate", mock.Anything).
			Return(&billing.Subscription{ID: "sub_nodate", Status: "active"}, nil).Once()

		_, err := env.svc.RequestCancellation(context.Background(), userID)
		assert.ErrorIs(t, err, subscription.ErrMissingCancellationDate)

		got, err := env.store.ByID(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, got.Status)
	})

	t.Run("propagates provider unavailability without local changes", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		sub := seedActive(t, env.store, userID, "basic", "sub_err")

		env.provider.On("UpdateSubscription", mock.Anything, "sub_err", mock.Anything).
			Return(nil, billing.ErrUnavailable).Once()

		_, err := env.svc.RequestCancellation(context.Background(), userID)
		assert.ErrorIs(t, err, billing.ErrUnavailable)

		got, err := env.store.ByID(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, got.Status)
	})
}

func TestService_VerifyPayment(t *testing.T) {
	t.Parallel()

	t.Run("rejects an unpaid session", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		env.provider.On("RetrieveCheckoutSession", mock.Anything, "txn_unpaid").Return(&billing.CheckoutSession{
			ID: "txn_unpaid", PaymentStatus: "pending",
		}, nil).Once()

		_, err := env.svc.VerifyPayment(context.Background(), "txn_unpaid")
		assert.ErrorIs(t, err, subscription.ErrSessionNotPaid)
	})

	t.Run("materializes the subscription from a paid session", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()

		start := time.Now().UTC()
		end := start.AddDate(0, 1, 0)
		env.provider.On("RetrieveCheckoutSession", mock.Anything, "txn_paid").Return(&billing.CheckoutSession{
			ID:             "txn_paid",
			PaymentStatus:  billing.PaymentStatusPaid,
			SubscriptionID: "sub_new",
			PriceID:        "pri_pro_monthly",
			UserID:         userID.String(),
		}, nil).Once()
		env.provider.On("RetrieveSubscription", mock.Anything, "sub_new").Return(&billing.Subscription{
			ID: "sub_new", Status: "active", PriceID: "pri_pro_monthly",
			PeriodStart: &start, PeriodEnd: &end,
		}, nil).Once()

		sub, err := env.svc.VerifyPayment(context.Background(), "txn_paid")
		require.NoError(t, err)
		assert.Equal(t, "pro", sub.PlanID)
		assert.Equal(t, "sub_new", sub.ProviderSubID)
		assert.Equal(t, subscription.StatusActive, sub.Status)

		id, ok, err := env.store.ActiveSubscription(context.Background(), userID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, sub.ID, id)
		env.provider.AssertExpectations(t)
	})

	t.Run("replayed verification returns the recorded subscription unchanged", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		existing := seedActive(t, env.store, userID, "pro", "sub_seen")

		env.provider.On("RetrieveCheckoutSession", mock.Anything, "txn_replay").Return(&billing.CheckoutSession{
			ID:             "txn_replay",
			PaymentStatus:  billing.PaymentStatusPaid,
			SubscriptionID: "sub_seen",
			PriceID:        "pri_pro_monthly",
			UserID:         userID.String(),
		}, nil).Twice()

		for range 2 {
			got, err := env.svc.VerifyPayment(context.Background(), "txn_replay")
			require.NoError(t, err)
			assert.Equal(t, existing.ID, got.ID)
		}

		subs, err := env.store.ListForUser(context.Background(), userID)
		require.NoError(t, err)
		assert.Len(t, subs, 1)
		env.provider.AssertNotCalled(t, "RetrieveSubscription", mock.Anything, mock.Anything)
	})

	t.Run("deactivates a prior subscription before recording the new one", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		prior := seedActive(t, env.store, userID, "basic", "sub_old")

		env.provider.On("RetrieveCheckoutSession", mock.Anything, "txn_switch").Return(&billing.CheckoutSession{
			ID:             "txn_switch",
			PaymentStatus:  billing.PaymentStatusPaid,
			SubscriptionID: "sub_new2",
			PriceID:        "pri_pro_monthly",
			UserID:         userID.String(),
		}, nil).Once()
		env.provider.On("RetrieveSubscription", mock.Anything, "sub_new2").
			Return(nil, billing.ErrUnavailable).Once()

		sub, err := env.svc.VerifyPayment(context.Background(), "txn_switch")
		require.NoError(t, err)
		assert.Equal(t, "pro", sub.PlanID)

		old, err := env.store.ByID(context.Background(), prior.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCancelled, old.Status)

		id, ok, err := env.store.ActiveSubscription(context.Background(), userID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, sub.ID, id)
	})

	t.Run("rejects a session without a usable user reference", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		env.provider.On("RetrieveCheckoutSession", mock.Anything, "txn_bad_user").Return(&billing.CheckoutSession{
			ID:             "txn_bad_user",
			PaymentStatus:  billing.PaymentStatusPaid,
			SubscriptionID: "sub_bad_user",
			UserID:         "not-a-uuid",
		}, nil).Once()

		_, err := env.svc.VerifyPayment(context.Background(), "txn_bad_user")
		assert.ErrorIs(t, err, subscription.ErrInvalidUserRef)
	})
}

func TestService_Renew(t *testing.T) {
	t.Parallel()

	t.Run("rejects renewal by a different user", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		sub := seedActive(t, env.store, uuid.New(), "basic", "")

		_, err := env.svc.Renew(context.Background(), uuid.New(), sub.ID)
		assert.ErrorIs(t, err, subscription.ErrUnauthorized)
	})

	t.Run("renewing an entitled subscription is a no-op", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		sub := seedActive(t, env.store, userID, "basic", "")

		got, err := env.svc.Renew(context.Background(), userID, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, sub.ID, got.ID)
		assert.Equal(t, subscription.StatusActive, got.Status)
	})

	t.Run("reactivates an expired subscription for a fresh period", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		sub := seedActive(t, env.store, userID, "basic", "")
		expired := subscription.StatusExpired
		_, err := env.store.Apply(context.Background(), sub.ID, nil, subscription.Change{Status: &expired})
		require.NoError(t, err)

		got, err := env.svc.Renew(context.Background(), userID, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, got.Status)
		require.NotNil(t, got.CurrentPeriodEnd)
		assert.True(t, got.CurrentPeriodEnd.After(time.Now().UTC()))
		assert.True(t, got.RenewalEnabled)

		id, ok, err := env.store.ActiveSubscription(context.Background(), userID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, sub.ID, id)
	})
}

func TestService_Legacy(t *testing.T) {
	t.Parallel()

	t.Run("creates a legacy subscription with a full billing period", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()

		sub, err := env.svc.CreateLegacy(context.Background(), userID, "basic", "bank_transfer", "ref-123")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.Empty(t, sub.ProviderSubID)
		assert.Equal(t, "bank_transfer", sub.PaymentMethod)
		require.NotNil(t, sub.CurrentPeriodEnd)

		current, err := env.svc.GetCurrentSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, sub.ID, current.ID)
	})

	t.Run("cancels a legacy subscription immediately", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		sub, err := env.svc.CreateLegacy(context.Background(), userID, "basic", "cheque", "ref-456")
		require.NoError(t, err)

		got, err := env.svc.CancelLegacy(context.Background(), userID, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCancelled, got.Status)

		_, ok, err := env.store.ActiveSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("refuses legacy cancellation of a provider-managed subscription", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		userID := uuid.New()
		sub := seedActive(t, env.store, userID, "basic", "sub_managed")

		_, err := env.svc.CancelLegacy(context.Background(), userID, sub.ID)
		assert.Error(t, err)
	})
}

func TestService_Delete(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	userID := uuid.New()
	sub := seedActive(t, env.store, userID, "basic", "")

	require.NoError(t, env.svc.Delete(context.Background(), sub.ID))

	_, err := env.store.ByID(context.Background(), sub.ID)
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	_, ok, err := env.store.ActiveSubscription(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, env.svc.Delete(context.Background(), sub.ID), subscription.ErrSubscriptionNotFound)
}

func TestService_Plans(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	plans := env.svc.Plans()
	require.Len(t, plans, 4)
	assert.Equal(t, "basic", plans[0].ID)
}

package subscription

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is the local projection of a user's subscription. A user may
// accumulate many historical records (cancelled, expired); at most one is
// referenced by the user's active-subscription pointer.
type Subscription struct {
	ID     uuid.UUID `bson:"_id"`
	UserID uuid.UUID `bson:"user_id"`
	PlanID string    `bson:"plan_id"`

	// ProviderSubID is the billing provider's subscription id. Empty for
	// legacy records created without the provider. Unique across all
	// records; it is the idempotency key for webhook and sync effects.
	ProviderSubID string `bson:"provider_subscription_id,omitempty"`

	Status Status `bson:"status"`

	StartDate        *time.Time `bson:"start_date,omitempty"`
	CurrentPeriodEnd *time.Time `bson:"current_period_end,omitempty"`

	CancelledAt               *time.Time `bson:"cancelled_at,omitempty"`
	CancellationEffectiveDate *time.Time `bson:"cancellation_effective_date,omitempty"`

	RenewalEnabled bool `bson:"renewal_enabled"`
	AutoRenew      bool `bson:"auto_renew"`

	// Opaque references for legacy records not managed by the provider.
	PaymentMethod string `bson:"payment_method,omitempty"`
	PaymentID     string `bson:"payment_id,omitempty"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// Entitled reports whether the record currently grants access.
func (s *Subscription) Entitled() bool {
	return s.Status.Entitled()
}

// IsManaged reports whether the record is backed by a provider subscription.
func (s *Subscription) IsManaged() bool {
	return s.ProviderSubID != ""
}

// PeriodLapsed reports whether the billing period has ended as of now.
// Records with no known period end are never considered lapsed.
func (s *Subscription) PeriodLapsed(now time.Time) bool {
	return s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.Before(now)
}

// NeedsBackfill reports whether the record is missing date fields that the
// provider can supply.
func (s *Subscription) NeedsBackfill() bool {
	return s.IsManaged() && (s.StartDate == nil || s.CurrentPeriodEnd == nil)
}

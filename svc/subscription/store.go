package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Change is a partial update to a subscription record. Nil fields are left
// untouched. Implementations always bump UpdatedAt when applying a Change.
type Change struct {
	PlanID           *string
	Status           *Status
	StartDate        *time.Time
	CurrentPeriodEnd *time.Time

	CancelledAt               *time.Time
	CancellationEffectiveDate *time.Time
	// ClearCancellation nulls both cancellation date fields, used when a
	// terminated record is reactivated.
	ClearCancellation bool

	RenewalEnabled *bool
	AutoRenew      *bool
}

// Store defines subscription persistence. The provider subscription id
// carries a unique constraint: UpsertByProviderID is the idempotency
// primitive, and Apply is the conditional update that serializes racing
// writers (webhooks, user actions, the sweep) on a record's status.
type Store interface {
	Insert(ctx context.Context, sub *Subscription) error

	ByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// ByProviderID returns the single record for a provider subscription id.
	// Returns ErrSubscriptionNotFound if none exists.
	ByProviderID(ctx context.Context, providerSubID string) (*Subscription, error)

	// CurrentForUser returns the most recently created record for the user
	// whose status still grants entitlement (active or pending
	// cancellation). Returns ErrSubscriptionNotFound if there is none.
	CurrentForUser(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// ListForUser returns all records for a user, newest first.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]Subscription, error)

	// ListExpired returns active records whose billing period ended before
	// asOf.
	ListExpired(ctx context.Context, asOf time.Time) ([]Subscription, error)

	// UpsertByProviderID atomically updates the record holding the provider
	// subscription id, or inserts onInsert (with the change applied) when no
	// such record exists. This must be a single find-and-modify-or-insert
	// against the store, never a read followed by a conditional write.
	UpsertByProviderID(ctx context.Context, providerSubID string, onInsert *Subscription, change Change) (*Subscription, error)

	// Apply atomically applies the change to the record only if its status
	// is one of expect (any status when expect is empty). Returns
	// ErrStaleTransition when the record exists but no longer satisfies
	// expect, ErrSubscriptionNotFound when it does not exist.
	Apply(ctx context.Context, id uuid.UUID, expect []Status, change Change) (*Subscription, error)

	// Delete removes a record. Administrative only; no provider side effects.
	Delete(ctx context.Context, id uuid.UUID) error
}

// UserStore manages the user's active-subscription back-reference. The
// pointer must only ever name a record whose status grants entitlement.
type UserStore interface {
	// ActiveSubscription returns the id the user's pointer currently names.
	ActiveSubscription(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)

	// SetActiveSubscription points the user at the given subscription.
	SetActiveSubscription(ctx context.Context, userID, subID uuid.UUID) error

	// ClearActiveSubscription clears the pointer only if it currently names
	// subID, so a stale clear cannot erase a newer pointer.
	ClearActiveSubscription(ctx context.Context, userID, subID uuid.UUID) error
}

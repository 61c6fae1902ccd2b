package subscription

import "errors"

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrNotManaged           = errors.New("subscription has no provider subscription id")

	ErrPlanNotFound             = errors.New("subscription plan not found")
	ErrPlanNotPurchasable       = errors.New("plan has no usable provider price")
	ErrAmbiguousPriceID         = errors.New("provider price id does not resolve to exactly one plan")
	ErrInvalidPlanConfiguration = errors.New("invalid subscription plan configuration")
	ErrFailedToLoadPlans        = errors.New("failed to load subscription plans")

	// ErrUnauthorized indicates the actor does not own the subscription
	// being mutated.
	ErrUnauthorized = errors.New("subscription does not belong to the requesting user")

	// ErrMissingCancellationDate is returned when the provider schedules a
	// cancellation without reporting when it takes effect. The local record
	// is left unchanged rather than guessing a date.
	ErrMissingCancellationDate = errors.New("provider did not return a cancellation date")

	// ErrStaleTransition indicates the record's status changed concurrently
	// and the conditional update did not apply.
	ErrStaleTransition = errors.New("subscription changed concurrently, transition skipped")

	// ErrActivePointerUpdate indicates the subscription row was written but
	// the user's active-subscription pointer was not; callers may retry the
	// pointer fix-up.
	ErrActivePointerUpdate = errors.New("failed to update user's active subscription pointer")

	ErrSessionNotPaid = errors.New("checkout session has not been paid")
	ErrInvalidUserRef = errors.New("invalid user reference in provider data")
)

package billing

import (
	"context"
	"time"
)

// Provider defines the minimal interface for the external billing provider.
// The provider is the source of truth for money movement; local state is a
// projection converged toward it. Implementations should use official
// provider SDKs and handle provider-specific quirks internally.
type Provider interface {
	// CreateCustomer creates (or reuses) a customer record at the provider
	// and returns the provider's customer identifier.
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)

	// CreateCheckoutSession creates a hosted checkout session.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)

	// RetrieveCheckoutSession fetches a checkout session by its identifier.
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)

	// RetrieveSubscription fetches the provider's view of a subscription.
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// UpdateSubscription applies a price swap and/or schedules cancellation
	// at period end, returning the provider's updated view.
	UpdateSubscription(ctx context.Context, subscriptionID string, params UpdateParams) (*Subscription, error)

	// ParseWebhook validates the event signature and returns a normalized
	// event. Must reject spoofed payloads with ErrInvalidSignature.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// CustomerParams contains data needed to create a provider customer.
type CustomerParams struct {
	Email string
	Name  string
}

// CheckoutParams contains data needed to create a checkout session.
type CheckoutParams struct {
	PriceID    string // provider's price identifier
	CustomerID string // provider's customer identifier, if already known
	UserID     string // our user identifier, echoed back in webhooks
	Email      string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession represents a hosted checkout session.
type CheckoutSession struct {
	ID             string
	URL            string
	CustomerID     string
	SubscriptionID string // set once the session produced a subscription
	PriceID        string
	UserID         string // our user id from session metadata
	PaymentStatus  string
	ExpiresAt      time.Time
}

// PaymentStatusPaid is the normalized payment status of a settled session.
const PaymentStatusPaid = "paid"

// Paid reports whether the session's payment has settled.
func (s *CheckoutSession) Paid() bool {
	return s.PaymentStatus == PaymentStatusPaid
}

// Subscription is the provider's view of a subscription.
type Subscription struct {
	ID          string
	CustomerID  string
	Status      string
	PriceID     string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	CancelAt    *time.Time // non-nil when cancellation is scheduled
}

// UpdateParams describes a subscription mutation at the provider.
// Nil fields are left untouched.
type UpdateParams struct {
	PriceID           *string // swap to this price, prorated
	CancelAtPeriodEnd *bool   // schedule or revoke cancellation at period end
}

// EventType is the normalized billing event type.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout_completed"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
)

// Event is a normalized webhook event from the billing provider.
type Event struct {
	Type           EventType
	ProviderEvent  string // original provider event name
	EventID        string
	SessionID      string // checkout session id, for checkout events
	SubscriptionID string // provider's subscription id
	CustomerID     string // provider's customer id
	UserID         string // our user id from event metadata
	Status         string
	PriceID        string
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	CancelAt       *time.Time
	Raw            map[string]any
}

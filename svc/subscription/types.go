package subscription

import "time"

// Status represents the current state of a subscription.
type Status string

const (
	StatusActive              Status = "active"
	StatusPendingCancellation Status = "pending_cancellation"
	StatusCancelled           Status = "cancelled"
	StatusExpired             Status = "expired"
)

// Entitled reports whether the status grants access to paid content.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusPendingCancellation
}

// Terminal reports whether the status is final for this record.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// BillingCycle represents the billing frequency for a subscription plan.
type BillingCycle string

const (
	CycleMonthly   BillingCycle = "monthly"
	CycleQuarterly BillingCycle = "quarterly"
	CycleYearly    BillingCycle = "yearly"
)

// Valid reports whether the cycle is a known billing cycle.
func (c BillingCycle) Valid() bool {
	switch c {
	case CycleMonthly, CycleQuarterly, CycleYearly:
		return true
	}
	return false
}

// PeriodEnd returns the end of a billing period that starts at the given time.
func (c BillingCycle) PeriodEnd(start time.Time) time.Time {
	switch c {
	case CycleQuarterly:
		return start.AddDate(0, 3, 0)
	case CycleYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// CheckoutOptions contains options for creating a checkout session.
type CheckoutOptions struct {
	Email      string // billing email, used to create the provider customer
	Name       string
	SuccessURL string // redirect after successful payment
	CancelURL  string // redirect if the customer abandons checkout
}

// Checkout is the result of StartCheckout: either a hosted checkout session
// to redirect the user to, or an in-place upgrade applied to the current
// subscription with no session opened.
type Checkout struct {
	Upgraded     bool
	Subscription *Subscription // set when Upgraded
	SessionID    string        // set when a checkout session was created
	URL          string
}

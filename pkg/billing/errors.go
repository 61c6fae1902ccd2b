package billing

import "errors"

var (
	// ErrUnavailable indicates a timeout or transient provider failure.
	// Callers may retry.
	ErrUnavailable = errors.New("billing provider unavailable")

	// ErrRejected indicates the provider understood the request and refused
	// it, e.g. the referenced subscription no longer exists there. Retrying
	// will not help; local state should be corrected instead.
	ErrRejected = errors.New("billing provider rejected request")

	// ErrInvalidSignature indicates a webhook payload that failed signature
	// verification. No state change may follow.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	ErrMissingAPIKey        = errors.New("billing provider API key is required")
	ErrMissingWebhookSecret = errors.New("billing provider webhook secret is required")
	ErrInvalidEnvironment   = errors.New("invalid billing provider environment")
	ErrNoCheckoutURL        = errors.New("no checkout URL returned from provider")
)

// IsUnavailable reports whether err is a retryable provider failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRejected reports whether err is a permanent provider refusal.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

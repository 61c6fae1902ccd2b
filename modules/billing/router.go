// Package billing exposes the subscription service over HTTP. Authentication
// happens upstream: handlers trust the X-User-ID header placed by the auth
// middleware in front of this router.
package billing

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/practicegenius/platform/svc/subscription"
)

// RouterOptions configures the billing module router.
type RouterOptions struct {
	Service subscription.Service
	Logger  *slog.Logger

	// MaxWebhookBody caps the webhook request body size in bytes.
	// Defaults to 1 MiB.
	MaxWebhookBody int64
}

// Router mounts the subscription endpoints and the provider webhook.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/", billing.Router(billing.RouterOptions{Service: svc}))
func Router(opts RouterOptions) chi.Router {
	if opts.Service == nil {
		panic("billing: subscription.Service is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxWebhookBody <= 0 {
		opts.MaxWebhookBody = 1 << 20
	}

	h := &handlers{svc: opts.Service, log: opts.Logger, maxWebhookBody: opts.MaxWebhookBody}

	r := chi.NewRouter()
	r.Route("/subscriptions", func(sr chi.Router) {
		sr.Get("/", h.listSubscriptions)
		sr.Get("/current", h.getCurrentSubscription)
		sr.Get("/verify", h.verifyPayment)
		sr.Post("/checkout", h.startCheckout)
		sr.Post("/cancel", h.requestCancellation)
		sr.Post("/{id}/renew", h.renew)
	})
	r.Post("/webhooks/billing", h.providerWebhook)

	return r
}

// userIDHeader carries the authenticated user's id, set by the upstream
// auth middleware.
const userIDHeader = "X-User-ID"

func userID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get(userIDHeader))
	return id, err == nil
}

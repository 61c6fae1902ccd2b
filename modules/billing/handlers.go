package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	pbilling "github.com/practicegenius/platform/pkg/billing"
	"github.com/practicegenius/platform/pkg/logger"
	"github.com/practicegenius/platform/svc/subscription"
)

// signatureHeader is the provider's webhook signature header.
const signatureHeader = "Paddle-Signature"

type handlers struct {
	svc            subscription.Service
	log            *slog.Logger
	maxWebhookBody int64
}

type subscriptionResponse struct {
	ID                        uuid.UUID  `json:"id"`
	PlanID                    string     `json:"plan_id"`
	Status                    string     `json:"status"`
	StartDate                 *time.Time `json:"start_date,omitempty"`
	CurrentPeriodEnd          *time.Time `json:"current_period_end,omitempty"`
	CancelledAt               *time.Time `json:"cancelled_at,omitempty"`
	CancellationEffectiveDate *time.Time `json:"cancellation_effective_date,omitempty"`
	RenewalEnabled            bool       `json:"renewal_enabled"`
	Managed                   bool       `json:"managed"`
}

func toResponse(sub *subscription.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                        sub.ID,
		PlanID:                    sub.PlanID,
		Status:                    string(sub.Status),
		StartDate:                 sub.StartDate,
		CurrentPeriodEnd:          sub.CurrentPeriodEnd,
		CancelledAt:               sub.CancelledAt,
		CancellationEffectiveDate: sub.CancellationEffectiveDate,
		RenewalEnabled:            sub.RenewalEnabled,
		Managed:                   sub.IsManaged(),
	}
}

func (h *handlers) getCurrentSubscription(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid user identity")
		return
	}

	sub, err := h.svc.GetCurrentSubscription(r.Context(), uid)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sub))
}

func (h *handlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid user identity")
		return
	}

	subs, err := h.svc.ListSubscriptions(r.Context(), uid)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := make([]subscriptionResponse, 0, len(subs))
	for i := range subs {
		out = append(out, toResponse(&subs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

type checkoutRequest struct {
	PlanID     string `json:"plan_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type checkoutResponse struct {
	Upgraded     bool                  `json:"upgraded"`
	SessionID    string                `json:"session_id,omitempty"`
	CheckoutURL  string                `json:"checkout_url,omitempty"`
	Subscription *subscriptionResponse `json:"subscription,omitempty"`
}

func (h *handlers) startCheckout(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid user identity")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "plan_id is required")
		return
	}

	out, err := h.svc.StartCheckout(r.Context(), uid, req.PlanID, subscription.CheckoutOptions{
		Email:      req.Email,
		Name:       req.Name,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := checkoutResponse{Upgraded: out.Upgraded, SessionID: out.SessionID, CheckoutURL: out.URL}
	if out.Subscription != nil {
		sr := toResponse(out.Subscription)
		resp.Subscription = &sr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) requestCancellation(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid user identity")
		return
	}

	sub, err := h.svc.RequestCancellation(r.Context(), uid)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sub))
}

func (h *handlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}

	sub, err := h.svc.VerifyPayment(r.Context(), sessionID)
	if err != nil {
		// The subscription was recorded; only the user pointer lagged and
		// the sweep converges it. The payment itself verified fine.
		if errors.Is(err, subscription.ErrActivePointerUpdate) && sub != nil {
			h.log.WarnContext(r.Context(), "payment verified with deferred pointer update",
				logger.SubscriptionID(sub.ID), logger.Error(err))
			writeJSON(w, http.StatusOK, toResponse(sub))
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sub))
}

func (h *handlers) renew(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid user identity")
		return
	}
	subID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid subscription id")
		return
	}

	sub, err := h.svc.Renew(r.Context(), uid, subID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sub))
}

func (h *handlers) providerWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unreadable request body")
		return
	}

	err = h.svc.HandleProviderWebhook(r.Context(), body, r.Header.Get(signatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, pbilling.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid_signature", "webhook signature verification failed")
	default:
		// Nothing was recorded; a non-2xx response makes the provider
		// redeliver the event.
		h.log.ErrorContext(r.Context(), "webhook processing failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "event processing failed")
	}
}

func (h *handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", logger.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func mapServiceError(err error) (int, string) {
	switch {
	case errors.Is(err, subscription.ErrSubscriptionNotFound),
		errors.Is(err, subscription.ErrPlanNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, subscription.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, pbilling.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case pbilling.IsUnavailable(err):
		return http.StatusServiceUnavailable, "provider_unavailable"
	case pbilling.IsRejected(err),
		errors.Is(err, subscription.ErrPlanNotPurchasable),
		errors.Is(err, subscription.ErrAmbiguousPriceID),
		errors.Is(err, subscription.ErrSessionNotPaid),
		errors.Is(err, subscription.ErrMissingCancellationDate),
		errors.Is(err, subscription.ErrInvalidUserRef):
		return http.StatusUnprocessableEntity, "unprocessable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

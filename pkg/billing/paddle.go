package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/PaddleHQ/paddle-go-sdk/v4/pkg/paddleerr"
)

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey         string        `env:"PADDLE_API_KEY,required"`
	WebhookSecret  string        `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment    string        `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
	RequestTimeout time.Duration `env:"PADDLE_REQUEST_TIMEOUT" envDefault:"10s"`
}

// PaddleProvider implements Provider for Paddle.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	timeout  time.Duration
}

// NewPaddleProvider creates a new Paddle billing provider.
func NewPaddleProvider(config PaddleConfig) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvironment, config.Environment)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		timeout:  timeout,
	}, nil
}

// CreateCustomer creates a customer record in Paddle keyed by email.
func (p *PaddleProvider) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	if params.Email == "" {
		return "", fmt.Errorf("%w: customer email is required", ErrRejected)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req := &paddle.CreateCustomerRequest{
		Email: params.Email,
	}
	if params.Name != "" {
		req.Name = paddle.PtrTo(params.Name)
	}

	customer, err := p.client.CustomersClient.CreateCustomer(ctx, req)
	if err != nil {
		return "", classify(err)
	}

	return customer.ID, nil
}

// CreateCheckoutSession creates a hosted checkout session in Paddle.
// Paddle models checkout sessions as transactions; the transaction id is
// the session id used by RetrieveCheckoutSession.
func (p *PaddleProvider) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	if params.PriceID == "" {
		return nil, fmt.Errorf("%w: price ID is required", ErrRejected)
	}
	if params.UserID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrRejected)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  params.PriceID,
		Quantity: 1,
	})

	req := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"user_id": params.UserID,
		},
	}
	if params.CustomerID != "" {
		req.CustomerID = paddle.PtrTo(params.CustomerID)
	}
	if params.Email != "" {
		req.CustomData["email"] = params.Email
	}
	if params.SuccessURL != "" {
		req.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(params.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	var checkoutURL string
	if transaction.Checkout != nil && transaction.Checkout.URL != nil {
		checkoutURL = *transaction.Checkout.URL
	} else {
		return nil, ErrNoCheckoutURL
	}

	return &CheckoutSession{
		ID:            transaction.ID,
		URL:           checkoutURL,
		UserID:        params.UserID,
		PriceID:       params.PriceID,
		PaymentStatus: string(transaction.Status),
		// Paddle checkout links typically expire in 24 hours
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// RetrieveCheckoutSession fetches the transaction backing a checkout session.
func (p *PaddleProvider) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	transaction, err := p.client.TransactionsClient.GetTransaction(ctx, &paddle.GetTransactionRequest{
		TransactionID: sessionID,
	})
	if err != nil {
		return nil, classify(err)
	}

	session := &CheckoutSession{
		ID:            transaction.ID,
		PaymentStatus: mapTransactionStatus(string(transaction.Status)),
	}
	if transaction.CustomerID != nil {
		session.CustomerID = *transaction.CustomerID
	}
	if transaction.SubscriptionID != nil {
		session.SubscriptionID = *transaction.SubscriptionID
	}
	if len(transaction.Items) > 0 {
		session.PriceID = transaction.Items[0].Price.ID
	}
	if userID, ok := transaction.CustomData["user_id"].(string); ok {
		session.UserID = userID
	}

	return session, nil
}

// RetrieveSubscription fetches Paddle's view of a subscription.
func (p *PaddleProvider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return nil, classify(err)
	}

	return fromPaddleSubscription(sub), nil
}

// UpdateSubscription applies a prorated price swap and/or schedules
// cancellation at period end.
func (p *PaddleProvider) UpdateSubscription(ctx context.Context, subscriptionID string, params UpdateParams) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Cancellation is a dedicated Paddle operation, not an update field.
	if params.CancelAtPeriodEnd != nil && *params.CancelAtPeriodEnd {
		sub, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
			SubscriptionID: subscriptionID,
			EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromNextBillingPeriod),
		})
		if err != nil {
			return nil, classify(err)
		}
		return fromPaddleSubscription(sub), nil
	}

	if params.PriceID == nil {
		return p.RetrieveSubscription(ctx, subscriptionID)
	}

	item := paddle.NewUpdateSubscriptionItemsSubscriptionUpdateItemFromCatalog(&paddle.SubscriptionUpdateItemFromCatalog{
		PriceID:  *params.PriceID,
		Quantity: 1,
	})

	sub, err := p.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID:       subscriptionID,
		Items:                paddle.NewPatchField([]paddle.UpdateSubscriptionItems{*item}),
		ProrationBillingMode: paddle.NewPatchField(paddle.ProrationBillingModeProratedImmediately),
	})
	if err != nil {
		return nil, classify(err)
	}

	return fromPaddleSubscription(sub), nil
}

// ParseWebhook validates and parses incoming webhook data from Paddle.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var paddleEvent struct {
		EventID   string         `json:"event_id"`
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	event := &Event{
		Type:          mapPaddleEventType(paddleEvent.EventType),
		ProviderEvent: paddleEvent.EventType,
		EventID:       paddleEvent.EventID,
		Raw:           paddleEvent.Data,
	}

	data := paddleEvent.Data

	if strings.HasPrefix(paddleEvent.EventType, "subscription.") {
		if subID, ok := data["id"].(string); ok {
			event.SubscriptionID = subID
		}
		if status, ok := data["status"].(string); ok {
			event.Status = status
		}
		if customerID, ok := data["customer_id"].(string); ok {
			event.CustomerID = customerID
		}
		if period, ok := data["current_billing_period"].(map[string]any); ok {
			event.PeriodStart = parseAnyTime(period["starts_at"])
			event.PeriodEnd = parseAnyTime(period["ends_at"])
		}
		if change, ok := data["scheduled_change"].(map[string]any); ok {
			if action, ok := change["action"].(string); ok && action == "cancel" {
				event.CancelAt = parseAnyTime(change["effective_at"])
			}
		}
		event.PriceID = firstItemPriceID(data, "price")
	}

	if strings.HasPrefix(paddleEvent.EventType, "transaction.") {
		if txnID, ok := data["id"].(string); ok {
			event.SessionID = txnID
		}
		if subID, ok := data["subscription_id"].(string); ok {
			event.SubscriptionID = subID
		}
		if status, ok := data["status"].(string); ok {
			event.Status = status
		}
		if customerID, ok := data["customer_id"].(string); ok {
			event.CustomerID = customerID
		}
		event.PriceID = firstItemPriceID(data, "price")
		if event.PriceID == "" {
			event.PriceID = firstItemPriceIDFlat(data)
		}
	}

	if customData, ok := data["custom_data"].(map[string]any); ok {
		if userID, ok := customData["user_id"].(string); ok {
			event.UserID = userID
		}
	}

	return event, nil
}

// mapPaddleEventType maps Paddle event types to the normalized EventType.
func mapPaddleEventType(paddleEvent string) EventType {
	switch paddleEvent {
	case "transaction.completed", "checkout.session.completed":
		return EventCheckoutCompleted
	case "subscription.created", "subscription.updated", "subscription.resumed",
		"customer.subscription.updated":
		return EventSubscriptionUpdated
	case "subscription.canceled", "customer.subscription.deleted":
		return EventSubscriptionDeleted
	default:
		return EventType(paddleEvent)
	}
}

// mapTransactionStatus normalizes Paddle transaction statuses onto the
// session payment status. Completed and paid both mean money settled.
func mapTransactionStatus(status string) string {
	switch strings.ToLower(status) {
	case "completed", "paid":
		return PaymentStatusPaid
	default:
		return strings.ToLower(status)
	}
}

func fromPaddleSubscription(sub *paddle.Subscription) *Subscription {
	out := &Subscription{
		ID:         sub.ID,
		CustomerID: sub.CustomerID,
		Status:     string(sub.Status),
	}
	if len(sub.Items) > 0 {
		out.PriceID = sub.Items[0].Price.ID
	}
	if sub.CurrentBillingPeriod != nil {
		out.PeriodStart = parseStringTime(sub.CurrentBillingPeriod.StartsAt)
		out.PeriodEnd = parseStringTime(sub.CurrentBillingPeriod.EndsAt)
	}
	if sub.ScheduledChange != nil && sub.ScheduledChange.Action == paddle.ScheduledChangeActionCancel {
		out.CancelAt = parseStringTime(sub.ScheduledChange.EffectiveAt)
	}
	return out
}

func parseStringTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func parseAnyTime(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return parseStringTime(s)
}

func firstItemPriceID(data map[string]any, key string) string {
	items, ok := data["items"].([]any)
	if !ok || len(items) == 0 {
		return ""
	}
	item, ok := items[0].(map[string]any)
	if !ok {
		return ""
	}
	price, ok := item[key].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := price["id"].(string)
	return id
}

func firstItemPriceIDFlat(data map[string]any) string {
	items, ok := data["items"].([]any)
	if !ok || len(items) == 0 {
		return ""
	}
	item, ok := items[0].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := item["price_id"].(string)
	return id
}

// classify splits provider failures into the retryable/permanent taxonomy.
// A structured API error means Paddle understood and refused the request;
// transport failures and timeouts are retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *paddleerr.Error
	if errors.As(err, &apiErr) {
		return errors.Join(ErrRejected, err)
	}
	return errors.Join(ErrUnavailable, err)
}

package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	subscriptionsCollection = "subscriptions"
	usersCollection         = "users"
)

// MongoStore is the mongo-backed Store and UserStore implementation. The
// unique sparse index on the provider subscription id plus FindOneAndUpdate
// upserts give the at-most-one-record-per-provider-id guarantee without any
// application-level locking.
type MongoStore struct {
	subs  *mongo.Collection
	users *mongo.Collection
}

// NewMongoStore returns a store over the given database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		subs:  db.Collection(subscriptionsCollection),
		users: db.Collection(usersCollection),
	}
}

// EnsureIndexes creates the indexes the store's contracts rely on. Call once
// at startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.subs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "provider_subscription_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "current_period_end", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create subscription indexes: %w", err)
	}
	return nil
}

type subscriptionDoc struct {
	ID                        string     `bson:"_id"`
	UserID                    string     `bson:"user_id"`
	PlanID                    string     `bson:"plan_id"`
	ProviderSubID             string     `bson:"provider_subscription_id,omitempty"`
	Status                    string     `bson:"status"`
	StartDate                 *time.Time `bson:"start_date,omitempty"`
	CurrentPeriodEnd          *time.Time `bson:"current_period_end,omitempty"`
	CancelledAt               *time.Time `bson:"cancelled_at,omitempty"`
	CancellationEffectiveDate *time.Time `bson:"cancellation_effective_date,omitempty"`
	RenewalEnabled            bool       `bson:"renewal_enabled"`
	AutoRenew                 bool       `bson:"auto_renew"`
	PaymentMethod             string     `bson:"payment_method,omitempty"`
	PaymentID                 string     `bson:"payment_id,omitempty"`
	CreatedAt                 time.Time  `bson:"created_at"`
	UpdatedAt                 time.Time  `bson:"updated_at"`
}

func toDoc(sub *Subscription) subscriptionDoc {
	return subscriptionDoc{
		ID:                        sub.ID.String(),
		UserID:                    sub.UserID.String(),
		PlanID:                    sub.PlanID,
		ProviderSubID:             sub.ProviderSubID,
		Status:                    string(sub.Status),
		StartDate:                 sub.StartDate,
		CurrentPeriodEnd:          sub.CurrentPeriodEnd,
		CancelledAt:               sub.CancelledAt,
		CancellationEffectiveDate: sub.CancellationEffectiveDate,
		RenewalEnabled:            sub.RenewalEnabled,
		AutoRenew:                 sub.AutoRenew,
		PaymentMethod:             sub.PaymentMethod,
		PaymentID:                 sub.PaymentID,
		CreatedAt:                 sub.CreatedAt,
		UpdatedAt:                 sub.UpdatedAt,
	}
}

func fromDoc(doc subscriptionDoc) (*Subscription, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid subscription id %q: %w", doc.ID, err)
	}
	userID, err := uuid.Parse(doc.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", doc.UserID, err)
	}
	return &Subscription{
		ID:                        id,
		UserID:                    userID,
		PlanID:                    doc.PlanID,
		ProviderSubID:             doc.ProviderSubID,
		Status:                    Status(doc.Status),
		StartDate:                 doc.StartDate,
		CurrentPeriodEnd:          doc.CurrentPeriodEnd,
		CancelledAt:               doc.CancelledAt,
		CancellationEffectiveDate: doc.CancellationEffectiveDate,
		RenewalEnabled:            doc.RenewalEnabled,
		AutoRenew:                 doc.AutoRenew,
		PaymentMethod:             doc.PaymentMethod,
		PaymentID:                 doc.PaymentID,
		CreatedAt:                 doc.CreatedAt,
		UpdatedAt:                 doc.UpdatedAt,
	}, nil
}

func (s *MongoStore) Insert(ctx context.Context, sub *Subscription) error {
	if _, err := s.subs.InsertOne(ctx, toDoc(sub)); err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (s *MongoStore) ByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return s.findOne(ctx, bson.M{"_id": id.String()}, nil)
}

func (s *MongoStore) ByProviderID(ctx context.Context, providerSubID string) (*Subscription, error) {
	if providerSubID == "" {
		return nil, ErrSubscriptionNotFound
	}
	return s.findOne(ctx, bson.M{"provider_subscription_id": providerSubID}, nil)
}

func (s *MongoStore) CurrentForUser(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	filter := bson.M{
		"user_id": userID.String(),
		"status":  bson.M{"$in": []string{string(StatusActive), string(StatusPendingCancellation)}},
	}
	sort := bson.D{{Key: "created_at", Value: -1}}
	return s.findOne(ctx, filter, sort)
}

func (s *MongoStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]Subscription, error) {
	cursor, err := s.subs.Find(ctx, bson.M{"user_id": userID.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return decodeAll(ctx, cursor)
}

func (s *MongoStore) ListExpired(ctx context.Context, asOf time.Time) ([]Subscription, error) {
	filter := bson.M{
		"status":             string(StatusActive),
		"current_period_end": bson.M{"$lt": asOf},
	}
	cursor, err := s.subs.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired subscriptions: %w", err)
	}
	return decodeAll(ctx, cursor)
}

func (s *MongoStore) UpsertByProviderID(ctx context.Context, providerSubID string, onInsert *Subscription, change Change) (*Subscription, error) {
	filter := bson.M{"provider_subscription_id": providerSubID}
	update := buildUpdate(change)

	if onInsert == nil {
		// Update-only variant: no record may be created for an unknown id.
		res := s.subs.FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After))
		return decodeSingle(res)
	}

	doc := toDoc(onInsert)
	doc.ProviderSubID = providerSubID
	update = buildUpsert(doc, update)

	res := s.subs.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After))
	return decodeSingle(res)
}

func (s *MongoStore) Apply(ctx context.Context, id uuid.UUID, expect []Status, change Change) (*Subscription, error) {
	filter := bson.M{"_id": id.String()}
	if len(expect) > 0 {
		statuses := make([]string, 0, len(expect))
		for _, st := range expect {
			statuses = append(statuses, string(st))
		}
		filter["status"] = bson.M{"$in": statuses}
	}

	res := s.subs.FindOneAndUpdate(ctx, filter, buildUpdate(change),
		options.FindOneAndUpdate().SetReturnDocument(options.After))
	sub, err := decodeSingle(res)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) || len(expect) == 0 {
		return nil, err
	}

	// Distinguish a missing record from one that lost the status race.
	if _, lookupErr := s.ByID(ctx, id); lookupErr == nil {
		return nil, ErrStaleTransition
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MongoStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.subs.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *MongoStore) ActiveSubscription(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	var doc struct {
		ActiveSubscriptionID string `bson:"active_subscription_id"`
	}
	err := s.users.FindOne(ctx, bson.M{"_id": userID.String()},
		options.FindOne().SetProjection(bson.M{"active_subscription_id": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return uuid.Nil, false, ErrUserNotFound
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to load user: %w", err)
	}
	if doc.ActiveSubscriptionID == "" {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(doc.ActiveSubscriptionID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("invalid active subscription id %q: %w", doc.ActiveSubscriptionID, err)
	}
	return id, true, nil
}

func (s *MongoStore) SetActiveSubscription(ctx context.Context, userID, subID uuid.UUID) error {
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID.String()},
		bson.M{"$set": bson.M{"active_subscription_id": subID.String()}})
	if err != nil {
		return fmt.Errorf("failed to set active subscription: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *MongoStore) ClearActiveSubscription(ctx context.Context, userID, subID uuid.UUID) error {
	// Conditional on the pointer still naming subID so a stale clear cannot
	// erase a newer pointer set by a concurrent activation.
	_, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID.String(), "active_subscription_id": subID.String()},
		bson.M{"$unset": bson.M{"active_subscription_id": ""}})
	if err != nil {
		return fmt.Errorf("failed to clear active subscription: %w", err)
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M, sort bson.D) (*Subscription, error) {
	opts := options.FindOne()
	if sort != nil {
		opts = opts.SetSort(sort)
	}
	return decodeSingle(s.subs.FindOne(ctx, filter, opts))
}

func decodeSingle(res *mongo.SingleResult) (*Subscription, error) {
	var doc subscriptionDoc
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return fromDoc(doc)
}

func decodeAll(ctx context.Context, cursor *mongo.Cursor) ([]Subscription, error) {
	defer cursor.Close(ctx)

	var out []Subscription
	for cursor.Next(ctx) {
		var doc subscriptionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		sub, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("subscription cursor error: %w", err)
	}
	return out, nil
}

// buildUpsert adds the identity and default fields for a fresh row to an
// update document. A path may not appear under both $set and $setOnInsert
// (the server rejects the whole update with ConflictingUpdateOperators), so
// anything the change already sets is left out of the insert defaults.
func buildUpsert(doc subscriptionDoc, update bson.M) bson.M {
	set, _ := update["$set"].(bson.M)

	onInsert := bson.M{
		"_id":             doc.ID,
		"user_id":         doc.UserID,
		"plan_id":         doc.PlanID,
		"status":          doc.Status,
		"renewal_enabled": doc.RenewalEnabled,
		"auto_renew":      doc.AutoRenew,
		"created_at":      doc.CreatedAt,
	}
	for key := range onInsert {
		if _, conflict := set[key]; conflict {
			delete(onInsert, key)
		}
	}

	update["$setOnInsert"] = onInsert
	return update
}

func buildUpdate(change Change) bson.M {
	set := bson.M{"updated_at": time.Now().UTC()}
	if change.PlanID != nil {
		set["plan_id"] = *change.PlanID
	}
	if change.Status != nil {
		set["status"] = string(*change.Status)
	}
	if change.StartDate != nil {
		set["start_date"] = *change.StartDate
	}
	if change.CurrentPeriodEnd != nil {
		set["current_period_end"] = *change.CurrentPeriodEnd
	}
	if change.CancelledAt != nil {
		set["cancelled_at"] = *change.CancelledAt
	}
	if change.CancellationEffectiveDate != nil {
		set["cancellation_effective_date"] = *change.CancellationEffectiveDate
	}
	if change.RenewalEnabled != nil {
		set["renewal_enabled"] = *change.RenewalEnabled
	}
	if change.AutoRenew != nil {
		set["auto_renew"] = *change.AutoRenew
	}

	update := bson.M{"$set": set}
	if change.ClearCancellation {
		update["$unset"] = bson.M{
			"cancelled_at":                "",
			"cancellation_effective_date": "",
		}
	}
	return update
}

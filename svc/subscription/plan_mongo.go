package subscription

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

const plansCollection = "subscription_plans"

type planDoc struct {
	ID       string            `bson:"_id"`
	Name     string            `bson:"name"`
	Cycle    string            `bson:"billing_cycle"`
	PriceIDs map[string]string `bson:"provider_price_ids"`
	Features []string          `bson:"features"`
	Active   bool              `bson:"active"`
}

type mongoPlanSource struct {
	coll *mongo.Collection
}

// NewMongoPlanSource returns a PlanSource backed by the plan collection.
// The catalog is read-only from the reconciler's point of view; plan
// administration writes to the same collection elsewhere.
func NewMongoPlanSource(db *mongo.Database) PlanSource {
	return &mongoPlanSource{coll: db.Collection(plansCollection)}
}

func (s *mongoPlanSource) Load(ctx context.Context) ([]Plan, error) {
	cursor, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to load plans: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Plan
	for cursor.Next(ctx) {
		var doc planDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}

		prices := make(map[BillingCycle]string, len(doc.PriceIDs))
		for cycle, priceID := range doc.PriceIDs {
			prices[BillingCycle(cycle)] = priceID
		}

		out = append(out, Plan{
			ID:       doc.ID,
			Name:     doc.Name,
			Cycle:    BillingCycle(doc.Cycle),
			PriceIDs: prices,
			Features: doc.Features,
			Active:   doc.Active,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("plan cursor error: %w", err)
	}
	return out, nil
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultTrainerCollection is the collection trainer records live in.
const DefaultTrainerCollection = "trainer_profiles"

// MongoTrainerStore implements TrainerStore on a MongoDB collection.
// Every write is a partial update; the document is never replaced wholesale,
// so fields owned by other parts of the application survive untouched.
type MongoTrainerStore struct {
	col *mongo.Collection
}

// NewMongoTrainerStore creates a store backed by the given database.
func NewMongoTrainerStore(db *mongo.Database, collection string) *MongoTrainerStore {
	if collection == "" {
		collection = DefaultTrainerCollection
	}
	return &MongoTrainerStore{col: db.Collection(collection)}
}

// EnsureIndexes creates the lookup indexes the store depends on. Safe to run
// on every startup.
func (s *MongoTrainerStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ios_original_transaction_id", Value: 1}}, Options: options.Index().SetSparse(true)},
		{Keys: bson.D{{Key: "billing_customer_id", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	if err != nil {
		return fmt.Errorf("ensure trainer indexes: %w", err)
	}
	return nil
}

func (s *MongoTrainerStore) Get(ctx context.Context, id string) (*Trainer, error) {
	var t Trainer
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTrainerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trainer %s: %w", id, err)
	}
	return &t, nil
}

func (s *MongoTrainerStore) Ensure(ctx context.Context, t *Trainer) error {
	now := time.Now().UTC()
	update := bson.M{
		"$setOnInsert": bson.M{
			"email":               t.Email,
			"is_active":           false,
			"subscription_status": StatusNone,
			"created_at":          now,
			"updated_at":          now,
		},
	}
	_, err := s.col.UpdateOne(ctx, bson.M{"_id": t.ID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("ensure trainer %s: %w", t.ID, err)
	}
	return nil
}

func (s *MongoTrainerStore) FindByOriginalTransactionID(ctx context.Context, originalTransactionID string) (*Trainer, error) {
	var t Trainer
	err := s.col.FindOne(ctx, bson.M{"ios_original_transaction_id": originalTransactionID}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTrainerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find trainer by original transaction id: %w", err)
	}
	return &t, nil
}

func (s *MongoTrainerStore) ListWithBillingCustomer(ctx context.Context) ([]Trainer, error) {
	return s.list(ctx, bson.M{"billing_customer_id": bson.M{"$gt": ""}})
}

func (s *MongoTrainerStore) ListWithIOSReceipt(ctx context.Context) ([]Trainer, error) {
	return s.list(ctx, bson.M{
		"ios_original_transaction_id": bson.M{"$gt": ""},
		"ios_latest_receipt":          bson.M{"$gt": ""},
	})
}

func (s *MongoTrainerStore) list(ctx context.Context, filter bson.M) ([]Trainer, error) {
	cur, err := s.col.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list trainers: %w", err)
	}
	defer cur.Close(ctx)

	var trainers []Trainer
	if err := cur.All(ctx, &trainers); err != nil {
		return nil, fmt.Errorf("decode trainers: %w", err)
	}
	return trainers, nil
}

func (s *MongoTrainerStore) SetBillingCustomerID(ctx context.Context, id, customerID string) error {
	// Append-only: only a record without a customer id matches. A second
	// call is a silent no-op, matching "don't create a duplicate" semantics.
	filter := bson.M{
		"_id": id,
		"$or": []bson.M{
			{"billing_customer_id": bson.M{"$exists": false}},
			{"billing_customer_id": ""},
		},
	}
	update := bson.M{"$set": bson.M{
		"billing_customer_id": customerID,
		"updated_at":          time.Now().UTC(),
	}}
	if _, err := s.col.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("set billing customer id for %s: %w", id, err)
	}
	return nil
}

// ApplySignal is the compare-and-swap the whole concurrency model leans on.
// The filter re-checks the ordering guard server-side; the update merges the
// patch and advances the mark in the same document-level atomic operation, so
// two concurrent deliveries can both pass the in-process Admit check but only
// one can commit.
func (s *MongoTrainerStore) ApplySignal(ctx context.Context, id string, sig Signal, patch Patch) error {
	markField := "last_signals." + string(sig.Source)

	guards := []bson.M{
		{markField: bson.M{"$exists": false}},
		{markField + ".at": bson.M{"$lt": sig.OccurredAt}},
	}
	filter := bson.M{"_id": id, "$or": guards}
	if sig.SequenceHint != "" {
		filter[markField+".seq"] = bson.M{"$ne": sig.SequenceHint}
	}

	set := patchToSet(patch)
	set[markField] = SignalMark{At: sig.OccurredAt, SequenceHint: sig.SequenceHint}
	set["last_signal_source"] = sig.Source
	set["updated_at"] = time.Now().UTC()

	res, err := s.col.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("apply signal for %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		// Either the guard rejected the write or the record is missing;
		// a second read tells the two apart.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrStaleSignal
	}
	return nil
}

func patchToSet(p Patch) bson.M {
	set := bson.M{}
	if p.IsActive != nil {
		set["is_active"] = *p.IsActive
	}
	if p.SubscriptionStatus != nil {
		set["subscription_status"] = *p.SubscriptionStatus
	}
	if p.BillingCustomerID != nil {
		set["billing_customer_id"] = *p.BillingCustomerID
	}
	if p.IOSOriginalTransactionID != nil {
		set["ios_original_transaction_id"] = *p.IOSOriginalTransactionID
	}
	if p.IOSLatestReceipt != nil {
		set["ios_latest_receipt"] = *p.IOSLatestReceipt
	}
	if p.LastPaymentAt != nil {
		set["last_payment_at"] = *p.LastPaymentAt
	}
	if p.ReceiptURL != nil {
		set["receipt_url"] = *p.ReceiptURL
	}
	if p.IOSExpiry != nil {
		set["ios_expiry"] = *p.IOSExpiry
	}
	return set
}

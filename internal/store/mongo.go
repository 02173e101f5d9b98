package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore implements Store using MongoDB.
type MongoStore struct {
	customers *mongo.Collection
	licenses  *mongo.Collection
	blacklist *mongo.Collection
	attempts  *mongo.Collection
}

// NewMongoStore creates a MongoDB-backed store. It creates the necessary
// indexes on initialization.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		customers: db.Collection("sentinel_customers"),
		licenses:  db.Collection("sentinel_licenses"),
		blacklist: db.Collection("sentinel_blacklist"),
		attempts:  db.Collection("sentinel_attempts"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.licenses.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "installation_id", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.blacklist.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "license_id", Value: 1}}},
		{Keys: bson.D{{Key: "installation_id", Value: 1}}},
	}); err != nil {
		return err
	}
	_, err := s.attempts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "license_id", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	})
	return err
}

func (s *MongoStore) CreateCustomer(ctx context.Context, c Customer) error {
	_, err := s.customers.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	return nil
}

func (s *MongoStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	err := s.customers.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

func (s *MongoStore) SetCustomerStatus(ctx context.Context, id, status string) error {
	res, err := s.customers.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		return fmt.Errorf("set customer status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) CreateLicense(ctx context.Context, l License) error {
	_, err := s.licenses.InsertOne(ctx, l)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

func (s *MongoStore) GetLicense(ctx context.Context, id string) (*License, error) {
	var l License
	err := s.licenses.FindOne(ctx, bson.M{"_id": id}).Decode(&l)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return &l, nil
}

func (s *MongoStore) GetLicenseByInstallation(ctx context.Context, installationID string) (*License, error) {
	sort := options.FindOne().SetSort(bson.D{{Key: "issued_at", Value: -1}})

	var l License
	err := s.licenses.FindOne(ctx,
		bson.M{"installation_id": installationID, "status": StatusActive}, sort).Decode(&l)
	if errors.Is(err, mongo.ErrNoDocuments) {
		err = s.licenses.FindOne(ctx,
			bson.M{"installation_id": installationID}, sort).Decode(&l)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license by installation: %w", err)
	}
	return &l, nil
}

func (s *MongoStore) SetLicenseStatus(ctx context.Context, id, status string) error {
	res, err := s.licenses.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		return fmt.Errorf("set license status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) UpdateBinding(ctx context.Context, id, fingerprint string, blob []byte, signature string) error {
	res, err := s.licenses.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"fingerprint": fingerprint,
			"blob":        blob,
			"signature":   signature,
		}},
	)
	if err != nil {
		return fmt.Errorf("update binding: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementValidation uses a filtered FindOneAndUpdate so the cap check and
// the increment execute as one document-level atomic operation.
func (s *MongoStore) IncrementValidation(ctx context.Context, id string, cap int, at time.Time) (int, error) {
	filter := bson.M{"_id": id, "status": StatusActive}
	if cap > 0 {
		filter["validation_count"] = bson.M{"$lt": cap}
	}
	update := bson.M{
		"$inc": bson.M{"validation_count": 1},
		"$set": bson.M{"last_validated_at": at},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var l License
	err := s.licenses.FindOneAndUpdate(ctx, filter, update, opts).Decode(&l)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, countErr := s.licenses.CountDocuments(ctx,
			bson.M{"_id": id, "status": StatusActive})
		if countErr != nil {
			return 0, fmt.Errorf("increment validation: %w", countErr)
		}
		if n > 0 {
			return 0, ErrCapReached
		}
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment validation: %w", err)
	}
	return l.ValidationCount, nil
}

func (s *MongoStore) AddBlacklist(ctx context.Context, e BlacklistEntry) error {
	if _, err := s.blacklist.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("add blacklist entry: %w", err)
	}
	return nil
}

func (s *MongoStore) IsBlacklisted(ctx context.Context, licenseID, installationID string) (bool, error) {
	var clauses []bson.M
	if licenseID != "" {
		clauses = append(clauses, bson.M{"license_id": licenseID})
	}
	if installationID != "" {
		clauses = append(clauses, bson.M{"installation_id": installationID})
	}
	if len(clauses) == 0 {
		return false, nil
	}
	err := s.blacklist.FindOne(ctx, bson.M{"$or": clauses}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blacklist lookup: %w", err)
	}
	return true, nil
}

func (s *MongoStore) AppendAttempt(ctx context.Context, a Attempt) error {
	if _, err := s.attempts.InsertOne(ctx, a); err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

func (s *MongoStore) ListAttempts(ctx context.Context, licenseID string, since time.Time) ([]Attempt, error) {
	cursor, err := s.attempts.Find(ctx, bson.M{
		"license_id": licenseID,
		"timestamp":  bson.M{"$gte": since},
	}, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	var attempts []Attempt
	if err := cursor.All(ctx, &attempts); err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}
	return attempts, nil
}

func (s *MongoStore) Close(_ context.Context) error {
	return nil // caller manages the mongo.Database lifecycle
}

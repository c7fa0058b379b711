package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-dispatch/internal/models"
)

const ridesCollection = "rides"

// MongoStore keeps one document per ride. Transitions are single-document
// FindOneAndUpdate calls filtered on the expected status.
type MongoStore struct {
	client    *mongo.Client
	coll      *mongo.Collection
	opTimeout time.Duration
}

// ConnectMongo dials and pings the server within timeout.
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func NewMongoStore(client *mongo.Client, database string, opTimeout time.Duration) *MongoStore {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &MongoStore{
		client:    client,
		coll:      client.Database(database).Collection(ridesCollection),
		opTimeout: opTimeout,
	}
}

// EnsureIndexes creates the indexes backing the sweeper and per-participant
// queries. It is idempotent.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expiresAt", Value: 1}}, Options: options.Index().SetName("status_expiresAt")},
		{Keys: bson.D{{Key: "clientId", Value: 1}, {Key: "createdAt", Value: -1}}, Options: options.Index().SetName("clientId_createdAt")},
		{Keys: bson.D{{Key: "assignedDriver", Value: 1}, {Key: "createdAt", Value: -1}}, Options: options.Index().SetName("assignedDriver_createdAt")},
	})
	if err != nil {
		return fmt.Errorf("create ride indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, r *models.Ride) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateRide
		}
		return models.Transient("rides.create", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	var r models.Ride
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrRideNotFound
		}
		return nil, models.Transient("rides.get", err)
	}
	return &r, nil
}

// transitionUpdate builds the $set document for a winning transition.
func transitionUpdate(t models.Transition) bson.M {
	set := bson.M{"status": t.To, "updatedAt": t.At}
	switch t.To {
	case models.StatusAssigned:
		set["assignedDriver"] = t.DriverID
		set["assignedAt"] = t.At
	case models.StatusExpired:
		set["expiredAt"] = t.At
	case models.StatusCompleted:
		set["completedAt"] = t.At
	case models.StatusCancelled:
		set["cancelledAt"] = t.At
		if t.Reason != "" {
			set["cancelReason"] = t.Reason
		}
	}
	return bson.M{"$set": set}
}

func (s *MongoStore) Transition(ctx context.Context, t models.Transition) (*models.Ride, error) {
	if err := checkTransition(t); err != nil {
		return nil, err
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	filter := bson.M{"_id": t.RideID, "status": t.From}
	if t.RequireUnexpired {
		filter["expiresAt"] = bson.M{"$gt": t.At}
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var r models.Ride
	err := s.coll.FindOneAndUpdate(ctx, filter, transitionUpdate(t), opts).Decode(&r)
	if err == nil {
		return &r, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.Transient("rides.transition", err)
	}
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": t.RideID}, options.Count().SetLimit(1))
	if err != nil {
		return nil, models.Transient("rides.transition", err)
	}
	if n == 0 {
		return nil, models.ErrRideNotFound
	}
	return nil, models.ErrConflict
}

func (s *MongoStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Ride, error) {
	filter := bson.M{"status": models.StatusSearching, "expiresAt": bson.M{"$lte": now}}
	return s.find(ctx, "rides.list_expired", filter, bson.D{{Key: "expiresAt", Value: 1}}, limit)
}

func (s *MongoStore) ListByClient(ctx context.Context, clientID string, limit int) ([]*models.Ride, error) {
	return s.find(ctx, "rides.list_by_client", bson.M{"clientId": clientID}, bson.D{{Key: "createdAt", Value: -1}}, limit)
}

func (s *MongoStore) ListByDriver(ctx context.Context, driverID string, limit int) ([]*models.Ride, error) {
	return s.find(ctx, "rides.list_by_driver", bson.M{"assignedDriver": driverID}, bson.D{{Key: "createdAt", Value: -1}}, limit)
}

func (s *MongoStore) find(ctx context.Context, op string, filter bson.M, sort bson.D, limit int) ([]*models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	opts := options.Find().SetSort(sort).SetLimit(int64(normalizeLimit(limit)))
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, models.Transient(op, err)
	}
	var out []*models.Ride
	if err := cur.All(ctx, &out); err != nil {
		return nil, models.Transient(op, err)
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

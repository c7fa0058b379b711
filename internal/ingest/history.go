package ingest

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-dispatch/internal/models"
)

// HistoryRecord is one stored driver position.
type HistoryRecord struct {
	DriverID   string       `bson:"driverId"`
	Loc        models.Coord `bson:"loc"`
	TS         time.Time    `bson:"ts"`
	ReceivedAt time.Time    `bson:"receivedAt"`
}

// HistorySink persists location samples. Writing the same (driver, ts) twice
// must succeed without a second record.
type HistorySink interface {
	Write(ctx context.Context, s models.LocationSample) error
}

type MongoHistory struct {
	coll      *mongo.Collection
	opTimeout time.Duration
	now       func() time.Time
}

func NewMongoHistory(client *mongo.Client, database string, opTimeout time.Duration) *MongoHistory {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &MongoHistory{coll: client.Database(database).Collection("location_history"), opTimeout: opTimeout, now: time.Now}
}

// EnsureIndexes creates the dedup index and the per-driver time index.
func (h *MongoHistory) EnsureIndexes(ctx context.Context) error {
	_, err := h.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "driverId", Value: 1}, {Key: "ts", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "ts", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("history indexes: %w", err)
	}
	return nil
}

func (h *MongoHistory) Write(ctx context.Context, s models.LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	rec := HistoryRecord{DriverID: s.DriverID, Loc: s.Coord(), TS: s.Timestamp.UTC(), ReceivedAt: h.now().UTC()}
	_, err := h.coll.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return models.Transient("history insert", err)
	}
	return nil
}

// Recent returns a driver's newest samples, newest first.
func (h *MongoHistory) Recent(ctx context.Context, driverID string, limit int64) ([]HistoryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: -1}}).SetLimit(limit)
	cur, err := h.coll.Find(ctx, bson.M{"driverId": driverID}, opts)
	if err != nil {
		return nil, models.Transient("history find", err)
	}
	var out []HistoryRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, models.Transient("history decode", err)
	}
	return out, nil
}

func (h *MongoHistory) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	return h.coll.Database().Client().Ping(ctx, nil)
}

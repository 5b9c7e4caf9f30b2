// Package tickarchive persists per-tick refresh summaries to MongoDB so
// operators can inspect pipeline behavior over time. The archive is optional:
// without a configured URI every operation is a no-op.
package tickarchive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoDB database and collection names
const (
	DefaultDBName         = "marketpulse"
	TickSummaryCollection = "tick_summaries"
	DefaultKeep           = 10000
	connectTimeout        = 30 * time.Second
	operationTimeout      = 30 * time.Second
)

// TickError is one symbol's failure inside an archived tick.
type TickError struct {
	Symbol  string `bson:"symbol" json:"symbol"`
	Kind    string `bson:"kind" json:"kind"`
	Message string `bson:"message" json:"message"`
}

// TickRecord is the archived summary of a single refresh tick.
type TickRecord struct {
	Seq         uint64      `bson:"seq" json:"seq"`
	Trigger     string      `bson:"trigger" json:"trigger"`
	StartedAt   time.Time   `bson:"started_at" json:"started_at"`
	DurationMS  int64       `bson:"duration_ms" json:"duration_ms"`
	Requested   int         `bson:"requested" json:"requested"`
	Succeeded   int         `bson:"succeeded" json:"succeeded"`
	Failed      int         `bson:"failed" json:"failed"`
	RateLimited int         `bson:"rate_limited" json:"rate_limited"`
	Skipped     string      `bson:"skipped,omitempty" json:"skipped,omitempty"`
	Errors      []TickError `bson:"errors,omitempty" json:"errors,omitempty"`
}

// Archive handles the MongoDB connection and tick summary operations.
// A nil *Archive is valid and disables archiving, so callers never have to
// branch on configuration.
type Archive struct {
	client   *mongo.Client
	database *mongo.Database
	keep     int64
	log      *zap.Logger

	mu          sync.RWMutex
	isConnected bool
	lastError   string
}

// New connects to MongoDB and prepares the tick summary collection. An empty
// URI disables the archive and returns (nil, nil).
func New(uri, dbName string, keep int, log *zap.Logger) (*Archive, error) {
	if uri == "" {
		return nil, nil
	}
	if dbName == "" {
		dbName = DefaultDBName
	}
	if log == nil {
		log = zap.NewNop()
	}
	if keep <= 0 {
		keep = DefaultKeep
	}

	a := &Archive{keep: int64(keep), log: log}
	if err := a.connect(uri, dbName); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) connect(uri, dbName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		a.setError(fmt.Sprintf("failed to connect: %v", err))
		return err
	}

	if err := client.Ping(ctx, nil); err != nil {
		a.setError(fmt.Sprintf("failed to ping: %v", err))
		client.Disconnect(ctx)
		return err
	}

	a.mu.Lock()
	a.client = client
	a.database = client.Database(dbName)
	a.isConnected = true
	a.lastError = ""
	a.mu.Unlock()

	a.createIndexes()
	a.log.Info("tick archive connected", zap.String("collection", TickSummaryCollection))
	return nil
}

func (a *Archive) setError(msg string) {
	a.mu.Lock()
	a.lastError = msg
	a.isConnected = false
	a.mu.Unlock()
}

func (a *Archive) createIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	collection := a.database.Collection(TickSummaryCollection)
	collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "seq", Value: -1}},
	})
	collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "started_at", Value: -1}},
	})
}

// Enabled reports whether the archive is configured and connected.
func (a *Archive) Enabled() bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isConnected
}

// RecordTick inserts one tick summary. Failures are reported to the caller,
// which treats archiving as best-effort.
func (a *Archive) RecordTick(ctx context.Context, record TickRecord) error {
	if !a.Enabled() {
		return nil
	}

	collection := a.database.Collection(TickSummaryCollection)
	if _, err := collection.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to archive tick %d: %w", record.Seq, err)
	}
	return nil
}

// Recent returns the newest n tick summaries, newest first.
func (a *Archive) Recent(ctx context.Context, n int) ([]TickRecord, error) {
	if !a.Enabled() {
		return nil, fmt.Errorf("tick archive not configured")
	}
	if n <= 0 {
		n = 20
	}

	collection := a.database.Collection(TickSummaryCollection)
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetLimit(int64(n))

	cursor, err := collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load tick summaries: %w", err)
	}
	defer cursor.Close(ctx)

	var records []TickRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode tick summaries: %w", err)
	}
	return records, nil
}

// Trim deletes summaries beyond the retention count, oldest first.
func (a *Archive) Trim(ctx context.Context) error {
	if !a.Enabled() {
		return nil
	}

	collection := a.database.Collection(TickSummaryCollection)

	count, err := collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("failed to count tick summaries: %w", err)
	}
	if count <= a.keep {
		return nil
	}

	// The keep-th newest seq is the newest one to delete.
	var cutoff struct {
		Seq uint64 `bson:"seq"`
	}
	opts := options.FindOne().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetSkip(a.keep).
		SetProjection(bson.M{"seq": 1})
	if err := collection.FindOne(ctx, bson.M{}, opts).Decode(&cutoff); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil
		}
		return fmt.Errorf("failed to find trim cutoff: %w", err)
	}

	result, err := collection.DeleteMany(ctx, bson.M{"seq": bson.M{"$lte": cutoff.Seq}})
	if err != nil {
		return fmt.Errorf("failed to trim tick summaries: %w", err)
	}
	a.log.Info("trimmed tick archive",
		zap.Int64("deleted", result.DeletedCount),
		zap.Uint64("cutoff_seq", cutoff.Seq))
	return nil
}

// Status returns connection details for the ops surface.
func (a *Archive) Status() map[string]interface{} {
	if a == nil {
		return map[string]interface{}{
			"enabled": false,
		}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	status := map[string]interface{}{
		"enabled":   true,
		"connected": a.isConnected,
	}
	if a.lastError != "" {
		status["error"] = a.lastError
	}
	return status
}

// Close disconnects from MongoDB.
func (a *Archive) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.client.Disconnect(ctx)
}

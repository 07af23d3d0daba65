package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/time/rate"

	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/proxy"
)

type stateDoc struct {
	Key      string     `bson:"_id"`
	State    []byte     `bson:"state"`
	ExpireAt *time.Time `bson:"expireAt,omitempty"`
}

type lockDoc struct {
	Key        string    `bson:"_id"`
	Owner      string    `bson:"owner"`
	CreateTime time.Time `bson:"createTime"`
}

// Backend stores bucket state in MongoDB and serves the lock-based
// discipline. A bucket is locked by inserting a document keyed by the bucket
// into the lock collection and unlocked by deleting it.
type Backend struct {
	config Config
	states *mongo.Collection
	locks  *mongo.Collection
}

var (
	_ proxy.LockBasedBackend[string] = (*Backend)(nil)
	_ proxy.ExpirationSupporter      = (*Backend)(nil)
)

// New creates a MongoDB backend. Call EnsureIndexes once per deployment.
func New(config Config) (*Backend, error) {
	config = applyConfigDefaults(config)
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return &Backend{
		config: config,
		states: config.Database.Collection(config.StateCollection),
		locks:  config.Database.Collection(config.LockCollection),
	}, nil
}

// NewManager creates a lock-based manager over a MongoDB backend.
func NewManager(config Config, client proxy.ClientSideConfig) (*proxy.Manager[string], error) {
	backend, err := New(config)
	if err != nil {
		return nil, err
	}
	return proxy.NewLockBasedManager[string](backend, client)
}

// EnsureIndexes creates the TTL indexes expiring bucket state and stale
// locks.
func (b *Backend) EnsureIndexes(ctx context.Context) error {
	_, err := b.states.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expireAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return &MongoError{"create_state_index", err}
	}
	_, err = b.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "createTime", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(b.config.StaleLockAfter.Seconds()) + 1),
	})
	if err != nil {
		return &MongoError{"create_lock_index", err}
	}
	return nil
}

// Owner returns the identity written into lock documents.
func (b *Backend) Owner() string {
	return b.config.Owner
}

// SupportsExpireAfterWrite reports true: state carries a TTL indexed
// expireAt field.
func (b *Backend) SupportsExpireAfterWrite() bool { return true }

// RemoveProxy deletes the state of key.
func (b *Backend) RemoveProxy(ctx context.Context, key string) error {
	if _, err := b.states.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return &MongoError{"remove", err}
	}
	return nil
}

// AllocateLockBasedTransaction returns a transaction over key.
func (b *Backend) AllocateLockBasedTransaction(key string) proxy.LockBasedTransaction {
	return &transaction{backend: b, key: key}
}

// transaction writes state as soon as Create or Update is called; single
// document writes need no commit and leave nothing to roll back.
type transaction struct {
	backend *Backend
	key     string
	held    bool
}

func (tx *transaction) Begin(context.Context) error    { return nil }
func (tx *transaction) Commit(context.Context) error   { return nil }
func (tx *transaction) Rollback(context.Context) error { return nil }

func (tx *transaction) LockAndGet(ctx context.Context) ([]byte, error) {
	if err := tx.lock(ctx); err != nil {
		return nil, err
	}
	tx.held = true

	// The TTL monitor runs about once a minute; expired state may linger.
	filter := bson.M{
		"_id": tx.key,
		"$or": bson.A{
			bson.M{"expireAt": bson.M{"$exists": false}},
			bson.M{"expireAt": bson.M{"$gt": time.Now()}},
		},
	}
	var doc stateDoc
	err := tx.backend.states.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, &MongoError{"find", err}
	}
	return doc.State, nil
}

// lock inserts the lock document, taking over locks older than
// StaleLockAfter and polling while another owner holds it.
func (tx *transaction) lock(ctx context.Context) error {
	b := tx.backend
	pace := rate.NewLimiter(rate.Every(b.config.PollInterval), 1)
	for {
		now := time.Now()
		_, err := b.locks.InsertOne(ctx, lockDoc{Key: tx.key, Owner: b.config.Owner, CreateTime: now})
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !mongo.IsDuplicateKeyError(err) {
			return &MongoError{"lock", err}
		}

		res, err := b.locks.DeleteOne(ctx, bson.M{
			"_id":        tx.key,
			"createTime": bson.M{"$lt": now.Add(-b.config.StaleLockAfter)},
		})
		if err != nil {
			return &MongoError{"take_over_lock", err}
		}
		if res.DeletedCount > 0 {
			continue
		}
		if err := pace.Wait(ctx); err != nil {
			// Wait refuses early when the deadline falls before the next
			// attempt; report the context error once it is due.
			<-ctx.Done()
			return ctx.Err()
		}
	}
}

func (tx *transaction) write(ctx context.Context, op string, data []byte, ttl time.Duration) error {
	update := bson.M{"$set": bson.M{"state": data}}
	if ttl > 0 {
		update["$set"] = bson.M{"state": data, "expireAt": time.Now().Add(ttl)}
	} else {
		update["$unset"] = bson.M{"expireAt": ""}
	}
	_, err := tx.backend.states.UpdateOne(ctx, bson.M{"_id": tx.key}, update, options.Update().SetUpsert(true))
	if err != nil {
		return &MongoError{op, err}
	}
	return nil
}

// Create upserts: expired state may still occupy the key.
func (tx *transaction) Create(ctx context.Context, data []byte, _ *command.RemoteBucketState, ttl time.Duration) error {
	return tx.write(ctx, "create", data, ttl)
}

func (tx *transaction) Update(ctx context.Context, data []byte, _ *command.RemoteBucketState, ttl time.Duration) error {
	return tx.write(ctx, "update", data, ttl)
}

func (tx *transaction) Unlock(ctx context.Context) error {
	if !tx.held {
		return nil
	}
	_, err := tx.backend.locks.DeleteOne(ctx, bson.M{"_id": tx.key, "owner": tx.backend.config.Owner})
	if err != nil {
		return &MongoError{"unlock", err}
	}
	tx.held = false
	return nil
}

func (tx *transaction) Release(ctx context.Context) error {
	return tx.Unlock(ctx)
}

package mongostore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	"github.com/vnykmshr/bucketflow/pkg/common/validation"
)

// Config holds configuration for the MongoDB backend.
type Config struct {
	// Database hosting the state and lock collections
	Database *mongo.Database

	// StateCollection holds one document per bucket.
	StateCollection string

	// LockCollection holds one document per locked bucket.
	LockCollection string

	// Owner identifies this instance in lock documents. Defaults to a
	// random UUID.
	Owner string

	// StaleLockAfter is the age after which a lock left behind by a crashed
	// owner may be taken over.
	StaleLockAfter time.Duration

	// PollInterval paces attempts to acquire a held lock.
	PollInterval time.Duration
}

// DefaultConfig returns a default MongoDB backend configuration.
func DefaultConfig() Config {
	return Config{
		StateCollection: "buckets",
		LockCollection:  "bucket_locks",
		StaleLockAfter:  30 * time.Second,
		PollInterval:    5 * time.Millisecond,
	}
}

func validateConfig(config Config) error {
	if config.Database == nil {
		return validation.ValidateNotNil("mongostore", "database", nil)
	}
	if err := validation.ValidatePositiveDuration("mongostore", "stale_lock_after", config.StaleLockAfter); err != nil {
		return err
	}
	return validation.ValidatePositiveDuration("mongostore", "poll_interval", config.PollInterval)
}

func applyConfigDefaults(config Config) Config {
	defaults := DefaultConfig()
	if config.StateCollection == "" {
		config.StateCollection = defaults.StateCollection
	}
	if config.LockCollection == "" {
		config.LockCollection = defaults.LockCollection
	}
	if config.Owner == "" {
		config.Owner = uuid.NewString()
	}
	if config.StaleLockAfter == 0 {
		config.StaleLockAfter = defaults.StaleLockAfter
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	return config
}

// Connect opens a client traced with OpenTelemetry whose writes are
// acknowledged by a majority of the replica set.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetMonitor(otelmongo.NewMonitor()).
		SetWriteConcern(writeconcern.Majority())

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, &MongoError{"connect", err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, &MongoError{"ping", err}
	}
	return client, nil
}

// MongoError represents a MongoDB operation error.
type MongoError struct {
	Operation string
	Err       error
}

func (e *MongoError) Error() string {
	return fmt.Sprintf("mongo error in %s: %v", e.Operation, e.Err)
}

func (e *MongoError) Unwrap() error {
	return e.Err
}

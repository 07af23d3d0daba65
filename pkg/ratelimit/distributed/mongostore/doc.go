// Package mongostore keeps remote bucket state in MongoDB and serves the
// lock-based transaction discipline.
//
// Each bucket is one document of the state collection holding the encoded
// state and an optional expireAt field covered by a TTL index. A bucket is
// locked by inserting a document with the bucket key into the lock
// collection; a concurrent insert fails with a duplicate key error and
// the caller polls until the owner deletes it. Locks older than
// StaleLockAfter, left behind by a crashed owner, are taken over.
//
//	client, err := mongostore.Connect(ctx, "mongodb://localhost:27017")
//	if err != nil {
//		return err
//	}
//	config := mongostore.DefaultConfig()
//	config.Database = client.Database("ratelimits")
//	manager, err := mongostore.NewManager(config, proxy.DefaultClientSideConfig())
//
// Connect attaches an OpenTelemetry command monitor and requests majority
// write concern.
package mongostore

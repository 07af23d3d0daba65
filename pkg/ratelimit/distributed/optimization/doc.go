// Package optimization reduces the number of requests sent to a backend.
//
// An Optimization decorates the command executor of one bucket:
//
//   - Batching keeps a single request in flight per bucket and merges the
//     commands that arrive meanwhile.
//   - Delay answers consumption locally and synchronizes postponed tokens
//     when a token or time bound is reached.
//   - Predictive extends Delay with a forecast of other nodes' consumption.
//   - SkipSyncOnZero rejects consumption locally while a bucket is known to
//     be empty.
//
// Delay and Predictive trade accuracy for throughput: between
// synchronizations every node may admit up to MaxUnsynchronizedTokens more
// than the bucket allows. Listeners observe merged and skipped commands;
// MetricsListener exports them to Prometheus.
package optimization

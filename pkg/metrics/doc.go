// Package metrics provides Prometheus instrumentation for bucketflow components.
//
// # Overview
//
// The registry groups collectors by component:
//   - Local buckets: requested, consumed, rejected and added tokens, wait time,
//     available tokens
//   - Remote protocol: executed commands by kind and outcome, command latency,
//     optimistic transaction retries, rolled back transactions, recoveries of
//     missing buckets
//   - Optimizations: merged and locally answered requests
//   - Async pools: executed tasks, queued tasks, busy workers
//
// # Quick Start
//
//	reg := prometheus.NewRegistry()
//	m := metrics.NewRegistry(reg)
//
//	local, _ := bucket.NewWithMetrics(cfg, "api", m)
//	manager, _ := proxy.NewCompareAndSwapManager(factory, proxy.ClientSideConfig{Metrics: m})
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// # Available Metrics
//
//   - bucketflow_bucket_requests_total{bucket_name}
//   - bucketflow_bucket_consumed_total{bucket_name}
//   - bucketflow_bucket_rejected_total{bucket_name}
//   - bucketflow_bucket_added_total{bucket_name}
//   - bucketflow_bucket_wait_duration_seconds{bucket_name}
//   - bucketflow_bucket_tokens_available{bucket_name}
//   - bucketflow_remote_commands_total{command,outcome}
//   - bucketflow_remote_command_duration_seconds{command}
//   - bucketflow_remote_recoveries_total{strategy}
//   - bucketflow_transaction_retries_total{discipline}
//   - bucketflow_transaction_failures_total{discipline,reason}
//   - bucketflow_optimization_merged_total{optimization}
//   - bucketflow_optimization_skipped_total{optimization}
//   - bucketflow_async_tasks_total{pool_name,outcome}
//   - bucketflow_async_queued_tasks{pool_name}
//   - bucketflow_async_active_workers{pool_name}
//
// Use a dedicated prometheus.Registry per test or per embedded component to
// avoid duplicate registration panics; DefaultRegistry is registered against
// prometheus.DefaultRegisterer at init time.
package metrics

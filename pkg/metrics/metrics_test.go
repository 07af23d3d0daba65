package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	prom "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/bucketflow/internal/testutil"
)

func TestDurationBuckets(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistryWithConfig(Config{
		Registry:        reg,
		Namespace:       "test",
		Labels:          prometheus.Labels{"service": "api"},
		DurationBuckets: []float64{0.01, 0.1},
	})
	r.RemoteDuration.WithLabelValues("try_consume").Observe(0.05)

	families, err := reg.Gather()
	testutil.AssertNoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() != "test_remote_command_duration_seconds" {
			continue
		}
		found = true
		m := mf.GetMetric()[0]
		testutil.AssertEqual(t, len(m.GetHistogram().GetBucket()), 2)
		testutil.AssertEqual(t, m.GetHistogram().GetBucket()[1].GetCumulativeCount(), uint64(1))

		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		testutil.AssertEqual(t, labels["service"], "api")
		testutil.AssertEqual(t, labels["command"], "try_consume")
	}
	testutil.AssertEqual(t, found, true)
}

func TestDefaultDurationBuckets(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	r.BucketWaitTime.WithLabelValues("api").Observe(1)

	families, err := reg.Gather()
	testutil.AssertNoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "bucketflow_bucket_wait_duration_seconds" {
			testutil.AssertEqual(t, len(mf.GetMetric()[0].GetHistogram().GetBucket()), len(prometheus.DefBuckets))
			return
		}
	}
	t.Fatal("wait histogram not gathered")
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewRegistry(prometheus.NewRegistry())
	b := NewRegistry(prometheus.NewRegistry())
	a.OptimizationMerges.WithLabelValues("batching").Add(3)

	testutil.AssertEqual(t, prom.ToFloat64(a.OptimizationMerges.WithLabelValues("batching")), 3.0)
	testutil.AssertEqual(t, prom.ToFloat64(b.OptimizationMerges.WithLabelValues("batching")), 0.0)
}

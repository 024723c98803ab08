package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		RedisOpsTotal,
		RedisOpDuration,
		RedisConnectionErrors,
		ImageFetchTotal,
		ImageFetchDuration,
		ImageCacheTotal,
		RenderDuration,
		RenderedBytes,
		RenderErrorsTotal,
		QueueTasksTotal,
		QueueRunning,
		UploadAttemptsTotal,
		UploadDuration,
		ExportsActive,
		ExportsTotal,
		BundlePollsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	}

	for _, c := range collectors {
		desc := make(chan *prometheus.Desc, 1)
		c.Describe(desc)
		close(desc)

		d := <-desc
		require.NotNil(t, d, "metric should have a valid descriptor")
		assert.True(t, strings.Contains(d.String(), "shotframe_"), "metric should be namespaced: %s", d)
	}
}

func TestCounterMetrics(t *testing.T) {
	tests := []struct {
		name   string
		metric *prometheus.CounterVec
		labels prometheus.Labels
		incBy  int
	}{
		{"upload attempts", UploadAttemptsTotal, prometheus.Labels{"result": "retry"}, 2},
		{"queue tasks", QueueTasksTotal, prometheus.Labels{"queue": "render", "result": "ok"}, 3},
		{"exports", ExportsTotal, prometheus.Labels{"state": "ready"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.metric.Reset()
			for i := 0; i < tt.incBy; i++ {
				tt.metric.With(tt.labels).Inc()
			}
			assert.Equal(t, float64(tt.incBy), testutil.ToFloat64(tt.metric.With(tt.labels)))
		})
	}
}

func TestGaugeMetrics(t *testing.T) {
	ExportsActive.Set(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(ExportsActive))

	QueueRunning.Reset()
	QueueRunning.WithLabelValues("upload").Set(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(QueueRunning.WithLabelValues("upload")))
}

func TestHistogramMetrics(t *testing.T) {
	RenderDuration.Reset()
	RenderDuration.WithLabelValues("above").Observe(0.05)
	assert.Greater(t, testutil.CollectAndCount(RenderDuration), 0, "histogram should have metrics")

	RenderedBytes.Observe(200 << 10)
	assert.Greater(t, testutil.CollectAndCount(RenderedBytes), 0, "histogram should have metrics")
}

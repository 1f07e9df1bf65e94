package ingestion

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

type metrics struct {
	rowsTotal    *prometheus.CounterVec
	batchesTotal *prometheus.CounterVec
	runsTotal    *prometheus.CounterVec

	batchDuration *prometheus.HistogramVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		rowsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urban_import",
			Name:      "rows_total",
			Help:      "Rows processed by final outcome.",
		}, []string{"entity", "outcome"}),
		batchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urban_import",
			Name:      "batches_total",
			Help:      "Batches processed by result.",
		}, []string{"entity", "result"}),
		runsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urban_import",
			Name:      "runs_total",
			Help:      "Import runs by result.",
		}, []string{"entity", "result"}),
		batchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "urban_import",
			Name:      "batch_duration_seconds",
			Help:      "Time spent matching and committing one batch.",
			Buckets: []float64{
				0.005, 0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10, 30,
			},
		}, []string{"entity", "result"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

func logrusNop() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

package store

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	operations *prometheus.CounterVec
	backup     prometheus.Histogram
}

// newMetrics registers the store collectors on r. Stores sharing a
// registerer share the collectors.
func newMetrics(r prometheus.Registerer) (*metrics, error) {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dpm",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Store write operations by name and result.",
	}, []string{"op", "result"})
	backup := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dpm",
		Subsystem: "store",
		Name:      "backup_seconds",
		Help:      "Time spent writing a database backup.",
		Buckets:   prometheus.DefBuckets,
	})

	m := &metrics{operations: ops, backup: backup}
	if err := r.Register(ops); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.operations = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := r.Register(backup); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.backup = are.ExistingCollector.(prometheus.Histogram)
	}
	return m, nil
}

func (m *metrics) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *metrics) observeBackup(start time.Time) {
	m.backup.Observe(time.Since(start).Seconds())
}

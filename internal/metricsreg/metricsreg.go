// Package metricsreg registers Prometheus gauges for the Statistics entity
// (spec.md §3) so the admin HTTP surface can expose them at /metrics
// alongside the plain JSON snapshot at /stats.
package metricsreg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds one gauge per Statistics field.
type Registry struct {
	deliveredTxt     prometheus.Gauge
	deliveredFile    prometheus.Gauge
	notDeliveredTxt  prometheus.Gauge
	notDeliveredFile prometheus.Gauge
	errors           prometheus.Gauge
	nUsers           prometheus.Gauge
	nOnline          prometheus.Gauge
}

// New registers the gauges against the default Prometheus registry.
func New() *Registry {
	return &Registry{
		deliveredTxt: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_delivered_txt_total",
			Help: "Text messages successfully delivered.",
		}),
		deliveredFile: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_delivered_file_total",
			Help: "File messages successfully delivered.",
		}),
		notDeliveredTxt: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_not_delivered_txt_total",
			Help: "Text messages addressed to an offline recipient.",
		}),
		notDeliveredFile: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_not_delivered_file_total",
			Help: "File messages addressed to an offline recipient.",
		}),
		errors: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_errors_total",
			Help: "Error replies sent to clients.",
		}),
		nUsers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_users",
			Help: "Registered users, online or not.",
		}),
		nOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_users_online",
			Help: "Currently connected users.",
		}),
	}
}

// Snapshot is the subset of store.Stats this package renders into gauges —
// kept independent of internal/store so metricsreg never needs to import
// the storage layer.
type Snapshot struct {
	DeliveredTxt     int64
	DeliveredFile    int64
	NotDeliveredTxt  int64
	NotDeliveredFile int64
	Errors           int64
	NUsers           int64
	NOnline          int64
}

// Set overwrites every gauge with the latest snapshot.
func (r *Registry) Set(s Snapshot) {
	r.deliveredTxt.Set(float64(s.DeliveredTxt))
	r.deliveredFile.Set(float64(s.DeliveredFile))
	r.notDeliveredTxt.Set(float64(s.NotDeliveredTxt))
	r.notDeliveredFile.Set(float64(s.NotDeliveredFile))
	r.errors.Set(float64(s.Errors))
	r.nUsers.Set(float64(s.NUsers))
	r.nOnline.Set(float64(s.NOnline))
}

package obs

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_admissions_total",
			Help: "Attendance marking attempts by outcome and error category.",
		},
		[]string{"outcome", "category"},
	)

	AuditRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_audit_runs_total",
			Help: "Consistency audit runs by trigger and result.",
		},
		[]string{"trigger", "result"},
	)

	AuditIssues = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consistency_audit_issues",
			Help: "Issues found by the most recent consistency audit, by severity.",
		},
		[]string{"severity"},
	)

	registerOnce sync.Once
)

// Init registers the metrics in the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Admissions, AuditRuns, AuditIssues)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

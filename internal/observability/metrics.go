package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	admissionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enrollment_service",
		Subsystem: "controller",
		Name:      "admissions_total",
		Help:      "Enrollment admission decisions grouped by outcome.",
	}, []string{"outcome"})

	cancellationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enrollment_service",
		Subsystem: "controller",
		Name:      "cancellations_total",
		Help:      "Cancellation outcomes grouped by result.",
	}, []string{"outcome"})

	completionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "enrollment_service",
		Subsystem: "controller",
		Name:      "completions_total",
		Help:      "Enrollments transitioned to completed.",
	})

	compensationCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "enrollment_service",
		Subsystem: "controller",
		Name:      "compensating_releases_total",
		Help:      "Occupancy reservations rolled back after a failed ledger write.",
	})

	reconciliationFaultCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "enrollment_service",
		Subsystem: "controller",
		Name:      "reconciliation_faults_total",
		Help:      "Counter/ledger divergences detected by failed compensation or audit.",
	})

	occupancyDriftCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "enrollment_service",
		Subsystem: "reconcile",
		Name:      "occupancy_drift_repaired_total",
		Help:      "Activities whose cached occupancy was rewritten by the reconciler.",
	})

	lastEnrollmentGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "enrollment_service",
		Subsystem: "controller",
		Name:      "last_enrollment_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful enrollment.",
	})
)

func init() {
	prometheus.MustRegister(
		admissionCounter,
		cancellationCounter,
		completionCounter,
		compensationCounter,
		reconciliationFaultCounter,
		occupancyDriftCounter,
		lastEnrollmentGauge,
	)
}

// RecordAdmission tracks an enrollment decision outcome (granted, denied, duplicate, invalid).
func RecordAdmission(outcome string) {
	admissionCounter.WithLabelValues(outcome).Inc()
	if outcome == "granted" {
		lastEnrollmentGauge.Set(float64(time.Now().Unix()))
	}
}

// RecordCancellation tracks a cancel outcome (ok, not_enrolled, invalid).
func RecordCancellation(outcome string) {
	cancellationCounter.WithLabelValues(outcome).Inc()
}

// RecordCompletion tracks a successful active -> completed transition.
func RecordCompletion() {
	completionCounter.Inc()
}

// RecordCompensation tracks a compensating release after a failed ledger write.
func RecordCompensation() {
	compensationCounter.Inc()
}

// RecordReconciliationFault tracks a detected counter/ledger divergence.
func RecordReconciliationFault() {
	reconciliationFaultCounter.Inc()
}

// RecordDriftRepaired tracks activities repaired by the occupancy reconciler.
func RecordDriftRepaired(count int) {
	if count <= 0 {
		return
	}
	occupancyDriftCounter.Add(float64(count))
}

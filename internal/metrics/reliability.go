package metrics

import (
	"regexp"
	"strings"
)

var (
	labelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

	stalledJobsTotal = counterVec("reliability", "stalled_jobs_total",
		"Jobs swept off the active list at startup, by disposition.",
		"disposition")

	workerPanicsTotal = counterVec("reliability", "worker_panics_total",
		"Panics recovered inside worker goroutines, by stage.",
		"stage")
)

// sanitizeLabel keeps label values within Prometheus' safe character
// set regardless of what produced them.
func sanitizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return labelSanitizer.ReplaceAllString(v, "_")
}

// RecordStalledJobs counts jobs recovered from a previous process.
func RecordStalledJobs(disposition string, n int) {
	if n <= 0 {
		return
	}
	stalledJobsTotal.WithLabelValues(sanitizeLabel(disposition)).Add(float64(n))
}

// RecordWorkerPanic counts a recovered worker panic.
func RecordWorkerPanic(stage string) {
	workerPanicsTotal.WithLabelValues(sanitizeLabel(stage)).Inc()
}

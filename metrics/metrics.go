package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the archiver
type Metrics struct {
	archived        *prometheus.CounterVec // by kind and source
	deleted         prometheus.Counter
	duplicates      prometheus.Counter
	skippedChannels prometheus.Counter
	mirrorUploads   *prometheus.CounterVec // by result

	crawlDuration prometheus.Histogram
	crawlPhase    *prometheus.GaugeVec
}

// New registers the archiver metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		archived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_records_archived_total",
				Help: "Total number of message and attachment rows written",
			},
			[]string{"kind", "source"}, // kind: message|attachment, source: crawl|live
		),
		deleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_messages_deleted_total",
				Help: "Total number of message deletions applied from live events",
			},
		),
		duplicates: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_duplicates_total",
				Help: "Total number of records skipped because their id was already stored",
			},
		),
		skippedChannels: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_channels_skipped_total",
				Help: "Total number of channels skipped for missing access",
			},
		),
		mirrorUploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_mirror_uploads_total",
				Help: "Total number of attachment mirror uploads by result",
			},
			[]string{"result"},
		),
		crawlDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archiver_crawl_duration_seconds",
				Help:    "Time taken by a full historical crawl",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
			},
		),
		crawlPhase: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "archiver_crawl_phase",
				Help: "Current crawl phase (1 for the active phase, 0 otherwise)",
			},
			[]string{"phase"},
		),
	}
}

// RecordArchived counts the rows produced for one message
func (m *Metrics) RecordArchived(source string, message, attachment bool) {
	if message {
		m.archived.WithLabelValues("message", source).Inc()
	}
	if attachment {
		m.archived.WithLabelValues("attachment", source).Inc()
	}
}

// RecordDeleted increments the deletion counter
func (m *Metrics) RecordDeleted() {
	m.deleted.Inc()
}

// RecordDuplicate increments the duplicate counter
func (m *Metrics) RecordDuplicate() {
	m.duplicates.Inc()
}

// RecordSkippedChannel increments the skipped channel counter
func (m *Metrics) RecordSkippedChannel() {
	m.skippedChannels.Inc()
}

// RecordMirrorUpload counts a mirror upload attempt
func (m *Metrics) RecordMirrorUpload(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mirrorUploads.WithLabelValues(result).Inc()
}

// RecordCrawlDuration records how long a crawl took
func (m *Metrics) RecordCrawlDuration(seconds float64) {
	m.crawlDuration.Observe(seconds)
}

// SetPhase marks phase as the only active crawl phase
func (m *Metrics) SetPhase(phase string) {
	m.crawlPhase.Reset()
	m.crawlPhase.WithLabelValues(phase).Set(1)
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/leozw/certiroute/internal/core"
)

// Collector owns every engine metric. A nil *Collector is valid and records
// nothing, which keeps tests free of registry plumbing.
type Collector struct {
	// DNS
	dnsChanges      *prometheus.CounterVec
	dnsOrphans      prometheus.Gauge
	dnsReconciled   *prometheus.CounterVec
	dnsCallDuration *prometheus.HistogramVec

	// Certificates
	certTransitions   *prometheus.CounterVec
	certIssueDuration prometheus.Histogram
	certExpiry        *prometheus.GaugeVec
	installs          *prometheus.CounterVec

	// Host probe
	scanDuration   prometheus.Histogram
	openPorts      prometheus.Gauge
	detections     *prometheus.GaugeVec
	lastScan       prometheus.Gauge
	livenessFailed prometheus.Counter

	// Workers
	jobsProcessed *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	queueSize     prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		dnsChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certiroute_dns_changes_total",
				Help: "DNS record changes submitted to the provider",
			},
			[]string{"action", "result"},
		),
		dnsOrphans: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "certiroute_dns_orphaned_records",
				Help: "Domain records whose live A record was missing at the last reconcile pass",
			},
		),
		dnsReconciled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certiroute_dns_reconciled_total",
				Help: "Outcomes of domain record reconciliation",
			},
			[]string{"outcome"},
		),
		dnsCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "certiroute_dns_call_duration_seconds",
				Help:    "Duration of DNS provider calls",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"action"},
		),

		certTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certiroute_certificate_transitions_total",
				Help: "Certificate records entering each status",
			},
			[]string{"status"},
		),
		certIssueDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "certiroute_certificate_issue_duration_seconds",
				Help:    "Time spent waiting on the certificate authority",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
		certExpiry: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "certiroute_certificate_expiry_timestamp_seconds",
				Help: "NotAfter of issued and installed certificates",
			},
			[]string{"certificate_id", "fqdn"},
		),
		installs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certiroute_certificate_installs_total",
				Help: "Installer runs by server type and result",
			},
			[]string{"server_type", "result"},
		),

		scanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "certiroute_probe_scan_duration_seconds",
				Help:    "Duration of a full host detection pass",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		openPorts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "certiroute_probe_open_ports",
				Help: "Open candidate ports at the last scan",
			},
		),
		detections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "certiroute_probe_detections",
				Help: "Detected listeners by server type at the last scan",
			},
			[]string{"server_type"},
		),
		lastScan: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "certiroute_probe_last_scan_timestamp_seconds",
				Help: "Unix time of the last completed scan",
			},
		),
		livenessFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "certiroute_probe_liveness_unreachable_total",
				Help: "Liveness probes that got no HTTP response",
			},
		),

		jobsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certiroute_jobs_processed_total",
				Help: "Background jobs processed by type and result",
			},
			[]string{"type", "result"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "certiroute_job_duration_seconds",
				Help:    "Background job duration",
				Buckets: []float64{.1, .5, 1, 5, 15, 60},
			},
			[]string{"type"},
		),
		queueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "certiroute_queue_size",
				Help: "Jobs waiting in the queue",
			},
		),
	}
}

func result(err error) string {
	if err == nil {
		return "success"
	}
	return string(core.KindOf(err))
}

func (c *Collector) RecordDNSChange(action string, started time.Time, err error) {
	if c == nil {
		return
	}
	c.dnsChanges.WithLabelValues(action, result(err)).Inc()
	c.dnsCallDuration.WithLabelValues(action).Observe(time.Since(started).Seconds())
}

func (c *Collector) RecordReconcile(outcome string) {
	if c == nil {
		return
	}
	c.dnsReconciled.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetOrphans(n int) {
	if c == nil {
		return
	}
	c.dnsOrphans.Set(float64(n))
}

func (c *Collector) RecordCertificateStatus(rec *core.CertificateRecord) {
	if c == nil || rec == nil {
		return
	}
	c.certTransitions.WithLabelValues(string(rec.Status)).Inc()

	switch rec.Status {
	case core.StatusIssued, core.StatusInstalled:
		if rec.ExpiresAt != nil {
			c.certExpiry.WithLabelValues(rec.ID, rec.FQDN).Set(float64(rec.ExpiresAt.Unix()))
		}
	default:
		c.certExpiry.DeleteLabelValues(rec.ID, rec.FQDN)
	}
}

func (c *Collector) ForgetCertificate(rec *core.CertificateRecord) {
	if c == nil || rec == nil {
		return
	}
	c.certExpiry.DeleteLabelValues(rec.ID, rec.FQDN)
}

func (c *Collector) ObserveIssuance(d time.Duration) {
	if c == nil {
		return
	}
	c.certIssueDuration.Observe(d.Seconds())
}

func (c *Collector) RecordInstall(serverType string, err error) {
	if c == nil {
		return
	}
	c.installs.WithLabelValues(serverType, result(err)).Inc()
}

func (c *Collector) RecordScan(snapshot core.DetectionSnapshot, took time.Duration) {
	if c == nil {
		return
	}
	c.scanDuration.Observe(took.Seconds())
	c.openPorts.Set(float64(len(snapshot.Detections)))
	c.lastScan.Set(float64(snapshot.ScannedAt.Unix()))

	c.detections.Reset()
	for _, d := range snapshot.Detections {
		c.detections.WithLabelValues(d.ServerType).Inc()
		if d.Liveness == nil {
			c.livenessFailed.Inc()
		}
	}
}

func (c *Collector) RecordJob(jobType string, took time.Duration, err error) {
	if c == nil {
		return
	}
	c.jobsProcessed.WithLabelValues(jobType, result(err)).Inc()
	c.jobDuration.WithLabelValues(jobType).Observe(took.Seconds())
}

func (c *Collector) SetQueueSize(n int64) {
	if c == nil {
		return
	}
	c.queueSize.Set(float64(n))
}

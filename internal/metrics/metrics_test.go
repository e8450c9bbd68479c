package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/core"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordDNSChange("upsert", time.Now(), nil)
	c.RecordCertificateStatus(&core.CertificateRecord{Status: core.StatusIssued})
	c.RecordScan(core.DetectionSnapshot{}, time.Second)
	c.RecordJob("domain_reconcile", time.Second, nil)
}

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDNSChange("upsert", time.Now(), nil)
	c.RecordDNSChange("upsert", time.Now(), core.E(core.KindCredential, "op", "expired", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dnsChanges.WithLabelValues("upsert", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dnsChanges.WithLabelValues("upsert", "credential")))

	expires := time.Unix(1_900_000_000, 0)
	rec := &core.CertificateRecord{ID: "c1", FQDN: "api.example.com", Status: core.StatusIssued, ExpiresAt: &expires}
	c.RecordCertificateStatus(rec)
	assert.Equal(t, float64(expires.Unix()), testutil.ToFloat64(c.certExpiry.WithLabelValues("c1", "api.example.com")))

	rec.Status = core.StatusRevoked
	c.RecordCertificateStatus(rec)
	assert.Equal(t, 0, testutil.CollectAndCount(c.certExpiry))

	c.RecordScan(core.DetectionSnapshot{
		ScannedAt: time.Unix(1_800_000_000, 0),
		Detections: []core.HostDetection{
			{Port: 80, ServerType: "nginx", Liveness: &core.Liveness{StatusCode: 200}},
			{Port: 3000, ServerType: "express.js"},
		},
	}, time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.openPorts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.livenessFailed))
}

func TestRemoteWriterFlush(t *testing.T) {
	var got prompb.WriteRequest
	var tenant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant = r.Header.Get("X-Scope-OrgID")
		body, _ := io.ReadAll(r.Body)
		data, err := snappy.Decode(nil, body)
		if err != nil || got.Unmarshal(data) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordInstall("nginx", nil)
	c.RecordJob("domain_reconcile", 200*time.Millisecond, errors.New("x"))

	w := NewRemoteWriter(config.MetricsConfig{
		RemoteWriteURL: srv.URL,
		TenantHeader:   "X-Scope-OrgID",
		TenantID:       "certiroute",
		BatchSize:      1000,
	}, reg, zap.NewNop())

	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, "certiroute", tenant)

	names := map[string]bool{}
	for _, ts := range got.Timeseries {
		for _, l := range ts.Labels {
			if l.Name == "__name__" {
				names[l.Value] = true
			}
		}
	}
	assert.True(t, names["certiroute_certificate_installs_total"])
	assert.True(t, names["certiroute_job_duration_seconds_bucket"])
	assert.True(t, names["certiroute_job_duration_seconds_count"])
}

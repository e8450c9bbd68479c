package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/api/handlers"
	"github.com/leozw/certiroute/internal/api/middleware"
	"github.com/leozw/certiroute/internal/certs"
	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/core"
	"github.com/leozw/certiroute/internal/credentials"
	"github.com/leozw/certiroute/internal/metrics"
	"github.com/leozw/certiroute/internal/registrar"
)

const testSecret = "test-secret"

type fakeCredentials struct{}

func (fakeCredentials) Save(_ context.Context, accessKey, _, region string) (*credentials.Status, error) {
	if accessKey == "bad" {
		return nil, core.E(core.KindCredential, "credentials.save", "provider rejected the keys", nil)
	}
	return &credentials.Status{Configured: true, Region: region, AccessKeyTag: "AKIA...1234"}, nil
}
func (fakeCredentials) Status(context.Context) (*credentials.Status, error) {
	return &credentials.Status{}, nil
}
func (fakeCredentials) Delete(context.Context) error { return nil }

type fakeRegistrar struct {
	created []string
}

func (f *fakeRegistrar) Create(_ context.Context, label, zoneID string) (*core.DomainRecord, error) {
	if label == "bad_label" {
		return nil, core.Validation("registrar.create", "label may only contain letters, digits and hyphens")
	}
	f.created = append(f.created, label+"/"+zoneID)
	return &core.DomainRecord{ID: "d1", Label: label, ZoneID: zoneID, FQDN: label + ".example.com", TargetAddress: "203.0.113.9", TTL: 300}, nil
}
func (f *fakeRegistrar) Delete(_ context.Context, id string) error {
	if id == "busy" {
		return core.Conflict("registrar.delete", "certificate records reference busy")
	}
	return nil
}
func (f *fakeRegistrar) Get(_ context.Context, id string) (*core.DomainRecord, error) {
	return nil, core.NotFound("registrar.get", "domain record "+id+" not found")
}
func (f *fakeRegistrar) ListRecords(context.Context) ([]*core.DomainRecord, error) {
	return []*core.DomainRecord{{ID: "d1"}}, nil
}
func (f *fakeRegistrar) List(context.Context, string) ([]core.ZoneSummary, error) {
	return []core.ZoneSummary{{ID: "Z1", Name: "example.com."}}, nil
}
func (f *fakeRegistrar) CurrentAddress(context.Context) (netip.Addr, error) {
	return netip.MustParseAddr("203.0.113.9"), nil
}
func (f *fakeRegistrar) ZoneRegistration(context.Context, string) (*core.ZoneRegistration, error) {
	return &core.ZoneRegistration{Zone: "example.com"}, nil
}
func (f *fakeRegistrar) Reconcile(context.Context, string) (*registrar.ReconcileResult, error) {
	return &registrar.ReconcileResult{Outcome: registrar.OutcomeVerified}, nil
}

type fakeCertificates struct {
	requestErr error
	deleted    map[string]bool
}

func (f *fakeCertificates) RequestCertificate(_ context.Context, domainRecordID string, port int) (*core.CertificateRecord, error) {
	rec := &core.CertificateRecord{ID: "c1", DomainRecordID: domainRecordID, InstallTargetPort: port, Status: core.StatusIssued}
	if f.requestErr != nil {
		reason := f.requestErr.Error()
		rec.Status = core.StatusFailed
		rec.FailureReason = &reason
		return rec, f.requestErr
	}
	return rec, nil
}
func (f *fakeCertificates) InstallCertificate(_ context.Context, id, serverType string) (*certs.InstallResult, error) {
	return &certs.InstallResult{Certificate: &core.CertificateRecord{ID: id, Status: core.StatusInstalled}}, nil
}
func (f *fakeCertificates) Delete(_ context.Context, id string, force bool) error {
	f.deleted[id] = force
	return nil
}
func (f *fakeCertificates) Revoke(_ context.Context, id string) (*core.CertificateRecord, error) {
	return &core.CertificateRecord{ID: id, Status: core.StatusRevoked}, nil
}
func (f *fakeCertificates) Get(_ context.Context, id string) (*core.CertificateRecord, error) {
	return &core.CertificateRecord{ID: id}, nil
}
func (f *fakeCertificates) List(context.Context, string) ([]*core.CertificateRecord, error) {
	return []*core.CertificateRecord{}, nil
}
func (f *fakeCertificates) Served(context.Context, string) (*certs.ServedStatus, error) {
	return &certs.ServedStatus{Matches: true}, nil
}

type fakeDetector struct {
	scanned []int
}

func (f *fakeDetector) Detect(context.Context) ([]core.HostDetection, error) {
	return []core.HostDetection{{Port: 443, ServerType: "nginx"}}, nil
}
func (f *fakeDetector) Latest(context.Context) (*core.DetectionSnapshot, error) {
	return &core.DetectionSnapshot{Detections: []core.HostDetection{}}, nil
}
func (f *fakeDetector) ScanPorts(_ context.Context, ports []int) (core.ScanResult, error) {
	f.scanned = ports
	return core.ScanResult{Open: []int{443}, Closed: []int{}}, nil
}
func (f *fakeDetector) Ports() []int { return []int{80, 443} }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type harness struct {
	server *Server
	reg    *fakeRegistrar
	certs  *fakeCertificates
	det    *fakeDetector
	token  string
}

func newHarness(t *testing.T, mutate func(*config.Config, *handlers.Deps)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Server.Mode = gin.TestMode
	cfg.Server.RateLimit = 100
	cfg.Server.RateBurst = 100
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.Issuer = "certiroute"

	h := &harness{
		reg:   &fakeRegistrar{},
		certs: &fakeCertificates{deleted: map[string]bool{}},
		det:   &fakeDetector{},
	}
	deps := handlers.Deps{
		Credentials:  fakeCredentials{},
		Registrar:    h.reg,
		Certificates: h.certs,
		Detector:     h.det,
		Ready:        map[string]handlers.Pinger{"store": pinger{}},
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)
	h.server = NewServer(cfg, deps, reg, zap.NewNop())

	token, err := middleware.IssueToken(testSecret, "certiroute", "operator", time.Hour)
	require.NoError(t, err)
	h.token = token
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	w := httptest.NewRecorder()
	h.server.Router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t, nil)
	h.token = ""

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/ready", "").Code)

	down := newHarness(t, func(_ *config.Config, d *handlers.Deps) {
		d.Ready = map[string]handlers.Pinger{"store": pinger{errors.New("connection refused")}}
	})
	down.token = ""
	w := down.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, nil)

	h.token = ""
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/domains", "").Code)

	wrongIssuer, err := middleware.IssueToken(testSecret, "someone-else", "operator", time.Hour)
	require.NoError(t, err)
	h.token = wrongIssuer
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/domains", "").Code)

	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Issuer: "certiroute"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	h.token = wrongAlg
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/domains", "").Code)

	expired, err := middleware.IssueToken(testSecret, "certiroute", "operator", -time.Minute)
	require.NoError(t, err)
	h.token = expired
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/domains", "").Code)
}

func TestRealmAuthRejectsSharedSecretTokens(t *testing.T) {
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer jwks.Close()

	h := newHarness(t, func(cfg *config.Config, _ *handlers.Deps) {
		cfg.Auth.KeycloakURL = jwks.URL
		cfg.Auth.KeycloakRealm = "ops"
	})
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/domains", "").Code)
}

func TestCreateDomain(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/v1/domains", `{"label":"api","zone_id":"Z1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.Equal(t, "api.example.com", body["fqdn"])
	assert.Equal(t, "203.0.113.9", body["target_address"])
	assert.Equal(t, []string{"api/Z1"}, h.reg.created)

	w = h.do(t, http.MethodPost, "/api/v1/domains", `{"label":"bad_label","zone_id":"Z1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body = decode(t, w)
	assert.Equal(t, "validation", body["kind"])
	assert.Equal(t, false, body["retryable"])

	w = h.do(t, http.MethodPost, "/api/v1/domains", `{"zone_id":"Z1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/domains/nope", "").Code)
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodDelete, "/api/v1/domains/busy", "").Code)
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v1/domains/d1", "").Code)

	w := h.do(t, http.MethodGet, "/api/v1/ip", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "203.0.113.9", decode(t, w)["ip"])
}

func TestSaveCredentialsRejected(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPut, "/api/v1/credentials", `{"access_key":"bad","secret":"s"}`)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "credential", decode(t, w)["kind"])

	w = h.do(t, http.MethodPut, "/api/v1/credentials", `{"access_key":"AKIAEXAMPLE","secret":"s","region":"us-east-1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["configured"])
}

func TestRequestCertificateFailureCarriesRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.certs.requestErr = core.E(core.KindExternalPermanent, "acme.obtain", "rejected identifier", nil)

	w := h.do(t, http.MethodPost, "/api/v1/certificates", `{"domain_record_id":"d1"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, "external_permanent", body["kind"])
	cert, ok := body["certificate"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "failed", cert["status"])
	assert.Equal(t, float64(443), cert["install_target_port"])

	h.certs.requestErr = core.E(core.KindExternalTransient, "acme.obtain", "rate limited", nil)
	w = h.do(t, http.MethodPost, "/api/v1/certificates", `{"domain_record_id":"d1","port":8443}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, true, decode(t, w)["retryable"])
}

func TestCertificateRoutes(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/v1/certificates", `{"domain_record_id":"d1"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/certificates/c1/install", `{"server_type":"nginx"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"installed"`)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/v1/certificates/c1/install", `{}`).Code)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v1/certificates/c1?force=true", "").Code)
	assert.True(t, h.certs.deleted["c1"])
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v1/certificates/c2", "").Code)
	assert.False(t, h.certs.deleted["c2"])
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodDelete, "/api/v1/certificates/c3?force=maybe", "").Code)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v1/certificates/c1/revoke", "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v1/certificates/c1/served", "").Code)
}

func TestWebserverRoutes(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodGet, "/api/v1/webserver/ports", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ports":[80,443]}`, w.Body.String())

	w = h.do(t, http.MethodPost, "/api/v1/webserver/scan", `{"ports":[443]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int{443}, h.det.scanned)

	w = h.do(t, http.MethodPost, "/api/v1/webserver/scan", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, h.det.scanned)

	w = h.do(t, http.MethodPost, "/api/v1/webserver/detect", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v1/webserver/detections", "").Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *handlers.Deps) {
		cfg.Server.RateLimit = 0.001
		cfg.Server.RateBurst = 1
	})

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v1/domains", "").Code)
	w := h.do(t, http.MethodGet, "/api/v1/domains", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

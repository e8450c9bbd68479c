package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/core"
	"github.com/leozw/certiroute/internal/secrets"
)

type fakeClient struct {
	registered int
	provider   challenge.Provider
	request    certificate.ObtainForCSRRequest
	resource   *certificate.Resource
	obtainErr  error
	block      chan struct{}
	revoked    []byte
}

func (f *fakeClient) Register(registration.RegisterOptions) (*registration.Resource, error) {
	f.registered++
	return &registration.Resource{URI: "https://acme.test/acct/1"}, nil
}

func (f *fakeClient) SetHTTP01Provider(p challenge.Provider) error {
	f.provider = p
	return nil
}

func (f *fakeClient) ObtainForCSR(req certificate.ObtainForCSRRequest) (*certificate.Resource, error) {
	if f.block != nil {
		<-f.block
	}
	f.request = req
	return f.resource, f.obtainErr
}

func (f *fakeClient) Revoke(cert []byte) error {
	f.revoked = cert
	return nil
}

func newTestAuthority(t *testing.T, client *fakeClient) *Authority {
	t.Helper()
	a, err := NewAuthority(config.ACMEConfig{
		DirectoryURL:   "https://acme.test/directory",
		Email:          "ops@example.com",
		HTTP01Address:  ":8081",
		RequestTimeout: time.Second,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	a.factory = func(*lego.Config) (acmeClient, error) { return client, nil }
	return a
}

func selfSignedLeaf(t *testing.T, fqdn string, notBefore, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: fqdn},
		DNSNames:     []string{fqdn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func testCSR(t *testing.T, fqdn string) *x509.CertificateRequest {
	t.Helper()
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	require.NoError(t, err)
	der, err := certcrypto.GenerateCSR(key, fqdn, []string{fqdn}, false)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return csr
}

func TestRequestCertificateUsesLeafValidity(t *testing.T) {
	notBefore := time.Now().Add(-time.Hour).Truncate(time.Second)
	notAfter := notBefore.Add(90 * 24 * time.Hour)
	client := &fakeClient{resource: &certificate.Resource{
		Domain:            "api.example.com",
		CertURL:           "https://acme.test/cert/1",
		Certificate:       selfSignedLeaf(t, "api.example.com", notBefore, notAfter),
		IssuerCertificate: []byte("issuer"),
	}}
	a := newTestAuthority(t, client)

	got, err := a.RequestCertificate(context.Background(), testCSR(t, "api.example.com"), "api.example.com")
	require.NoError(t, err)
	assert.True(t, notAfter.Equal(got.ValidTo))
	assert.True(t, notBefore.Equal(got.ValidFrom))
	assert.Equal(t, []byte("issuer"), got.ChainPEM)
	assert.Equal(t, "https://acme.test/cert/1", got.CertURL)
	assert.False(t, client.request.Bundle)
	assert.NotNil(t, client.provider)

	_, err = a.RequestCertificate(context.Background(), testCSR(t, "api.example.com"), "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, client.registered)
}

func TestRequestCertificateTimesOut(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	defer close(client.block)
	a := newTestAuthority(t, client)
	a.cfg.RequestTimeout = 20 * time.Millisecond

	_, err := a.RequestCertificate(context.Background(), testCSR(t, "api.example.com"), "api.example.com")
	require.Error(t, err)
	assert.True(t, core.Retryable(err))
}

func TestRequestCertificateEmptyPayload(t *testing.T) {
	a := newTestAuthority(t, &fakeClient{resource: &certificate.Resource{}})

	_, err := a.RequestCertificate(context.Background(), testCSR(t, "api.example.com"), "api.example.com")
	assert.True(t, core.IsKind(err, core.KindExternalPermanent))
}

func TestRevoke(t *testing.T) {
	client := &fakeClient{}
	a := newTestAuthority(t, client)

	require.NoError(t, a.Revoke(context.Background(), []byte("pem")))
	assert.Equal(t, []byte("pem"), client.revoked)
}

func TestNewAuthorityValidates(t *testing.T) {
	_, err := NewAuthority(config.ACMEConfig{}, nil, zap.NewNop())
	require.Error(t, err)

	_, err = NewAuthority(config.ACMEConfig{Email: "ops@example.com", KeyType: "DSA"}, nil, zap.NewNop())
	require.Error(t, err)
}

func TestAccountKeySurvivesRestart(t *testing.T) {
	keys, err := secrets.NewFileStore(t.TempDir())
	require.NoError(t, err)
	cfg := config.ACMEConfig{
		DirectoryURL:   "https://acme.test/directory",
		Email:          "ops@example.com",
		HTTP01Address:  ":8081",
		RequestTimeout: time.Second,
	}

	start := func() crypto.PrivateKey {
		a, err := NewAuthority(cfg, keys, zap.NewNop())
		require.NoError(t, err)
		var used crypto.PrivateKey
		a.factory = func(c *lego.Config) (acmeClient, error) {
			used = c.User.GetPrivateKey()
			return &fakeClient{}, nil
		}
		require.NoError(t, a.Revoke(context.Background(), []byte("pem")))
		require.NotNil(t, used)
		return used
	}

	first := start()
	second := start()
	firstKey, ok := first.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, firstKey.Equal(second))

	stored, err := keys.Get(context.Background(), keys.Ref(secrets.AccountKeyName(cfg.DirectoryURL, cfg.Email)))
	require.NoError(t, err)
	assert.Contains(t, string(stored), "PRIVATE KEY")
}

func TestAccountKeyStoreFailureIsStorage(t *testing.T) {
	dir := t.TempDir()
	keys, err := secrets.NewFileStore(dir)
	require.NoError(t, err)
	cfg := config.ACMEConfig{DirectoryURL: "https://acme.test/directory", Email: "ops@example.com", RequestTimeout: time.Second}

	// A directory where the key file belongs makes the read fail.
	name := secrets.AccountKeyName(cfg.DirectoryURL, cfg.Email)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o700))

	a, err := NewAuthority(cfg, keys, zap.NewNop())
	require.NoError(t, err)
	a.factory = func(*lego.Config) (acmeClient, error) { return &fakeClient{}, nil }

	err = a.Revoke(context.Background(), []byte("pem"))
	assert.True(t, core.IsKind(err, core.KindStorage))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want core.Kind
	}{
		{"rate limited", &legoacme.ProblemDetails{Type: problemPrefix + "rateLimited", HTTPStatus: 429}, core.KindExternalTransient},
		{"server error", &legoacme.ProblemDetails{Type: problemPrefix + "serverInternal", HTTPStatus: 500}, core.KindExternalTransient},
		{"bad csr", &legoacme.ProblemDetails{Type: problemPrefix + "badCSR", HTTPStatus: 400}, core.KindValidation},
		{"challenge failed", &legoacme.ProblemDetails{Type: problemPrefix + "unauthorized", HTTPStatus: 403}, core.KindExternalPermanent},
		{"unknown account", &legoacme.ProblemDetails{Type: problemPrefix + "accountDoesNotExist", HTTPStatus: 400}, core.KindCredential},
		{"deadline", context.DeadlineExceeded, core.KindExternalTransient},
		{"aggregated", errors.New("error: one or more domains had a problem"), core.KindExternalPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, core.KindOf(classify("acme.test", tt.err)))
		})
	}
}

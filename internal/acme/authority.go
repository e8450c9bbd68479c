// Package acme issues and revokes certificates against an ACME directory
// (Let's Encrypt by default) using lego.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/http/webroot"
	"github.com/go-acme/lego/v4/registration"
	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/core"
	"github.com/leozw/certiroute/internal/secrets"
)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	ObtainForCSR(request certificate.ObtainForCSRRequest) (*certificate.Resource, error)
	Revoke(cert []byte) error
}

type clientFactory func(*lego.Config) (acmeClient, error)

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (l *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClientAdapter) ObtainForCSR(request certificate.ObtainForCSRRequest) (*certificate.Resource, error) {
	return l.client.Certificate.ObtainForCSR(request)
}

func (l *legoClientAdapter) Revoke(cert []byte) error {
	return l.client.Certificate.Revoke(cert)
}

type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string                        { return u.email }
func (u *accountUser) GetRegistration() *registration.Resource { return u.registration }
func (u *accountUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// Authority is an ACME account able to answer http-01 challenges either with
// its own listener or by writing into a webroot served by the local web server.
type Authority struct {
	cfg     config.ACMEConfig
	keys    secrets.Named
	logger  *zap.Logger
	factory clientFactory

	mu     sync.Mutex
	client acmeClient
}

// NewAuthority keeps the account key in keys so restarts reuse one account.
// With nil keys every process registers a fresh account.
func NewAuthority(cfg config.ACMEConfig, keys secrets.Named, logger *zap.Logger) (*Authority, error) {
	if strings.TrimSpace(cfg.Email) == "" {
		return nil, fmt.Errorf("acme: account email is required")
	}
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = lego.LEDirectoryProduction
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Minute
	}
	if _, err := KeyType(cfg.KeyType); err != nil {
		return nil, err
	}
	return &Authority{
		cfg:     cfg,
		keys:    keys,
		logger:  logger.With(zap.String("component", "acme")),
		factory: defaultClientFactory,
	}, nil
}

// KeyType maps a configured key name to lego's key type.
func KeyType(name string) (certcrypto.KeyType, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "RSA2048":
		return certcrypto.RSA2048, nil
	case "RSA3072":
		return certcrypto.RSA3072, nil
	case "RSA4096":
		return certcrypto.RSA4096, nil
	case "EC256", "P256":
		return certcrypto.EC256, nil
	case "EC384", "P384":
		return certcrypto.EC384, nil
	}
	return "", fmt.Errorf("acme: unsupported key type %q", name)
}

// account registers lazily and reuses the client for the process lifetime.
func (a *Authority) account(ctx context.Context) (acmeClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}

	key, err := a.accountKey(ctx)
	if err != nil {
		return nil, err
	}
	user := &accountUser{email: a.cfg.Email, key: key}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = a.cfg.DirectoryURL
	legoCfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	if kt, err := KeyType(a.cfg.KeyType); err == nil {
		legoCfg.Certificate.KeyType = kt
	}

	client, err := a.factory(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}

	provider, err := a.challengeProvider()
	if err != nil {
		return nil, err
	}
	if err := client.SetHTTP01Provider(provider); err != nil {
		return nil, fmt.Errorf("configure http-01 provider: %w", err)
	}

	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, err
	}
	user.registration = reg

	a.logger.Info("ACME account registered", zap.String("directory", a.cfg.DirectoryURL), zap.String("email", a.cfg.Email))
	a.client = client
	return client, nil
}

// accountKey loads the stored account key, creating and storing one on first
// use. Registering again with a known key returns the existing account.
func (a *Authority) accountKey(ctx context.Context) (crypto.PrivateKey, error) {
	if a.keys == nil {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate account key: %w", err)
		}
		return key, nil
	}

	name := secrets.AccountKeyName(a.cfg.DirectoryURL, a.cfg.Email)
	data, err := a.keys.Get(ctx, a.keys.Ref(name))
	switch {
	case err == nil:
		key, err := certcrypto.ParsePEMPrivateKey(data)
		if err != nil {
			return nil, core.E(core.KindInternal, "acme.account_key", "parse stored account key", err)
		}
		return key, nil
	case !errors.Is(err, secrets.ErrNotFound):
		return nil, core.Storage("acme.account_key", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	if _, err := a.keys.Put(ctx, name, certcrypto.PEMEncode(key)); err != nil {
		return nil, core.Storage("acme.account_key", err)
	}
	a.logger.Info("ACME account key created", zap.String("name", name))
	return key, nil
}

func (a *Authority) challengeProvider() (challenge.Provider, error) {
	if a.cfg.WebrootPath != "" {
		provider, err := webroot.NewHTTPProvider(a.cfg.WebrootPath)
		if err != nil {
			return nil, fmt.Errorf("configure webroot provider: %w", err)
		}
		return provider, nil
	}

	host, port := "", "80"
	if a.cfg.HTTP01Address != "" {
		h, p, err := net.SplitHostPort(a.cfg.HTTP01Address)
		if err != nil {
			return nil, fmt.Errorf("invalid http-01 address %q: %w", a.cfg.HTTP01Address, err)
		}
		host, port = h, p
	}
	return http01.NewProviderServer(host, port), nil
}

// RequestCertificate submits the CSR and waits for the signed leaf. The
// validity window comes from the certificate the CA returned.
func (a *Authority) RequestCertificate(ctx context.Context, csr *x509.CertificateRequest, fqdn string) (*core.IssuedCertificate, error) {
	const op = "acme.request_certificate"

	client, err := a.account(ctx)
	if err != nil {
		return nil, classify(op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	type outcome struct {
		res *certificate.Resource
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := client.ObtainForCSR(certificate.ObtainForCSRRequest{CSR: csr, Bundle: false})
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		return nil, core.E(core.KindExternalTransient, op, "certificate authority did not answer for "+fqdn, ctx.Err())
	}
	if out.err != nil {
		return nil, classify(op, out.err)
	}

	return issued(op, out.res)
}

func issued(op string, res *certificate.Resource) (*core.IssuedCertificate, error) {
	if res == nil || len(res.Certificate) == 0 {
		return nil, core.E(core.KindExternalPermanent, op, "empty certificate payload received from the CA", nil)
	}
	leaf, err := certcrypto.ParsePEMCertificate(res.Certificate)
	if err != nil {
		return nil, core.E(core.KindExternalPermanent, op, "CA returned an unparseable certificate", err)
	}
	return &core.IssuedCertificate{
		CertPEM:   res.Certificate,
		ChainPEM:  res.IssuerCertificate,
		ValidFrom: leaf.NotBefore,
		ValidTo:   leaf.NotAfter,
		CertURL:   res.CertURL,
	}, nil
}

// Revoke asks the CA to revoke a certificate it issued.
func (a *Authority) Revoke(ctx context.Context, certPEM []byte) error {
	const op = "acme.revoke"

	client, err := a.account(ctx)
	if err != nil {
		return classify(op, err)
	}

	done := make(chan error, 1)
	go func() { done <- client.Revoke(certPEM) }()

	select {
	case err := <-done:
		if err != nil {
			return classify(op, err)
		}
		return nil
	case <-ctx.Done():
		return core.E(core.KindExternalTransient, op, "certificate authority did not answer", ctx.Err())
	}
}

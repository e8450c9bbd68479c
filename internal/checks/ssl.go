package checks

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

type SSLChecker struct {
	timeout time.Duration
}

func NewSSLChecker(timeout time.Duration) *SSLChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SSLChecker{timeout: timeout}
}

// Inspect connects to addr with SNI serverName and reports the leaf the
// server presents. The chain is not verified; callers compare serials.
func (s *SSLChecker) Inspect(ctx context.Context, addr, serverName string) (*ServedCertificate, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: s.timeout},
		Config: &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true,
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	cert := state.PeerCertificates[0]

	return &ServedCertificate{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.Text(16),
		DNSNames:     cert.DNSNames,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Protocol:     tlsVersionString(state.Version),
	}, nil
}

func tlsVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS13:
		return "TLS 1.3"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS10:
		return "TLS 1.0"
	default:
		return "unknown"
	}
}

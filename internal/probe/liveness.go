package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/core"
)

func newLivenessClient(cfg config.ProbeConfig) *http.Client {
	return &http.Client{
		Timeout: cfg.LivenessTimeout,
		Transport: &http.Transport{
			// Local servers often present certificates for other names.
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ProbeLiveness sends a HEAD request to the port. Any failure yields nil.
func (p *Prober) ProbeLiveness(ctx context.Context, port int, isSecure bool) *core.Liveness {
	scheme := "http"
	if isSecure {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(p.cfg.Host, strconv.Itoa(port)))

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", "certiroute-probe/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return &core.Liveness{StatusCode: resp.StatusCode, Headers: headers}
}

package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

type DNSChecker struct {
	client   *dns.Client
	resolver string
}

func NewDNSChecker(resolver string, timeout time.Duration) *DNSChecker {
	if resolver == "" {
		resolver = "8.8.8.8:53"
	}
	return &DNSChecker{
		client:   &dns.Client{Timeout: timeout},
		resolver: resolver,
	}
}

// LookupA queries the A records for fqdn. NXDOMAIN is an empty answer, not an
// error; transport failures and SERVFAIL are errors.
func (d *DNSChecker) LookupA(ctx context.Context, fqdn string) (*ARecordResult, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeA)
	m.RecursionDesired = true

	start := time.Now()
	r, _, err := d.client.ExchangeContext(ctx, m, d.resolver)
	result := &ARecordResult{FQDN: fqdn, Duration: time.Since(start)}
	if err != nil {
		return nil, fmt.Errorf("dns query failed: %w", err)
	}

	result.Rcode = dns.RcodeToString[r.Rcode]
	switch r.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return nil, fmt.Errorf("dns query failed with code: %s", result.Rcode)
	}

	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			result.Addresses = append(result.Addresses, a.A.String())
		}
	}
	return result, nil
}

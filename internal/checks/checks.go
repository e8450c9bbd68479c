// Package checks runs read-only probes against public infrastructure: DNS
// answers for managed records, WHOIS data for zones and the certificate a
// server actually presents.
package checks

import (
	"time"
)

type ARecordResult struct {
	FQDN      string        `json:"fqdn"`
	Addresses []string      `json:"addresses"`
	Rcode     string        `json:"rcode"`
	Duration  time.Duration `json:"duration"`
}

// Contains reports whether addr is among the answers.
func (r *ARecordResult) Contains(addr string) bool {
	for _, a := range r.Addresses {
		if a == addr {
			return true
		}
	}
	return false
}

type ServedCertificate struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	DNSNames     []string  `json:"dns_names"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	Protocol     string    `json:"protocol"`
}

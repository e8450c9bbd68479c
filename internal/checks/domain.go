package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"

	"github.com/leozw/certiroute/internal/core"
)

type WHOISChecker struct {
	client *whois.Client
	now    func() time.Time
}

func NewWHOISChecker(timeout time.Duration) *WHOISChecker {
	client := whois.NewClient()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &WHOISChecker{client: client, now: time.Now}
}

// Lookup returns registration data for a zone apex.
func (w *WHOISChecker) Lookup(ctx context.Context, zone string) (*core.ZoneRegistration, error) {
	type result struct {
		raw string
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := w.client.Whois(zone)
		done <- result{raw, err}
	}()

	var raw string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("whois lookup failed: %w", r.err)
		}
		raw = r.raw
	}

	return w.parse(zone, raw), nil
}

func (w *WHOISChecker) parse(zone, raw string) *core.ZoneRegistration {
	reg := &core.ZoneRegistration{Zone: zone}

	parsed, err := whoisparser.Parse(raw)
	if err == nil {
		if parsed.Registrar != nil {
			reg.Registrar = parsed.Registrar.Name
		}
		if parsed.Domain != nil {
			reg.Status = parsed.Domain.Status
			if t, err := parseWhoisDate(parsed.Domain.CreatedDate); err == nil {
				reg.CreatedDate = &t
			}
			if t, err := parseWhoisDate(parsed.Domain.ExpirationDate); err == nil {
				reg.ExpiryDate = &t
			}
		}
	}

	// Some registries are not understood by the parser.
	if reg.ExpiryDate == nil {
		if t := extractExpiryDate(raw); !t.IsZero() {
			reg.ExpiryDate = &t
		}
	}
	if reg.ExpiryDate != nil {
		reg.DaysToExpiry = int(reg.ExpiryDate.Sub(w.now()).Hours() / 24)
	}
	return reg
}

var whoisDateFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02 15:04:05",
	"2006.01.02",
	"2006/01/02",
}

func parseWhoisDate(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	for _, format := range whoisDateFormats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}

func extractExpiryDate(whoisData string) time.Time {
	patterns := []string{
		"registry expiry date:",
		"registrar registration expiration date:",
		"expiry date:",
		"expiration date:",
		"expires:",
		"paid-till:",
	}

	for _, line := range strings.Split(whoisData, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		for _, pattern := range patterns {
			if strings.HasPrefix(lower, pattern) {
				if t, err := parseWhoisDate(line[len(pattern):]); err == nil {
					return t
				}
			}
		}
	}
	return time.Time{}
}

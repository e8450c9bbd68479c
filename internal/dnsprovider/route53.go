// Package dnsprovider talks to Amazon Route 53. Every call takes the
// credentials it should run under; no client is shared between callers with
// different keys.
package dnsprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/leozw/certiroute/internal/core"
)

// ErrRecordAbsent is returned by DeleteA when the record is already gone.
var ErrRecordAbsent = errors.New("record already absent")

// API is the subset of the Route 53 client in use.
type API interface {
	route53.ListHostedZonesAPIClient
	GetHostedZone(ctx context.Context, params *route53.GetHostedZoneInput, optFns ...func(*route53.Options)) (*route53.GetHostedZoneOutput, error)
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	ListResourceRecordSets(ctx context.Context, params *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
}

// ClientFactory builds an API client bound to one set of credentials.
type ClientFactory func(ctx context.Context, creds core.Credentials) (API, error)

type Route53 struct {
	newClient ClientFactory
}

func NewRoute53(timeout time.Duration) *Route53 {
	return &Route53{newClient: defaultClientFactory(timeout)}
}

func NewRoute53WithFactory(factory ClientFactory) *Route53 {
	return &Route53{newClient: factory}
}

func defaultClientFactory(timeout time.Duration) ClientFactory {
	httpClient := &http.Client{Timeout: timeout}
	return func(ctx context.Context, creds core.Credentials) (API, error) {
		region := creds.Region
		if region == "" {
			region = "us-east-1"
		}

		awsCfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.Secret, ""),
			),
			config.WithHTTPClient(httpClient),
			// Retry policy belongs to the caller.
			config.WithRetryMaxAttempts(1),
		)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return route53.NewFromConfig(awsCfg), nil
	}
}

func (p *Route53) client(ctx context.Context, op string, creds core.Credentials) (API, error) {
	if creds.AccessKey == "" || creds.Secret == "" {
		return nil, core.E(core.KindCredential, op, "credentials are empty", nil)
	}
	c, err := p.newClient(ctx, creds)
	if err != nil {
		return nil, core.E(core.KindCredential, op, "build route53 client", err)
	}
	return c, nil
}

func (p *Route53) ListZones(ctx context.Context, creds core.Credentials) ([]core.ZoneSummary, error) {
	const op = "route53.list_zones"

	c, err := p.client(ctx, op, creds)
	if err != nil {
		return nil, err
	}

	zones := []core.ZoneSummary{}
	pages := route53.NewListHostedZonesPaginator(c, &route53.ListHostedZonesInput{})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, classify(op, err)
		}
		for _, z := range page.HostedZones {
			zones = append(zones, zoneSummary(z))
		}
	}
	return zones, nil
}

// GetZoneApex returns the zone's name without the trailing dot.
func (p *Route53) GetZoneApex(ctx context.Context, creds core.Credentials, zoneID string) (string, error) {
	const op = "route53.get_zone"

	c, err := p.client(ctx, op, creds)
	if err != nil {
		return "", err
	}

	out, err := c.GetHostedZone(ctx, &route53.GetHostedZoneInput{Id: aws.String(NormalizeZoneID(zoneID))})
	if err != nil {
		return "", classify(op, err)
	}
	if out.HostedZone == nil || out.HostedZone.Name == nil {
		return "", core.E(core.KindExternalPermanent, op, "zone has no name", nil)
	}
	return NormalizeName(*out.HostedZone.Name), nil
}

func (p *Route53) UpsertA(ctx context.Context, creds core.Credentials, zoneID, fqdn string, addr netip.Addr, ttl int64) error {
	return p.change(ctx, "route53.upsert_a", creds, zoneID, types.ChangeActionUpsert, fqdn, addr, ttl)
}

// DeleteA deletes by value: addr and ttl must match what the zone holds.
func (p *Route53) DeleteA(ctx context.Context, creds core.Credentials, zoneID, fqdn string, addr netip.Addr, ttl int64) error {
	return p.change(ctx, "route53.delete_a", creds, zoneID, types.ChangeActionDelete, fqdn, addr, ttl)
}

// ListA returns the A values the zone itself holds for fqdn. It reads the
// hosted zone, so a change accepted a moment ago is visible even while
// resolvers still cache the old answer.
func (p *Route53) ListA(ctx context.Context, creds core.Credentials, zoneID, fqdn string) ([]string, error) {
	const op = "route53.list_a"

	c, err := p.client(ctx, op, creds)
	if err != nil {
		return nil, err
	}

	out, err := c.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(NormalizeZoneID(zoneID)),
		StartRecordName: aws.String(fqdn),
		StartRecordType: types.RRTypeA,
		MaxItems:        aws.Int32(10),
	})
	if err != nil {
		return nil, classify(op, err)
	}

	want := NormalizeName(fqdn)
	values := []string{}
	// Sets come back in name order starting at fqdn; weighted or latency
	// routed names carry several A sets.
	for _, rs := range out.ResourceRecordSets {
		if NormalizeName(aws.ToString(rs.Name)) != want || rs.Type != types.RRTypeA {
			break
		}
		for _, rr := range rs.ResourceRecords {
			values = append(values, aws.ToString(rr.Value))
		}
	}
	return values, nil
}

func (p *Route53) change(ctx context.Context, op string, creds core.Credentials, zoneID string, action types.ChangeAction, fqdn string, addr netip.Addr, ttl int64) error {
	if !addr.Is4() {
		return core.Validation(op, fmt.Sprintf("%s is not an IPv4 address", addr))
	}

	c, err := p.client(ctx, op, creds)
	if err != nil {
		return err
	}

	_, err = c.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(NormalizeZoneID(zoneID)),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("Managed by certiroute for " + fqdn),
			Changes: []types.Change{{
				Action: action,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name: aws.String(fqdn),
					Type: types.RRTypeA,
					TTL:  aws.Int64(ttl),
					ResourceRecords: []types.ResourceRecord{
						{Value: aws.String(addr.String())},
					},
				},
			}},
		},
	})
	if err != nil {
		return classify(op, err)
	}
	return nil
}

func zoneSummary(z types.HostedZone) core.ZoneSummary {
	s := core.ZoneSummary{
		ID:   NormalizeZoneID(aws.ToString(z.Id)),
		Name: NormalizeName(aws.ToString(z.Name)),
	}
	if z.ResourceRecordSetCount != nil {
		s.RecordCount = *z.ResourceRecordSetCount
	}
	if z.Config != nil {
		s.Private = z.Config.PrivateZone
	}
	return s
}

// NormalizeZoneID strips the "/hostedzone/" prefix Route 53 puts on ids.
func NormalizeZoneID(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), "/hostedzone/")
}

// NormalizeName lower-cases a DNS name and drops the trailing dot.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
}

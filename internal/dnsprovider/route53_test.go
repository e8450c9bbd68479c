package dnsprovider

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leozw/certiroute/internal/core"
)

type stubAPI struct {
	zones   []types.HostedZone
	sets    []types.ResourceRecordSet
	listed  []*route53.ListResourceRecordSetsInput
	changes []*route53.ChangeResourceRecordSetsInput
	err     error
}

func (s *stubAPI) ListResourceRecordSets(_ context.Context, in *route53.ListResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error) {
	s.listed = append(s.listed, in)
	if s.err != nil {
		return nil, s.err
	}
	return &route53.ListResourceRecordSetsOutput{ResourceRecordSets: s.sets}, nil
}

func (s *stubAPI) ListHostedZones(_ context.Context, _ *route53.ListHostedZonesInput, _ ...func(*route53.Options)) (*route53.ListHostedZonesOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &route53.ListHostedZonesOutput{HostedZones: s.zones}, nil
}

func (s *stubAPI) GetHostedZone(_ context.Context, in *route53.GetHostedZoneInput, _ ...func(*route53.Options)) (*route53.GetHostedZoneOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, z := range s.zones {
		if NormalizeZoneID(*z.Id) == *in.Id {
			return &route53.GetHostedZoneOutput{HostedZone: &z}, nil
		}
	}
	return nil, &types.NoSuchHostedZone{Message: aws.String("No hosted zone found with ID: " + *in.Id)}
}

func (s *stubAPI) ChangeResourceRecordSets(_ context.Context, in *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	s.changes = append(s.changes, in)
	if s.err != nil {
		return nil, s.err
	}
	return &route53.ChangeResourceRecordSetsOutput{}, nil
}

var testCreds = core.Credentials{AccessKey: "AKIA", Secret: "secret", Region: "us-east-1"}

func newProvider(api *stubAPI, seen *[]core.Credentials) *Route53 {
	return NewRoute53WithFactory(func(_ context.Context, creds core.Credentials) (API, error) {
		if seen != nil {
			*seen = append(*seen, creds)
		}
		return api, nil
	})
}

func TestListZonesAndApex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := &stubAPI{zones: []types.HostedZone{{
		Id:                     aws.String("/hostedzone/Z1"),
		Name:                   aws.String("Example.com."),
		ResourceRecordSetCount: aws.Int64(4),
		Config:                 &types.HostedZoneConfig{PrivateZone: false},
	}}}
	var seen []core.Credentials
	p := newProvider(api, &seen)

	zones, err := p.ListZones(ctx, testCreds)
	require.NoError(t, err)
	assert.Equal(t, []core.ZoneSummary{{ID: "Z1", Name: "example.com", RecordCount: 4}}, zones)

	apex, err := p.GetZoneApex(ctx, testCreds, "/hostedzone/Z1")
	require.NoError(t, err)
	assert.Equal(t, "example.com", apex)

	_, err = p.GetZoneApex(ctx, testCreds, "Z404")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	require.Len(t, seen, 3)
	assert.Equal(t, testCreds, seen[0])
}

func TestUpsertBuildsChange(t *testing.T) {
	t.Parallel()

	api := &stubAPI{}
	p := newProvider(api, nil)

	err := p.UpsertA(context.Background(), testCreds, "Z1", "api.example.com", netip.MustParseAddr("203.0.113.9"), 300)
	require.NoError(t, err)

	require.Len(t, api.changes, 1)
	in := api.changes[0]
	assert.Equal(t, "Z1", *in.HostedZoneId)
	change := in.ChangeBatch.Changes[0]
	assert.Equal(t, types.ChangeActionUpsert, change.Action)
	assert.Equal(t, "api.example.com", *change.ResourceRecordSet.Name)
	assert.Equal(t, types.RRTypeA, change.ResourceRecordSet.Type)
	assert.Equal(t, int64(300), *change.ResourceRecordSet.TTL)
	assert.Equal(t, "203.0.113.9", *change.ResourceRecordSet.ResourceRecords[0].Value)
}

func TestListAReadsZoneRecordSets(t *testing.T) {
	t.Parallel()

	api := &stubAPI{sets: []types.ResourceRecordSet{
		{
			Name:            aws.String("API.example.com."),
			Type:            types.RRTypeA,
			ResourceRecords: []types.ResourceRecord{{Value: aws.String("203.0.113.9")}},
		},
		{
			Name:            aws.String("api.example.com."),
			Type:            types.RRTypeAaaa,
			ResourceRecords: []types.ResourceRecord{{Value: aws.String("2001:db8::1")}},
		},
		{
			Name:            aws.String("app.example.com."),
			Type:            types.RRTypeA,
			ResourceRecords: []types.ResourceRecord{{Value: aws.String("198.51.100.1")}},
		},
	}}
	p := newProvider(api, nil)

	values, err := p.ListA(context.Background(), testCreds, "/hostedzone/Z1", "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.9"}, values)

	require.Len(t, api.listed, 1)
	assert.Equal(t, "Z1", *api.listed[0].HostedZoneId)
	assert.Equal(t, "api.example.com", *api.listed[0].StartRecordName)
	assert.Equal(t, types.RRTypeA, api.listed[0].StartRecordType)
}

func TestListAMissingName(t *testing.T) {
	t.Parallel()

	api := &stubAPI{sets: []types.ResourceRecordSet{{
		Name:            aws.String("www.example.com."),
		Type:            types.RRTypeA,
		ResourceRecords: []types.ResourceRecord{{Value: aws.String("198.51.100.1")}},
	}}}
	values, err := newProvider(api, nil).ListA(context.Background(), testCreds, "Z1", "api.example.com")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestUpsertRejectsIPv6(t *testing.T) {
	t.Parallel()

	api := &stubAPI{}
	err := newProvider(api, nil).UpsertA(context.Background(), testCreds, "Z1", "api.example.com", netip.MustParseAddr("2001:db8::1"), 300)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
	assert.Empty(t, api.changes)
}

func TestEmptyCredentials(t *testing.T) {
	t.Parallel()

	_, err := newProvider(&stubAPI{}, nil).ListZones(context.Background(), core.Credentials{})
	assert.Equal(t, core.KindCredential, core.KindOf(err))
}

func TestDeleteAbsentRecord(t *testing.T) {
	t.Parallel()

	api := &stubAPI{err: &types.InvalidChangeBatch{
		Messages: []string{"Tried to delete resource record set [name='api.example.com.', type='A'] but it was not found"},
	}}
	err := newProvider(api, nil).DeleteA(context.Background(), testCreds, "Z1", "api.example.com", netip.MustParseAddr("203.0.113.9"), 300)
	require.ErrorIs(t, err, ErrRecordAbsent)
	assert.Equal(t, types.ChangeActionDelete, api.changes[0].ChangeBatch.Changes[0].Action)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		kind core.Kind
	}{
		{"credential", &smithy.GenericAPIError{Code: "InvalidClientTokenId", Message: "bad token"}, core.KindCredential},
		{"throttle", &smithy.GenericAPIError{Code: "Throttling", Message: "rate exceeded"}, core.KindExternalTransient},
		{"server fault", &smithy.GenericAPIError{Code: "Mystery", Fault: smithy.FaultServer}, core.KindExternalTransient},
		{"client fault", &smithy.GenericAPIError{Code: "Mystery", Fault: smithy.FaultClient}, core.KindExternalPermanent},
		{"mismatch", &types.InvalidChangeBatch{Messages: []string{"Tried to delete resource record set but the values provided do not match the current values"}}, core.KindConflict},
		{"deadline", context.DeadlineExceeded, core.KindExternalTransient},
		{"transport", errors.New("dial tcp: connection refused"), core.KindExternalTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, core.KindOf(classify("op", tc.err)))
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Z1ABC", NormalizeZoneID("/hostedzone/Z1ABC"))
	assert.Equal(t, "example.com", NormalizeName("Example.COM."))
}

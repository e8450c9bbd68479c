package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	base := E(KindCredential, "registrar.create", "no active credentials", nil)
	wrapped := fmt.Errorf("handler: %w", base)

	assert.Equal(t, KindCredential, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.True(t, IsKind(wrapped, KindCredential))
	assert.False(t, IsKind(nil, KindCredential))
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, Retryable(E(KindExternalTransient, "op", "timeout", nil)))
	assert.False(t, Retryable(E(KindExternalPermanent, "op", "rejected", nil)))
	assert.False(t, Retryable(E(KindCredential, "op", "expired", nil)))
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := E(KindExternalTransient, "route53.upsert", "change rejected", cause)

	assert.Equal(t, "route53.upsert: change rejected: connection reset", err.Error())
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "op: boom", E(KindStorage, "op", "", errors.New("boom")).Error())
}

func TestCertificateTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to CertificateStatus
		ok       bool
	}{
		{StatusRequested, StatusIssued, true},
		{StatusRequested, StatusFailed, true},
		{StatusRequested, StatusInstalled, false},
		{StatusIssued, StatusInstalled, true},
		{StatusIssued, StatusFailed, true},
		{StatusIssued, StatusRevoked, true},
		{StatusInstalled, StatusRevoked, true},
		{StatusInstalled, StatusIssued, false},
		{StatusFailed, StatusRequested, false},
		{StatusRevoked, StatusInstalled, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusIssued.Terminal())
}

func TestLivenessStatusOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "unreachable", LivenessStatusOf(nil))
	assert.Equal(t, "301", LivenessStatusOf(&Liveness{StatusCode: 301}))
}

func TestStorageKeepsClassifiedKind(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(Storage("op", NotFound("store", "missing"))))
	assert.Equal(t, KindStorage, KindOf(Storage("op", errors.New("connection reset"))))
}

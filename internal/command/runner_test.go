package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	name, args, err := Split("  nginx -s   reload ")
	require.NoError(t, err)
	assert.Equal(t, "nginx", name)
	assert.Equal(t, []string{"-s", "reload"}, args)

	_, _, err = Split("   ")
	require.Error(t, err)
}

func TestRunMissingExecutable(t *testing.T) {
	_, err := NewExec(0).Run(context.Background(), "certiroute-definitely-missing-binary")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotInstalled))
}

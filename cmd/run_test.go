package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextHostAddr(t *testing.T) {
	got, err := nextHostAddr("10.0.0.1/24")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2/24", got)

	got, err = nextHostAddr("192.168.1.10/16")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.11/16", got)

	_, err = nextHostAddr("not-a-prefix")
	assert.Error(t, err)

	// A /32 has no second host.
	_, err = nextHostAddr("10.0.0.1/32")
	assert.Error(t, err)
}

package ble

import (
	"testing"

	"github.com/nrfdfu/nrfdfu/internal/dfuerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDfuTargAddressIncrementsFirstOctet(t *testing.T) {
	got, err := DfuTargAddress("C0:DE:AD:BE:EF:01")
	require.NoError(t, err)
	assert.Equal(t, "C1:DE:AD:BE:EF:01", got)
}

func TestDfuTargAddressWrapsAtFF(t *testing.T) {
	got, err := DfuTargAddress("FF:00:00:00:00:00")
	require.NoError(t, err)
	assert.Equal(t, "00:00:00:00:00:00", got)
}

func TestDfuTargAddressRejectsMalformed(t *testing.T) {
	_, err := DfuTargAddress("not-a-mac")
	require.Error(t, err)
	kind, ok := dfuerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, dfuerr.ConfigError, kind)
}

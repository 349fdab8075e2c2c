package slip_test

import (
	"testing"

	"github.com/nrfdfu/nrfdfu/internal/dfuerr"
	"github.com/nrfdfu/nrfdfu/internal/slip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, framed []byte) []byte {
	t.Helper()
	dec := slip.NewDecoder(make([]byte, 4096))
	for i, b := range framed {
		state := dec.AddByte(b)
		if i == len(framed)-1 {
			require.Equal(t, slip.Complete, state)
		}
	}
	out := make([]byte, len(dec.Frame()))
	copy(out, dec.Frame())
	return out
}

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01},
		{0xC0},
		{0xDB},
		{0xC0, 0xDB, 0xC0, 0xDB},
		{0x00, 0x01, 0x02, 0x03, 0xFF},
	}
	for _, c := range cases {
		framed := slip.Encode(c)
		assert.LessOrEqual(t, len(framed), 2*len(c)+1)
		assert.Equal(t, byte(slip.End), framed[len(framed)-1])
		if len(c) == 0 {
			// An empty payload encodes to a lone End, which the decoder
			// ignores as back-to-back framing: no frame is delivered.
			dec := slip.NewDecoder(make([]byte, 8))
			assert.Equal(t, slip.Continue, dec.AddByte(framed[0]))
			continue
		}
		decoded := decodeAll(t, framed)
		assert.Equal(t, c, decoded)
	}
}

func TestRoundTripAllBytes(t *testing.T) {
	src := make([]byte, 256)
	for i := range src {
		src[i] = byte(i)
	}
	framed := slip.Encode(src)
	decoded := decodeAll(t, framed)
	assert.Equal(t, src, decoded)
}

func TestDecodeErrorRecovery(t *testing.T) {
	dec := slip.NewDecoder(make([]byte, 8))

	// Dangling escape is an error.
	state := dec.AddByte(slip.Esc)
	require.Equal(t, slip.Continue, state)
	state = dec.AddByte(0x42)
	require.Equal(t, slip.Error, state)

	// A fresh, valid frame decodes fine afterwards.
	good := slip.Encode([]byte{1, 2, 3})
	var last slip.State
	for _, b := range good {
		last = dec.AddByte(b)
	}
	require.Equal(t, slip.Complete, last)
	assert.Equal(t, []byte{1, 2, 3}, dec.Frame())
}

func TestDecodeOverflow(t *testing.T) {
	dec := slip.NewDecoder(make([]byte, 2))
	framed := slip.Encode([]byte{1, 2, 3})

	var last slip.State
	for _, b := range framed {
		last = dec.AddByte(b)
		if last == slip.Error {
			break
		}
	}
	assert.Equal(t, slip.Error, last)
}

func TestBackToBackEndIgnored(t *testing.T) {
	dec := slip.NewDecoder(make([]byte, 8))
	// Leading END from a previous frame's terminator, tolerated.
	require.Equal(t, slip.Continue, dec.AddByte(slip.End))
	require.Equal(t, slip.Continue, dec.AddByte(0x01))
	require.Equal(t, slip.Complete, dec.AddByte(slip.End))
	assert.Equal(t, []byte{0x01}, dec.Frame())
}

func TestDecodeFrame(t *testing.T) {
	raw := slip.Encode([]byte{9, 8, 7})
	out, err := slip.DecodeFrame(make([]byte, 16), raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7}, out)

	_, err = slip.DecodeFrame(make([]byte, 16), []byte{slip.Esc, 0x99, slip.End})
	require.Error(t, err)
	kind, ok := dfuerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, dfuerr.Framing, kind)
}

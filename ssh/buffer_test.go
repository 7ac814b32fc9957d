package ssh

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStringRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		in   []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("hello")},
		{"binary", []byte{0, 1, 2, 0xff, 0xfe}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, stringLength(len(tc.in)))
			marshalString(buf, tc.in)
			out, rest, ok := parseString(buf)
			require.True(t, ok)
			assert.Equal(t, tc.in, out)
			assert.Empty(t, rest)
		})
	}
}

func TestParseStringTruncated(t *testing.T) {
	_, _, ok := parseString([]byte{0, 0, 0, 10, 1, 2})
	assert.False(t, ok, "claimed length longer than remaining buffer must fail")
}

func TestParseNameList(t *testing.T) {
	names := []string{"aes256-ctr", "aes128-ctr", "none"}
	buf := make([]byte, nameListLength(names))
	marshalNameList(buf, names)
	out, rest, ok := parseNameList(buf)
	require.True(t, ok)
	assert.Equal(t, names, out)
	assert.Empty(t, rest)
}

func TestParseNameListEmpty(t *testing.T) {
	buf := make([]byte, nameListLength(nil))
	marshalNameList(buf, nil)
	out, _, ok := parseNameList(buf)
	require.True(t, ok)
	assert.Nil(t, out)
}

func TestMPIntRoundTrip(t *testing.T) {
	testCases := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(-1),
		big.NewInt(0x80),
		big.NewInt(-0x80),
		new(big.Int).SetBytes([]byte{0xff, 0xff, 0xff, 0xff}),
	}
	for _, n := range testCases {
		buf := make([]byte, intLength(n))
		marshalInt(buf, n)
		out, rest, ok := parseInt(buf)
		require.True(t, ok)
		assert.Equal(t, 0, n.Cmp(out), "expected %s got %s", n, out)
		assert.Empty(t, rest)
	}
}

func TestAsMPInt(t *testing.T) {
	testCases := []struct {
		name    string
		in      []byte
		wantLen int
	}{
		{"leadingZeros", []byte{0, 0, 1}, 1},
		{"highBitSet", []byte{0x80, 1}, 3},
		{"noHighBit", []byte{0x7f, 1}, 2},
		{"allZero", []byte{0, 0, 0}, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := asMPInt(tc.in)
			assert.Len(t, out, tc.wantLen)
			if tc.wantLen > 0 {
				assert.Zero(t, out[0]&0x80, "must not set the sign bit unless padded")
			}
		})
	}
}

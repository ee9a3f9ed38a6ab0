package revocation

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSerial(t *testing.T) {
	cases := map[string]string{
		"0a:1b:2c":           "A1B2C",
		"0x00ff":             "FF",
		"  1a2b3c  ":         "1A2B3C",
		"00-00-01":           "1",
		"0":                  "0",
		"000":                "0",
		"DEADBEEF":           "DEADBEEF",
		"de ad be ef":        "DEADBEEF",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalSerial(in), in)
	}
}

func TestSerialFromBigInt(t *testing.T) {
	assert.Equal(t, "FF", SerialFromBigInt(big.NewInt(255)))
	assert.Equal(t, "0", SerialFromBigInt(big.NewInt(0)))
}

func TestReasonCode(t *testing.T) {
	assert.Equal(t, "keyCompromise", ReasonKeyCompromise.String())
	assert.True(t, ReasonKeyCompromise.Valid())

	// Value 7 is unassigned.
	assert.False(t, ReasonCode(7).Valid())
	assert.Equal(t, "reason(7)", ReasonCode(7).String())

	code, err := ParseReason("KEYCOMPROMISE")
	require.NoError(t, err)
	assert.Equal(t, ReasonKeyCompromise, code)

	_, err = ParseReason("no-such-reason")
	assert.Error(t, err)
}

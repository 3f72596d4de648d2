package solarmeter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigured_RequiresHostAndPort(t *testing.T) {
	assert.False(t, New("", 502, "").Configured())
	assert.False(t, New("10.0.0.5", 0, "").Configured())
	assert.True(t, New("10.0.0.5", 502, "").Configured())
}

func TestDecodeActivePower_PositiveValue(t *testing.T) {
	// 1234 watts, big-endian 32-bit.
	assert.Equal(t, int32(1234), decodeActivePower([]byte{0x00, 0x00, 0x04, 0xD2}))
}

func TestDecodeActivePower_NegativeValue(t *testing.T) {
	// -1 encoded as 0xFFFFFFFF.
	assert.Equal(t, int32(-1), decodeActivePower([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
}

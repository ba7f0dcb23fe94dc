package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyFilled(b byte) [keyLen]byte {
	var k [keyLen]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func TestDecodeAuthorities_Mode00(t *testing.T) {
	// length = 1, mode 00
	payload := append([]byte{1 << 2}, keyFilled(0xAB)[:]...)
	got, err := DecodeAuthorities(payload)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keyFilled(0xAB), got[0])
}

func TestDecodeAuthorities_Mode00_Boundary63(t *testing.T) {
	n := 63
	payload := []byte{byte(n << 2)}
	for i := 0; i < n; i++ {
		payload = append(payload, keyFilled(byte(i))[:]...)
	}
	got, err := DecodeAuthorities(payload)
	require.NoError(t, err)
	require.Len(t, got, n)
}

func TestDecodeAuthorities_Mode01_Boundary64(t *testing.T) {
	n := uint64(64)
	prefix := []byte{byte(n<<2) | 0b01, byte(n >> 6)}
	payload := append([]byte{}, prefix...)
	for i := uint64(0); i < n; i++ {
		payload = append(payload, keyFilled(byte(i))[:]...)
	}
	got, err := DecodeAuthorities(payload)
	require.NoError(t, err)
	require.Len(t, got, int(n))
}

func TestDecodeAuthorities_Mode01_Boundary16383(t *testing.T) {
	n := uint64(16383)
	prefix := []byte{byte(n<<2) | 0b01, byte(n >> 6)}
	keys := make([]byte, n*keyLen)
	payload := append(append([]byte{}, prefix...), keys...)
	got, err := DecodeAuthorities(payload)
	require.NoError(t, err)
	require.Len(t, got, int(n))
}

func TestDecodeAuthorities_Mode10_Boundary16384(t *testing.T) {
	n := uint64(16384)
	prefix := []byte{
		byte(n<<2) | 0b10,
		byte(n >> 6),
		byte(n >> 14),
		byte(n >> 22),
	}
	keys := make([]byte, n*keyLen)
	payload := append(append([]byte{}, prefix...), keys...)
	got, err := DecodeAuthorities(payload)
	require.NoError(t, err)
	require.Len(t, got, int(n))
}

func TestDecodeAuthorities_Mode11Unsupported(t *testing.T) {
	_, err := DecodeAuthorities([]byte{0b11})
	require.ErrorIs(t, err, ErrUnsupportedMode)
}

func TestDecodeAuthorities_TruncatedPayload(t *testing.T) {
	// declares length 3 but only supplies 95 bytes (§8 S4)
	payload := []byte{3 << 2}
	payload = append(payload, make([]byte, 95)...)
	_, err := DecodeAuthorities(payload)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeAuthorities_EmptyPayload(t *testing.T) {
	_, err := DecodeAuthorities(nil)
	require.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 63, 64, 16383, 16384} {
		keys := make([][keyLen]byte, n)
		for i := range keys {
			keys[i] = keyFilled(byte(i))
		}
		encoded := EncodeAuthorities(keys)
		decoded, err := DecodeAuthorities(encoded)
		require.NoError(t, err)
		require.Len(t, decoded, n)
		for i := range keys {
			assert.True(t, bytes.Equal(keys[i][:], decoded[i][:]))
		}
		reencoded := EncodeAuthorities(decoded)
		assert.Equal(t, encoded, reencoded)
	}
}

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := Seal(testKey, "TG-1234567890-refresh")
	require.NoError(t, err)
	assert.NotEqual(t, "TG-1234567890-refresh", sealed)

	plain, err := Open(testKey, sealed)
	require.NoError(t, err)
	assert.Equal(t, "TG-1234567890-refresh", plain)
}

func TestOpenWrongKey(t *testing.T) {
	sealed, err := Seal(testKey, "secret")
	require.NoError(t, err)

	_, err = Open("ffffffffffffffffffffffffffffffff", sealed)
	assert.Error(t, err)
}

func TestKeyLength(t *testing.T) {
	_, err := Seal("short", "secret")
	assert.Error(t, err)

	_, err = Open("short", "whatever")
	assert.Error(t, err)
}

func TestOpenGarbage(t *testing.T) {
	_, err := Open(testKey, "not base64!!!")
	assert.Error(t, err)

	_, err = Open(testKey, "YWJj")
	assert.Error(t, err)
}

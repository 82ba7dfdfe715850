package synthdef

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemLinkAudioHeader(t *testing.T) {
	blob := SystemLinkAudioBytes()
	require.Greater(t, len(blob), 11)
	assert.Equal(t, "SCgf", string(blob[:4]))

	name, err := ParseName(blob)
	require.NoError(t, err)
	assert.Equal(t, SystemLinkAudioName, name)
}

func TestParseNameRejectsBadMagic(t *testing.T) {
	_, err := ParseName([]byte("NOPE\x00\x00\x00\x02\x00\x01\x03abc"))
	assert.Error(t, err)
}

func TestParseNameRejectsShortBlob(t *testing.T) {
	_, err := ParseName([]byte("SCgf"))
	assert.Error(t, err)
}

func TestParseNameRejectsTruncatedName(t *testing.T) {
	// Header claims a 10-byte name but only 3 bytes follow
	blob := append([]byte("SCgf\x00\x00\x00\x02\x00\x01"), 10, 'a', 'b', 'c')
	_, err := ParseName(blob)
	assert.Error(t, err)
}

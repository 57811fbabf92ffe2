package unityasset

import (
	"encoding/binary"
	"testing"

	"github.com/function61/gokit/assert"
)

// fake globalgamemanagers: some junk, the anchor, flag, and a version string at the offset
func makeGgm(version string) []byte {
	data := make([]byte, 32)
	data = append(data, anchor...)

	body := make([]byte, DefaultVersionOffset+4+len(version)+16)
	binary.LittleEndian.PutUint32(body[featureFlagOffset-len(anchor):], 0xdeadbeef)
	binary.LittleEndian.PutUint32(body[DefaultVersionOffset-len(anchor):], uint32(len(version)))
	copy(body[DefaultVersionOffset-len(anchor)+4:], version)

	return append(data, body...)
}

func TestParseVersion(t *testing.T) {
	version, err := ParseVersion(makeGgm("4.8.0_24681012_13579111"), DefaultVersionOffset)
	assert.Assert(t, err == nil)
	assert.EqualString(t, version, "4.8.0")

	_, err = ParseVersion([]byte("nothing here"), DefaultVersionOffset)
	assert.Assert(t, err == ErrAnchorNotFound)

	truncated := makeGgm("4.8.0")[:32+len(anchor)+10]
	_, err = ParseVersion(truncated, DefaultVersionOffset)
	assert.EqualString(t, err.Error(), "unityasset: version length at 168 out of bounds")
}

func TestDisableFeature(t *testing.T) {
	original := makeGgm("4.8.0")

	patched, err := DisableFeature(original)
	assert.Assert(t, err == nil)

	flagPos := 32 + featureFlagOffset
	assert.Assert(t, binary.LittleEndian.Uint32(original[flagPos:]) == 0xdeadbeef) // input untouched
	assert.Assert(t, binary.LittleEndian.Uint32(patched[flagPos:]) == 0)

	// nothing else changed
	assert.Assert(t, len(patched) == len(original))
	for i := range original {
		if i < flagPos || i >= flagPos+4 {
			assert.Assert(t, patched[i] == original[i])
		}
	}

	version, err := ParseVersion(patched, DefaultVersionOffset)
	assert.Assert(t, err == nil)
	assert.EqualString(t, version, "4.8.0")
}

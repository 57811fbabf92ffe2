// Reads and tweaks Unity's "globalgamemanagers" player settings blob
package unityasset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
)

// "ic.app-category." is part of the player settings, which sit at fixed offsets from it
var anchor = []byte("ic.app-category.")

const (
	DefaultVersionOffset = 0x88
	featureFlagOffset    = 24
)

var ErrAnchorNotFound = errors.New("unityasset: player settings anchor not found")

// game version from the bundle version string, e.g. "4.8.0_1234567_7654321" => "4.8.0"
func ParseVersion(data []byte, offset int) (string, error) {
	idx := bytes.Index(data, anchor)
	if idx == -1 {
		return "", ErrAnchorNotFound
	}

	pos := idx + offset
	if pos+4 > len(data) {
		return "", fmt.Errorf("unityasset: version length at %d out of bounds", pos)
	}

	strlen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	if pos+4+strlen > len(data) {
		return "", fmt.Errorf("unityasset: version string (len %d) out of bounds", strlen)
	}

	version := strings.Split(string(data[pos+4:pos+4+strlen]), "_")[0]
	if version == "" {
		return "", errors.New("unityasset: empty version string")
	}

	return version, nil
}

func ReadVersion(ggmPath string) (string, error) {
	data, err := os.ReadFile(ggmPath)
	if err != nil {
		return "", err
	}

	return ParseVersion(data, DefaultVersionOffset)
}

// zeroes the player settings flag that breaks rendering under DXVK. returns a modified copy.
func DisableFeature(data []byte) ([]byte, error) {
	idx := bytes.Index(data, anchor)
	if idx == -1 {
		return nil, ErrAnchorNotFound
	}

	pos := idx + featureFlagOffset
	if pos+4 > len(data) {
		return nil, fmt.Errorf("unityasset: feature flag at %d out of bounds", pos)
	}

	patched := make([]byte, len(data))
	copy(patched, data)

	binary.LittleEndian.PutUint32(patched[pos:pos+4], 0)

	return patched, nil
}

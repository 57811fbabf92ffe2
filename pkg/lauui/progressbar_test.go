package lauui

import (
	"testing"

	"github.com/function61/gokit/assert"
)

func TestProgressBar(t *testing.T) {
	for _, tc := range []struct {
		percent float64
		output  string
	}{
		{0, "░░░░░░░░░░░░░░░░░░░░"},
		{12.5, "██░░░░░░░░░░░░░░░░░░"},
		{50, "██████████░░░░░░░░░░"},
		{99.9, "███████████████████░"},
		{100, "████████████████████"},
	} {
		assert.EqualString(t, ProgressBar(tc.percent, 20, ProgressBarDefaultTheme()), tc.output)
	}
}

func TestProgressBarASCIITheme(t *testing.T) {
	assert.EqualString(t, ProgressBar(40, 10, ProgressBarASCIITheme()), "####------")
}

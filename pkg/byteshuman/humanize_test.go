package byteshuman

import (
	"math"
	"testing"

	"github.com/function61/gokit/assert"
)

func TestHumanize(t *testing.T) {
	for _, tc := range []struct {
		input  uint64
		output string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 kiB"},
		{1536.0, "1.50 kiB"},
		{1048576, "1.00 MiB"},
		{1073741824, "1.00 GiB"},
		{1610612736, "1.50 GiB"},
		{1099511627776, "1.00 TiB"},
		{1125899906842624, "1.00 PiB"},
		{1152921504606846976, "1024.00 PiB"},
	} {
		tc := tc // pin
		t.Run(tc.output, func(t *testing.T) {
			assert.EqualString(t, Humanize(tc.input), tc.output)
		})
	}
}

func TestRate(t *testing.T) {
	assert.EqualString(t, Rate(2048.7), "2.00 kiB/s")
	assert.EqualString(t, Rate(0), "0 B/s")
	assert.EqualString(t, Rate(-5), "0 B/s")
	assert.EqualString(t, Rate(math.NaN()), "0 B/s")
}

func TestWithHeadroom(t *testing.T) {
	assert.Assert(t, WithHeadroom(10*GiB, 1.2) == 12*GiB)
}

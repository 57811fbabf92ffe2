// Formats byte amounts into human readable format
package byteshuman

import (
	"fmt"
)

const (
	B   = 1
	kiB = 1024 * B
	MiB = 1024 * kiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
	PiB = 1024 * TiB
)

var units = []struct {
	size   uint64
	suffix string
}{
	{PiB, "PiB"},
	{TiB, "TiB"},
	{GiB, "GiB"},
	{MiB, "MiB"},
	{kiB, "kiB"},
}

func Humanize(num uint64) string {
	for _, unit := range units {
		if num >= unit.size {
			return fmt.Sprintf("%.02f %s", float64(num)/float64(unit.size), unit.suffix)
		}
	}

	return fmt.Sprintf("%d B", num)
}

// download speeds arrive as floats from some sources. negative and NaN speeds show as zero.
func Rate(bytesPerSecond float64) string {
	if !(bytesPerSecond > 0) {
		return Humanize(0) + "/s"
	}

	return Humanize(uint64(bytesPerSecond)) + "/s"
}

// required disk space with a safety margin. factor 1.2 = 20 % headroom.
func WithHeadroom(num uint64, factor float64) uint64 {
	return uint64(float64(num) * factor)
}

// Terminal rendering of operation progress and tabular reports
package lauui

import (
	"math"
)

func ProgressBar(percent float64, barLength int, theme ProgressBarTheme) string {
	r := make([]rune, barLength)

	filled := int(math.Floor(float64(barLength) * percent / 100.0))

	for i := 0; i < barLength; i++ {
		ch := theme.Vacant
		if i < filled {
			ch = theme.Filled
		}

		r[i] = ch
	}

	return string(r)
}

type ProgressBarTheme struct {
	Filled rune
	Vacant rune
}

func ProgressBarDefaultTheme() ProgressBarTheme {
	return ProgressBarTheme{'█', '░'}
}

// for log files and terminals without a Unicode font
func ProgressBarASCIITheme() ProgressBarTheme {
	return ProgressBarTheme{'#', '-'}
}

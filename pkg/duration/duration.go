// Durations for humans: rounded display ("2 hours") and a JSON form ("10s") for config files
package duration

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

var units = []struct {
	size     time.Duration
	singular string
	plural   string
}{
	{24 * time.Hour, "day", "days"},
	{time.Hour, "hour", "hours"},
	{time.Minute, "minute", "minutes"},
	{time.Second, "second", "seconds"},
}

// rounds to the largest unit that is non-zero after rounding
func Humanize(dur time.Duration) string {
	for _, unit := range units {
		if amount := int(math.Round(float64(dur) / float64(unit.size))); amount > 0 {
			return plural(amount, unit.singular, unit.plural)
		}
	}

	return plural(int(dur.Milliseconds()), "millisecond", "milliseconds")
}

// "5 minutes ago". future timestamps (clock skew) count as now.
func Ago(ts time.Time, now time.Time) string {
	if ts.After(now) {
		return "just now"
	}

	return Humanize(now.Sub(ts)) + " ago"
}

func plural(num int, singular string, plural string) string {
	if num == 1 {
		return strconv.Itoa(num) + " " + singular
	}

	return strconv.Itoa(num) + " " + plural
}

// time.Duration that is "10s" in JSON instead of nanoseconds
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("duration: expecting string like \"10s\": %w", err)
	}

	parsed, err := Parse(str)
	if err != nil {
		return err
	}

	d.Duration = parsed
	return nil
}

// time.ParseDuration() that rejects zero and negative durations
func Parse(str string) (time.Duration, error) {
	parsed, err := time.ParseDuration(str)
	if err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}

	if parsed <= 0 {
		return 0, fmt.Errorf("duration: must be positive; got %s", str)
	}

	return parsed, nil
}

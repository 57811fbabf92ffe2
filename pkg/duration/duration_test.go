package duration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestHumanize(t *testing.T) {
	for _, tc := range []struct {
		input  string
		output string
	}{
		{"0ms", "0 milliseconds"},
		{"1ms", "1 millisecond"},
		{"499ms", "499 milliseconds"},
		{"500ms", "1 second"},
		{"29s", "29 seconds"},
		{"30s", "1 minute"},
		{"29m", "29 minutes"},
		{"89m", "1 hour"},
		{"90m", "2 hours"},
		{"12h", "1 day"},
		{"36h", "2 days"},
	} {
		tc := tc // pin
		t.Run(tc.input, func(t *testing.T) {
			dur, err := time.ParseDuration(tc.input)
			assert.Assert(t, err == nil)

			assert.EqualString(t, Humanize(dur), tc.output)
		})
	}
}

func TestAgo(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	assert.EqualString(t, Ago(now.Add(-5*time.Minute), now), "5 minutes ago")
	assert.EqualString(t, Ago(now.Add(time.Minute), now), "just now")
}

func TestDurationJSON(t *testing.T) {
	type conf struct {
		Timeout Duration `json:"timeout"`
	}

	c := conf{}
	assert.Assert(t, json.Unmarshal([]byte(`{"timeout": "1m30s"}`), &c) == nil)
	assert.Assert(t, c.Timeout.Duration == 90*time.Second)

	serialized, err := json.Marshal(c)
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(serialized), `{"timeout":"1m30s"}`)

	assert.EqualString(t, json.Unmarshal([]byte(`{"timeout": "-1s"}`), &c).Error(), "duration: must be positive; got -1s")
	assert.Assert(t, json.Unmarshal([]byte(`{"timeout": 1000}`), &c) != nil)
}

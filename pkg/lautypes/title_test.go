package lautypes

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/function61/gokit/assert"
)

const testTitlesYaml = `
titles:
  - id: hk4e-os
    display_name: Genshin Impact
    executable: GenshinImpact.exe
    data_dir: GenshinImpact_Data
    backend: sophon
    sophon:
      game: hk4e
      reltype: os
    max_supported_version: "4.8.0"
    patched:
      - file: GenshinImpact_Data/Plugins/xlua.dll
        diff_url: https://example.com/xlua.vcdiff
        tag: workaround3
    removed:
      - file: GenshinImpact_Data/upload_crash.exe
    added:
      - file: GenshinImpact_Data/Plugins/extra.dll
        url: https://example.com/extra.dll
  - id: legacy
    executable: Game.exe
    data_dir: Game_Data
    backend: package
    resource_url: https://example.com/resource.json
`

func TestParseTitles(t *testing.T) {
	titles, err := ParseTitles([]byte(testTitlesYaml))
	assert.Assert(t, err == nil)
	assert.Assert(t, len(titles) == 2)

	genshin, err := FindTitle(titles, "hk4e-os")
	assert.Assert(t, err == nil)
	assert.EqualString(t, genshin.GameType(), "hk4e")
	assert.EqualString(t, genshin.Patched[0].Tag, TagWorkaround3)
	assert.EqualString(t, genshin.Added[0].URL, "https://example.com/extra.dll")
	assert.Assert(t, !genshin.IsStarRail())

	legacy, err := FindTitle(titles, "legacy")
	assert.Assert(t, err == nil)
	assert.EqualString(t, legacy.GameType(), "legacy")

	_, err = FindTitle(titles, "nonexistent")
	assert.EqualString(t, err.Error(), "title not found: nonexistent")
}

func TestParseTitlesDuplicate(t *testing.T) {
	_, err := ParseTitles([]byte(`
titles:
  - {id: a, executable: a.exe, data_dir: a_Data, backend: package, resource_url: "x"}
  - {id: a, executable: a.exe, data_dir: a_Data, backend: package, resource_url: "x"}
`))
	assert.EqualString(t, err.Error(), "ParseTitles: duplicate id: a")
}

func TestValidate(t *testing.T) {
	valid := func() Title {
		return Title{
			ID:          "x",
			Executable:  "x.exe",
			DataDir:     "x_Data",
			Backend:     BackendPackage,
			ResourceURL: "https://example.com/",
		}
	}

	for _, tc := range []struct {
		name   string
		mutate func(t *Title)
		expect string
	}{
		{"ok", func(t *Title) {}, "<nil>"},
		{"no id", func(t *Title) { t.ID = "" }, "empty id"},
		{"absolute exe", func(t *Title) { t.Executable = "/usr/bin/x" }, "executable: absolute path not allowed: /usr/bin/x"},
		{"escape", func(t *Title) { t.DataDir = "../../etc" }, "data_dir: path escapes install dir: ../../etc"},
		{"backslash", func(t *Title) { t.DataDir = "a\\b" }, "data_dir: use forward slashes: a\\b"},
		{"bad backend", func(t *Title) { t.Backend = "torrent" }, "unsupported backend: 'torrent'"},
		{"sophon missing target", func(t *Title) { t.Backend = BackendSophon }, "sophon backend requires sophon.game and sophon.reltype"},
		{"package missing url", func(t *Title) { t.ResourceURL = "" }, "package backend requires resource_url"},
		{"patched missing diff", func(t *Title) { t.Patched = []PatchedFile{{File: "a.dll"}} }, "patched a.dll: empty diff_url"},
		{"added missing url", func(t *Title) { t.Added = []AddedFile{{File: "a.dll"}} }, "added a.dll: empty url"},
	} {
		tc := tc // pin
		t.Run(tc.name, func(t *testing.T) {
			title := valid()
			tc.mutate(&title)

			assert.EqualString(t, fmt.Sprintf("%v", title.Validate()), tc.expect)
		})
	}
}

func TestIsRecoverable(t *testing.T) {
	assert.Assert(t, !IsRecoverable(nil))
	assert.Assert(t, !IsRecoverable(errors.New("permission denied")))
	assert.Assert(t, IsRecoverable(&FileSystemError{Path: "/games/x", Err: syscall.ENOTEMPTY}))
	assert.Assert(t, IsRecoverable(errors.New("rename /a /b: Directory not empty")))
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("connection refused")

	var netErr *NetworkError
	assert.Assert(t, errors.As(fmt.Errorf("wrapped: %w", &NetworkError{Op: "GET", URL: "http://x/health", Err: cause}), &netErr))
	assert.EqualString(t, netErr.Error(), "network: GET http://x/health: connection refused")
	assert.Assert(t, errors.Is(netErr, cause))

	assert.EqualString(t, (&TimeoutError{Op: "health check", Timeout: 5e9}).Error(), "timeout: health check did not complete within 5s")
	assert.Assert(t, errors.Is(&ProcessSpawnError{Process: "aria2c", Err: cause}, cause))
}

package laupatch

import (
	"path/filepath"

	"github.com/function61/laukaisin/pkg/lautypes"
)

type stepKind int

const (
	stepDiff   stepKind = iota // target rebuilt from its backup + a downloaded diff
	stepHide                   // target moved out of the way
	stepAdd                    // target downloaded, did not exist before
	stepUnity                  // globalgamemanagers rewritten with a feature flag off
	stepCopyIn                 // local resource file copied over target
)

type step struct {
	kind   stepKind
	target string // absolute
	source string // URL for stepDiff + stepAdd, local file for stepCopyIn
}

var (
	dxvkFiles = []string{"d3d9.dll", "d3d10core.dll", "d3d11.dll", "dxgi.dll"}
	dxmtFiles = []string{"d3d10core.dll", "d3d11.dll", "dxgi.dll", "winemetal.dll"}
)

// the ordered list of mutations. Revert() walks it backwards.
func (e *Engine) plan(installDir string) []step {
	steps := []step{}

	inGameDir := func(rel string) string {
		return filepath.Join(installDir, filepath.FromSlash(rel))
	}

	included := func(tag string) bool {
		return !(e.conf.Workaround3 && tag == lautypes.TagWorkaround3)
	}

	if !e.conf.PatchOff {
		for _, patched := range e.title.Patched {
			if included(patched.Tag) {
				steps = append(steps, step{kind: stepDiff, target: inGameDir(patched.File), source: patched.DiffURL})
			}
		}

		for _, removed := range e.title.Removed {
			if included(removed.Tag) {
				steps = append(steps, step{kind: stepHide, target: inGameDir(removed.File)})
			}
		}
	}

	for _, added := range e.title.Added {
		steps = append(steps, step{kind: stepAdd, target: inGameDir(added.File), source: added.URL})
	}

	resource := func(parts ...string) string {
		return filepath.Join(append([]string{e.conf.ResourceDir}, parts...)...)
	}

	if e.conf.RenderBackend == RenderDXVK && !e.title.IsStarRail() {
		steps = append(steps, step{
			kind:   stepUnity,
			target: filepath.Join(inGameDir(e.title.DataDir), "globalgamemanagers"),
		})
	}

	if e.conf.WinePrefix != "" {
		system32 := filepath.Join(e.conf.WinePrefix, "drive_c", "windows", "system32")
		syswow64 := filepath.Join(e.conf.WinePrefix, "drive_c", "windows", "syswow64")

		copyIn := func(source string, target string) {
			steps = append(steps, step{kind: stepCopyIn, target: target, source: source})
		}

		switch e.conf.RenderBackend {
		case RenderDXVK:
			for _, file := range dxvkFiles {
				copyIn(resource("dxvk", file), filepath.Join(system32, file))
			}
		case RenderDXMT:
			for _, file := range dxmtFiles {
				copyIn(resource("dxmt", file), filepath.Join(system32, file))
			}

			if e.conf.WineLibDir != "" {
				copyIn(resource("dxmt", "winemetal.dll"), filepath.Join(e.conf.WineLibDir, "wine", "x86_64-windows", "winemetal.dll"))
				copyIn(resource("dxmt", "winemetal.so"), filepath.Join(e.conf.WineLibDir, "wine", "x86_64-unix", "winemetal.so"))
			}

			if e.title.IsStarRail() {
				copyIn(resource("dxmt", "nvngx.dll"), filepath.Join(system32, "nvngx.dll"))
			}
		}

		copyIn(resource("protonextras", "steam64.exe"), filepath.Join(system32, "steam.exe"))
		copyIn(resource("protonextras", "steam32.exe"), filepath.Join(syswow64, "steam.exe"))
		copyIn(resource("protonextras", "lsteamclient64.dll"), filepath.Join(system32, "lsteamclient.dll"))
		copyIn(resource("protonextras", "lsteamclient32.dll"), filepath.Join(syswow64, "lsteamclient.dll"))
	}

	if e.conf.Reshade {
		steps = append(steps,
			step{kind: stepCopyIn, target: inGameDir("dxgi.dll"), source: resource("reshade", "dxgi.dll")},
			step{kind: stepCopyIn, target: inGameDir("d3dcompiler_47.dll"), source: resource("reshade", "d3dcompiler_47.dll")})
	}

	return steps
}

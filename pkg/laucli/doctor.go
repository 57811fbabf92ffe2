package laucli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/function61/gokit/osutil"
	"github.com/function61/laukaisin/pkg/byteshuman"
	"github.com/function61/laukaisin/pkg/lauclient"
	"github.com/function61/laukaisin/pkg/lausophon"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/function61/laukaisin/pkg/lauui"
	"github.com/spf13/cobra"
)

// enough for an update of a typical size
const lowDiskSpaceWarning = 30 * 1024 * 1024 * 1024

func doctorEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor [title]",
		Short: "Diagnoses the environment and the title's installation",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withClient(args[0], false, func(ctx context.Context, a *app, client *lauclient.Client) error {
				checks := doctor(ctx, a, client)

				lauui.DoctorTable(os.Stdout, checks)

				failed := 0
				for _, check := range checks {
					if !check.OK {
						failed++
					}
				}

				if failed > 0 {
					return fmt.Errorf("%d check(s) failed", failed)
				}

				return nil
			}))
		},
	}
}

func doctor(ctx context.Context, a *app, client *lauclient.Client) []lauui.Check {
	checks := []lauui.Check{}

	binary := func(name string, path string) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			checks = append(checks, lauui.Check{Name: name, Detail: err.Error()})
		} else {
			checks = append(checks, lauui.Check{Name: name, OK: true, Detail: resolved})
		}
	}

	binary("aria2", a.conf.Aria2.Binary)
	binary("hpatchz", a.conf.Tools.Hpatchz)
	binary("xdelta3", a.conf.Tools.Xdelta3)
	if a.conf.Wine.Binary != "" {
		binary("wine", a.conf.Wine.Binary)
	}

	title := client.Title()

	if title.Backend == lautypes.BackendSophon {
		if err := a.sophon.Healthy(ctx); err != nil {
			checks = append(checks, lauui.Check{Name: "sophon server", Detail: err.Error()})
		} else {
			checks = append(checks, lauui.Check{Name: "sophon server", OK: true, Detail: a.conf.Sophon.BaseURL})
		}
	}

	if err := client.Refresh(ctx); err != nil {
		checks = append(checks, lauui.Check{Name: "version server", Detail: err.Error()})
	} else {
		checks = append(checks, lauui.Check{Name: "version server", OK: true, Detail: "latest " + client.Snapshot().LatestVersion})
	}

	state := client.Snapshot()
	if !state.Installed {
		checks = append(checks, lauui.Check{Name: "installation", OK: true, Detail: "not installed"})
	} else {
		detail := fmt.Sprintf("%s in %s", state.Version, state.InstallDir)
		if state.UpdateRequired {
			detail += "; update available"
		}

		checks = append(checks, lauui.Check{Name: "installation", OK: true, Detail: detail})

		if title.Backend == lautypes.BackendSophon {
			checks = append(checks, sophonInstallCheck(ctx, a.sophon, state))
		}
	}

	diag, err := client.Diagnose(a.patchConfig())
	if err != nil {
		return append(checks, lauui.Check{Name: "launch resources", Detail: err.Error()})
	}

	if len(diag.MissingResources) > 0 {
		checks = append(checks, lauui.Check{Name: "launch resources", OK: true, Detail: "downloaded at next launch: " + strings.Join(diag.MissingResources, ", ")})
	} else {
		checks = append(checks, lauui.Check{Name: "launch resources", OK: true, Detail: "all present"})
	}

	if diag.Patch == nil {
		return checks
	}

	switch {
	case diag.Patch.Patched:
		checks = append(checks, lauui.Check{Name: "patches", Detail: "left applied by an interrupted session; run init"})
	case len(diag.Patch.Backups) > 0:
		checks = append(checks, lauui.Check{Name: "patches", Detail: "dangling backups: " + strings.Join(diag.Patch.Backups, ", ")})
	default:
		checks = append(checks, lauui.Check{Name: "patches", OK: true, Detail: "not applied"})
	}

	checks = append(checks, lauui.Check{
		Name:   "disk space",
		OK:     diag.FreeSpace >= lowDiskSpaceWarning,
		Detail: byteshuman.Humanize(diag.FreeSpace) + " free",
	})

	return checks
}

// *lausophon.Client implements this
type installedInfoGetter interface {
	InstalledInfo(ctx context.Context, gameDir string) (*lausophon.InstalledInfo, error)
}

// the sidecar updates and repairs based on its own reading of the install dir
func sophonInstallCheck(ctx context.Context, sophon installedInfoGetter, state lauclient.State) lauui.Check {
	const name = "sophon view"

	info, err := sophon.InstalledInfo(ctx, state.InstallDir)
	switch {
	case err != nil:
		return lauui.Check{Name: name, Detail: err.Error()}
	case !info.Installed:
		return lauui.Check{Name: name, Detail: "sees no game in " + state.InstallDir}
	case info.Version != state.Version:
		return lauui.Check{Name: name, Detail: fmt.Sprintf("sees version %s, config.ini says %s", info.Version, state.Version)}
	default:
		return lauui.Check{Name: name, OK: true, Detail: info.Version + " " + info.ReleaseType}
	}
}

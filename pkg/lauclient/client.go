// Per-title state machine: installs, updates, pre-downloads, launches and repairs one game
package lauclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/byteshuman"
	"github.com/function61/laukaisin/pkg/dirlock"
	"github.com/function61/laukaisin/pkg/lauarchive"
	"github.com/function61/laukaisin/pkg/laudb"
	"github.com/function61/laukaisin/pkg/laudiff"
	"github.com/function61/laukaisin/pkg/laupatch"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lauresource"
	"github.com/function61/laukaisin/pkg/lausophon"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/function61/laukaisin/pkg/lauverify"
)

// free space must cover the download plus this much extra
const diskSpaceHeadroom = 1.2

var (
	ErrNotInstalled           = errors.New("title is not installed")
	ErrPredownloadUnavailable = errors.New("no pre-download available")
)

type DiskSpaceError struct {
	Required uint64
	Free     uint64
}

func (d *DiskSpaceError) Error() string {
	return fmt.Sprintf(
		"not enough disk space: %s required, %s free",
		byteshuman.Humanize(d.Required),
		byteshuman.Humanize(d.Free))
}

// user-facing alerts. the same keys are also emitted as status events.
type Notifier interface {
	Alert(key lauprogress.StatusKey, args ...string)
}

type GameRunner interface {
	// blocks until the game exits
	Run(ctx context.Context, installDir string, executable string) error
}

// *laudownload.Downloader implements this
type Downloader interface {
	DownloadWithProgress(ctx context.Context, uri string, destination string, emit lauprogress.Emit) error
}

// *lausophon.Client implements this
type SophonRunner interface {
	RunTask(ctx context.Context, kind lausophon.OperationKind, opts lausophon.StartOptions, emit lauprogress.Emit) error
}

type Deps struct {
	Store      laudb.Store // shared. the client scopes its own keys under the title id.
	Versions   VersionSource
	Sophon     SophonRunner // sophon backend only
	Downloader Downloader
	Fetcher    laupatch.Fetcher
	Hpatchz    laudiff.Applier // package updates
	Xdelta3    laudiff.Applier // launch-time patches
	Notifier   Notifier
	Runner     GameRunner
	Locks      *dirlock.Locks // share between clients so one dir has one mutating operation
	// shared runtime resources (DXVK etc.), laid out as "<ResourceDir>/<resource name>"
	ResourceDir string
	Resources   map[string]lauresource.Resource
	// "" = ".ariatmp" inside the install dir
	DownloadTempDir   string
	VerifyConcurrency int
}

type State struct {
	Installed            bool   `json:"installed"`
	InstallDir           string `json:"install_dir"`
	Version              string `json:"version"`
	LatestVersion        string `json:"latest_version"` // "" if server not yet contacted
	UpdateRequired       bool   `json:"update_required"`
	PredownloadAvailable bool   `json:"predownload_available"`
	PredownloadVersion   string `json:"predownload_version"`
	PredownloadDismissed bool   `json:"predownload_dismissed"`
}

type Client struct {
	title       lautypes.Title
	deps        Deps
	store       laudb.Store
	provisioner *lauresource.Provisioner
	freeSpace   func(path string) (uint64, error)
	logger      *log.Logger
	logl        *logex.Leveled

	mu     sync.Mutex
	state  State
	remote *RemoteInfo // nil until the server has been contacted
}

func New(title lautypes.Title, deps Deps, logger *log.Logger) *Client {
	if deps.Locks == nil {
		deps.Locks = dirlock.New()
	}

	if deps.Notifier == nil {
		deps.Notifier = discardNotifier{}
	}

	return &Client{
		title:       title,
		deps:        deps,
		store:       laudb.Namespaced(deps.Store, title.ID),
		provisioner: lauresource.NewProvisioner(deps.ResourceDir, deps.Store, deps.Downloader, logex.Prefix("resources", logger)),
		freeSpace:   freeSpace,
		logger:      logger,
		logl:        logex.Levels(logger),
	}
}

func (c *Client) Title() lautypes.Title {
	return c.title
}

func (c *Client) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// contacts the server and re-derives the local state from the store and the disk
func (c *Client) Refresh(ctx context.Context) error {
	remote, err := c.deps.Versions.Latest(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.remote = remote
	c.mu.Unlock()

	return c.Reload()
}

// re-derives the state without contacting the server
func (c *Client) Reload() error {
	installDir, err := laudb.KeyGameInstallDir.GetOptional(c.store)
	if err != nil {
		return err
	}

	return c.reload(installDir)
}

func (c *Client) reload(installDir string) error {
	st := State{}

	if installDir != "" {
		version, err := installedVersion(installDir, c.title)
		if err != nil {
			// dir vanished or got mangled. the user has to install again.
			c.logl.Error.Printf("install dir %s: %v", installDir, err)
		} else {
			st.Installed = true
			st.InstallDir = installDir
			st.Version = version

			if err := laudb.KeyGameVersion.Set(version, c.store); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	remote := c.remote
	st.PredownloadDismissed = c.state.PredownloadDismissed
	c.mu.Unlock()

	if remote != nil {
		st.LatestVersion = remote.Version

		if st.Installed {
			cmp, err := compareVersions(st.Version, remote.Version)
			if err != nil {
				c.logl.Error.Printf("compare versions: %v", err)
			}
			st.UpdateRequired = err == nil && cmp < 0

			available, err := c.predownloadAvailable(st, remote)
			if err != nil {
				return err
			}
			st.PredownloadAvailable = available
		}

		if remote.PreDownload != nil {
			st.PredownloadVersion = remote.PreDownload.Version
		}
	}

	c.mu.Lock()
	c.state = st
	c.mu.Unlock()

	return nil
}

func (c *Client) DismissPredownload() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.PredownloadDismissed = true
}

func (c *Client) Install(ctx context.Context, installDir string) *lauprogress.Stream {
	installDir, err := filepath.Abs(installDir)
	if err != nil {
		return lauprogress.Failed(err)
	}

	return c.run(ctx, installDir, func(ctx context.Context, emit lauprogress.Emit) error {
		remote, err := c.remoteInfo(ctx)
		if err != nil {
			return err
		}

		hasManifest, err := manifestExists(installDir)
		if err != nil {
			return err
		}

		if !hasManifest {
			return c.freshInstall(ctx, installDir, remote, emit)
		}

		return c.adoptExisting(ctx, installDir, remote, emit)
	})
}

func (c *Client) freshInstall(ctx context.Context, installDir string, remote *RemoteInfo, emit lauprogress.Emit) error {
	if err := os.MkdirAll(installDir, 0755); err != nil {
		return &lautypes.FileSystemError{Path: installDir, Err: err}
	}

	required := byteshuman.WithHeadroom(remote.Size, diskSpaceHeadroom)

	free, err := c.freeSpace(installDir)
	if err != nil {
		return err
	}

	if free < required {
		if err := c.refuse(emit, lauprogress.NoEnoughDiskspace, byteshuman.Humanize(required), byteshuman.Humanize(free)); err != nil {
			return err
		}

		return &DiskSpaceError{Required: required, Free: free}
	}

	c.logl.Info.Printf("installing %s %s to %s", c.title.ID, remote.Version, installDir)

	switch c.title.Backend {
	case lautypes.BackendSophon:
		if err := emit(lauprogress.SetStatus(lauprogress.SophonStarting)); err != nil {
			return err
		}

		if err := c.deps.Sophon.RunTask(ctx, lausophon.OperationInstall, lausophon.StartOptions{
			GameDir:  installDir,
			GameType: c.title.GameType(),
			Reltype:  c.title.Sophon.Reltype,
			TempDir:  c.deps.DownloadTempDir,
		}, emit); err != nil {
			return err
		}
	case lautypes.BackendPackage:
		if err := c.installPackages(ctx, installDir, remote, emit); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported backend: %s", c.title.Backend)
	}

	return c.adopt(installDir)
}

func (c *Client) installPackages(ctx context.Context, installDir string, remote *RemoteInfo, emit lauprogress.Emit) error {
	if len(remote.Segments) == 0 {
		return fmt.Errorf("server offers no packages for %s", remote.Version)
	}

	if err := emit(lauprogress.SetIndeterminate()); err != nil {
		return err
	}

	if err := emit(lauprogress.SetStatus(lauprogress.AllocatingFile, urlBasename(remote.Segments[0]))); err != nil {
		return err
	}

	tmpDir := c.downloadTmpDir(installDir)

	parts := []string{}
	for _, segment := range remote.Segments {
		local := filepath.Join(tmpDir, urlBasename(segment))

		if err := c.deps.Downloader.DownloadWithProgress(ctx, segment, local, emit); err != nil {
			return err
		}

		parts = append(parts, local)
	}

	if err := lauarchive.ExtractWithProgress(ctx, parts, installDir, emit); err != nil {
		return err
	}

	if err := writeGameConfig(installDir, gameConfigFor(c.title, remote.Version)); err != nil {
		return err
	}

	for _, part := range parts {
		if err := os.Remove(part); err != nil {
			return &lautypes.FileSystemError{Path: part, Err: err}
		}
	}

	return nil
}

// dir already has a game in it
func (c *Client) adoptExisting(ctx context.Context, installDir string, remote *RemoteInfo, emit lauprogress.Emit) error {
	local, err := installedVersion(installDir, c.title)
	if err != nil {
		return &lautypes.FileSystemError{Path: installDir, Err: err}
	}

	unsupported, err := c.unsupported(local)
	if err != nil {
		return err
	}
	if unsupported {
		return c.refuse(emit, lauprogress.UnsupportedVersion, local)
	}

	cmp, err := compareVersions(local, remote.Version)
	if err != nil {
		return err
	}

	switch {
	case cmp < 0 && !remote.CanUpdateFrom(local):
		// user is told "unsupported", the status after it says why
		if err := c.refuse(emit, lauprogress.UnsupportedVersion, local); err != nil {
			return err
		}

		return emit(lauprogress.SetStatus(lauprogress.GameVersionTooOld, local))
	case cmp == 0:
		if err := c.checkIntegrity(ctx, installDir, emit); err != nil {
			return err
		}
	}

	return c.adopt(installDir)
}

func (c *Client) Update(ctx context.Context) *lauprogress.Stream {
	st := c.Snapshot()
	if !st.Installed {
		return lauprogress.Failed(ErrNotInstalled)
	}

	return c.run(ctx, st.InstallDir, func(ctx context.Context, emit lauprogress.Emit) error {
		remote, err := c.remoteInfo(ctx)
		if err != nil {
			return err
		}

		cmp, err := compareVersions(st.Version, remote.Version)
		if err != nil {
			return err
		}
		if cmp >= 0 {
			c.logl.Info.Printf("%s %s is up to date", c.title.ID, st.Version)
			return nil
		}

		if !remote.CanUpdateFrom(st.Version) {
			if err := c.refuse(emit, lauprogress.GameVersionTooOld, st.Version); err != nil {
				return err
			}

			return c.reset()
		}

		if err := emit(lauprogress.SetStatus(lauprogress.Updating)); err != nil {
			return err
		}

		c.logl.Info.Printf("updating %s %s -> %s", c.title.ID, st.Version, remote.Version)

		switch c.title.Backend {
		case lautypes.BackendSophon:
			if err := c.deps.Sophon.RunTask(ctx, lausophon.OperationUpdate, lausophon.StartOptions{
				GameDir:  st.InstallDir,
				GameType: c.title.GameType(),
			}, emit); err != nil {
				return err
			}

			if err := laudb.KeyPredownloadedAll.Delete(c.store); err != nil {
				return err
			}
		case lautypes.BackendPackage:
			if err := c.updatePackage(ctx, st.InstallDir, st.Version, remote, emit); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported backend: %s", c.title.Backend)
		}

		return c.reload(st.InstallDir)
	})
}

func (c *Client) Predownload(ctx context.Context) *lauprogress.Stream {
	st := c.Snapshot()
	if !st.PredownloadAvailable {
		return lauprogress.Failed(ErrPredownloadUnavailable)
	}

	return c.run(ctx, st.InstallDir, func(ctx context.Context, emit lauprogress.Emit) error {
		remote, err := c.remoteInfo(ctx)
		if err != nil {
			return err
		}

		if err := emit(lauprogress.SetStatus(lauprogress.Predownloading)); err != nil {
			return err
		}

		switch c.title.Backend {
		case lautypes.BackendSophon:
			if err := c.deps.Sophon.RunTask(ctx, lausophon.OperationUpdate, lausophon.StartOptions{
				GameDir:     st.InstallDir,
				GameType:    c.title.GameType(),
				Predownload: true,
			}, emit); err != nil {
				return err
			}

			if err := laudb.KeyPredownloadedAll.Set("1", c.store); err != nil {
				return err
			}
		case lautypes.BackendPackage:
			if err := c.predownloadPackage(ctx, st.InstallDir, st.Version, remote, emit); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported backend: %s", c.title.Backend)
		}

		return c.reload(st.InstallDir)
	})
}

// provisions runtime resources, patches, runs the game and always reverts the patches
func (c *Client) Launch(ctx context.Context, conf laupatch.Config) *lauprogress.Stream {
	st := c.Snapshot()
	if !st.Installed {
		return lauprogress.Failed(ErrNotInstalled)
	}

	if c.deps.Runner == nil {
		return lauprogress.Failed(errors.New("Launch: no game runner"))
	}

	return c.run(ctx, st.InstallDir, func(ctx context.Context, emit lauprogress.Emit) error {
		unsupported, err := c.unsupported(st.Version)
		if err != nil {
			return err
		}
		if unsupported && !conf.PatchOff {
			return c.refuse(emit, lauprogress.UnsupportedVersion, st.Version)
		}

		resources, err := c.requiredResources(conf)
		if err != nil {
			return err
		}

		for _, res := range resources {
			if err := c.provisioner.Ensure(ctx, res, emit); err != nil {
				return fmt.Errorf("resource %s: %w", res.Name, err)
			}
		}

		engine := c.patchEngine(conf)

		report, err := engine.Apply(ctx, st.InstallDir, emit)
		if err != nil {
			return err
		}

		if len(report.Dangling) > 0 {
			c.logl.Info.Printf("recovered %d backups from an interrupted patch", len(report.Dangling))
		}

		runErr := func() error {
			if err := emit(lauprogress.SetStatus(lauprogress.GameRunning)); err != nil {
				return err
			}

			if err := emit(lauprogress.SetIndeterminate()); err != nil {
				return err
			}

			return c.deps.Runner.Run(ctx, st.InstallDir, c.title.Executable)
		}()

		// revert even if we got cancelled, or the install stays patched
		revertErr := engine.Revert(context.WithoutCancel(ctx), st.InstallDir, emit)

		return errors.Join(runErr, revertErr)
	})
}

func (c *Client) CheckIntegrity(ctx context.Context) *lauprogress.Stream {
	st := c.Snapshot()
	if !st.Installed {
		return lauprogress.Failed(ErrNotInstalled)
	}

	return c.run(ctx, st.InstallDir, func(ctx context.Context, emit lauprogress.Emit) error {
		return c.checkIntegrity(ctx, st.InstallDir, emit)
	})
}

// startup recovery: a launch that never got to revert leaves the patched marker behind
func (c *Client) Init(ctx context.Context, conf laupatch.Config) *lauprogress.Stream {
	return lauprogress.Run(ctx, func(ctx context.Context, emit lauprogress.Emit) error {
		if err := emit(lauprogress.SetStatus(lauprogress.CheckingUpdates)); err != nil {
			return err
		}

		if err := c.Refresh(ctx); err != nil {
			// being offline must not prevent the revert
			c.logl.Error.Printf("refresh: %v", err)

			if err := c.Reload(); err != nil {
				return err
			}
		}

		st := c.Snapshot()
		if !st.Installed {
			return nil
		}

		patched, err := laudb.KeyPatched.IsSet(c.store)
		if err != nil {
			return err
		}

		if !patched {
			c.reportDanglingBackups(conf, st.InstallDir)
			return nil
		}

		release, err := c.deps.Locks.TryLock(st.InstallDir)
		if err != nil {
			return err
		}
		defer release()

		if err := c.patchEngine(conf).Revert(ctx, st.InstallDir, emit); err != nil {
			c.logl.Error.Printf("revert failed, checking integrity instead: %v", err)

			return c.checkIntegrity(ctx, st.InstallDir, emit)
		}

		return nil
	})
}

// an apply that failed midway leaves backups without the marker. the next apply
// recovers from them, but until then the working files may be half-patched.
func (c *Client) reportDanglingBackups(conf laupatch.Config, installDir string) {
	inspection, err := c.patchEngine(conf).Inspect(installDir)
	if err != nil {
		c.logl.Error.Printf("inspect patches: %v", err)
		return
	}

	for _, backup := range inspection.Backups {
		c.logl.Error.Printf("backup from an interrupted patch: %s", backup)
	}
}

// repairs the install and forgets about any patches, since repair replaced the patched files
func (c *Client) checkIntegrity(ctx context.Context, installDir string, emit lauprogress.Emit) error {
	switch c.title.Backend {
	case lautypes.BackendSophon:
		if err := c.deps.Sophon.RunTask(ctx, lausophon.OperationRepair, lausophon.StartOptions{
			GameDir:    installDir,
			GameType:   c.title.GameType(),
			RepairMode: lausophon.RepairModeQuick,
		}, emit); err != nil {
			return err
		}
	case lautypes.BackendPackage:
		entries, err := lauverify.ReadPkgVersionFile(filepath.Join(installDir, manifestFilename))
		if err != nil {
			return err
		}

		broken, err := lauverify.Scan(ctx, entries, installDir, c.deps.VerifyConcurrency, emit, c.logger)
		if err != nil {
			return err
		}

		if len(broken) > 0 {
			remote, err := c.remoteInfo(ctx)
			if err != nil {
				return err
			}

			if remote.ResourceBase == "" {
				return fmt.Errorf("%d broken files but server has no base for loose files", len(broken))
			}

			if err := lauverify.Repair(ctx, c.deps.Downloader, remote.ResourceBase, installDir, broken, emit, c.logger); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported backend: %s", c.title.Backend)
	}

	return laudb.KeyPatched.Delete(c.store)
}

func (c *Client) patchEngine(conf laupatch.Config) *laupatch.Engine {
	conf.ResourceDir = c.deps.ResourceDir

	return laupatch.New(c.title, c.store, c.deps.Fetcher, c.deps.Xdelta3, conf, logex.Prefix("patch", c.logger))
}

func (c *Client) requiredResources(conf laupatch.Config) ([]lauresource.Resource, error) {
	names := []string{}

	switch conf.RenderBackend {
	case laupatch.RenderDXVK:
		names = append(names, "dxvk")
	case laupatch.RenderDXMT:
		names = append(names, "dxmt")
	}

	if conf.Reshade {
		names = append(names, "reshade")
	}

	if c.title.IsStarRail() {
		names = append(names, "jadeite")
	}

	resources := []lauresource.Resource{}
	for _, name := range names {
		res, found := c.deps.Resources[name]
		if !found {
			return nil, fmt.Errorf("resource %s is needed but not in the catalog; add it to config's resources", name)
		}

		resources = append(resources, res)
	}

	return resources, nil
}

func (c *Client) adopt(installDir string) error {
	if err := laudb.KeyGameInstallDir.Set(installDir, c.store); err != nil {
		return err
	}

	return c.reload(installDir)
}

func (c *Client) reset() error {
	if err := laudb.KeyGameInstallDir.Delete(c.store); err != nil {
		return err
	}

	if err := laudb.KeyGameVersion.Delete(c.store); err != nil {
		return err
	}

	return c.reload("")
}

// user gets told why, and the operation ends without touching anything
func (c *Client) refuse(emit lauprogress.Emit, key lauprogress.StatusKey, args ...string) error {
	c.deps.Notifier.Alert(key, args...)

	return emit(lauprogress.SetStatus(key, args...))
}

func (c *Client) unsupported(version string) (bool, error) {
	if c.title.MaxSupportedVersion == "" {
		return false, nil
	}

	cmp, err := compareVersions(version, c.title.MaxSupportedVersion)
	if err != nil {
		return false, err
	}

	return cmp > 0, nil
}

func (c *Client) remoteInfo(ctx context.Context) (*RemoteInfo, error) {
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()

	if remote != nil {
		return remote, nil
	}

	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.remote, nil
}

// one mutating operation per install dir. a busy dir fails fast instead of queueing
// behind an operation that may take hours.
func (c *Client) run(ctx context.Context, installDir string, produce lauprogress.Producer) *lauprogress.Stream {
	release, err := c.deps.Locks.TryLock(installDir)
	if err != nil {
		return lauprogress.Failed(err)
	}

	return lauprogress.Run(ctx, func(ctx context.Context, emit lauprogress.Emit) error {
		defer release()

		return produce(ctx, emit)
	})
}

func (c *Client) downloadTmpDir(installDir string) string {
	if c.deps.DownloadTempDir != "" {
		return filepath.Join(c.deps.DownloadTempDir, c.title.ID)
	}

	return filepath.Join(installDir, downloadTmpDirname)
}

type discardNotifier struct{}

func (discardNotifier) Alert(lauprogress.StatusKey, ...string) {}

// Transactional game file patching: every mutation keeps a ".bak" so it can be reverted
package laupatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/laudb"
	"github.com/function61/laukaisin/pkg/laudiff"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/function61/laukaisin/pkg/unityasset"
	"github.com/samber/lo"
)

const (
	backupSuffix = ".bak"
	diffSuffix   = ".diff"
)

type RenderBackend string

const (
	RenderDefault RenderBackend = ""
	RenderDXVK    RenderBackend = "dxvk"
	RenderDXMT    RenderBackend = "dxmt"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string, destination string) error
}

type Config struct {
	PatchOff      bool // skip patched + removed entries
	Workaround3   bool // skip entries tagged "workaround3"
	RenderBackend RenderBackend
	Reshade       bool
	WinePrefix    string // has "drive_c". empty = no Wine prefix to patch.
	WineLibDir    string // Wine distribution's "lib" dir, for DXMT's winemetal. optional.
	ResourceDir   string // has dxvk/, dxmt/, reshade/, protonextras/
}

// apply came across backups left behind by an earlier, interrupted apply
type Report struct {
	Dangling []string
}

type Engine struct {
	title   lautypes.Title
	store   laudb.Store
	fetcher Fetcher
	differ  laudiff.Applier
	conf    Config
	logl    *logex.Leveled
}

func New(
	title lautypes.Title,
	store laudb.Store,
	fetcher Fetcher,
	differ laudiff.Applier,
	conf Config,
	logger *log.Logger,
) *Engine {
	return &Engine{
		title:   title,
		store:   store,
		fetcher: fetcher,
		differ:  differ,
		conf:    conf,
		logl:    logex.Levels(logger),
	}
}

func (e *Engine) Apply(ctx context.Context, installDir string, emit lauprogress.Emit) (*Report, error) {
	report := &Report{}

	patched, err := laudb.KeyPatched.IsSet(e.store)
	if err != nil {
		return report, err
	}
	if patched {
		return report, nil
	}

	if err := emit(lauprogress.SetStatus(lauprogress.Patching)); err != nil {
		return report, err
	}

	steps := e.plan(installDir)

	for i, step := range steps {
		dangling, err := e.apply(ctx, step)
		if err != nil {
			return report, err
		}

		if dangling {
			e.logl.Error.Printf("backup from an interrupted patch: %s", step.target+backupSuffix)
			report.Dangling = append(report.Dangling, step.target+backupSuffix)
		}

		if err := emit(lauprogress.SetProgressRatio(uint64(i+1), uint64(len(steps)))); err != nil {
			return report, err
		}
	}

	return report, laudb.KeyPatched.Set("1", e.store)
}

// best-effort: missing backups and files are skipped, other errors are collected and the
// marker stays set so the next Init() retries
func (e *Engine) Revert(ctx context.Context, installDir string, emit lauprogress.Emit) error {
	patched, err := laudb.KeyPatched.IsSet(e.store)
	if err != nil {
		return err
	}
	if !patched {
		return nil
	}

	if err := emit(lauprogress.SetStatus(lauprogress.RevertPatching)); err != nil {
		return err
	}

	steps := lo.Reverse(e.plan(installDir))

	errs := []error{}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.revert(step); err != nil {
			e.logl.Error.Printf("revert %s: %v", step.target, err)
			errs = append(errs, err)
		}

		if err := emit(lauprogress.SetProgressRatio(uint64(i+1), uint64(len(steps)))); err != nil {
			return err
		}
	}

	if len(errs) > 0 {
		return &lautypes.FileSystemError{Path: installDir, Err: errors.Join(errs...)}
	}

	return laudb.KeyPatched.Delete(e.store)
}

type Inspection struct {
	Patched bool
	Backups []string // backups currently on disk
}

func (e *Engine) Inspect(installDir string) (*Inspection, error) {
	patched, err := laudb.KeyPatched.IsSet(e.store)
	if err != nil {
		return nil, err
	}

	backups := []string{}
	for _, step := range e.plan(installDir) {
		exists, err := fileexists.Exists(step.target + backupSuffix)
		if err != nil {
			return nil, err
		}

		if exists {
			backups = append(backups, step.target+backupSuffix)
		}
	}

	return &Inspection{
		Patched: patched,
		Backups: backups,
	}, nil
}

// returns true if the step found a backup from an earlier apply
func (e *Engine) apply(ctx context.Context, step step) (bool, error) {
	backup := step.target + backupSuffix

	dangling, err := fileexists.Exists(backup)
	if err != nil {
		return false, &lautypes.FileSystemError{Path: backup, Err: err}
	}

	switch step.kind {
	case stepDiff:
		if !dangling {
			if err := move(step.target, backup); err != nil {
				return false, err
			}
		}

		diff := step.target + diffSuffix

		if err := e.fetcher.Fetch(ctx, step.source, diff); err != nil {
			return dangling, err
		}

		// the original always comes from the backup, so a re-run produces the same result
		if err := e.differ.Apply(ctx, backup, diff, step.target); err != nil {
			return dangling, err
		}

		e.logl.Info.Printf("patched %s", step.target)

		return dangling, removeIfExists(diff)
	case stepHide:
		if dangling {
			return true, removeIfExists(step.target)
		}

		if err := move(step.target, backup); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, err
		}

		return false, nil
	case stepAdd:
		if err := os.MkdirAll(filepath.Dir(step.target), 0755); err != nil {
			return false, &lautypes.FileSystemError{Path: step.target, Err: err}
		}

		return false, e.fetcher.Fetch(ctx, step.source, step.target)
	case stepUnity:
		if !dangling {
			if err := move(step.target, backup); err != nil {
				return false, err
			}
		}

		original, err := os.ReadFile(backup)
		if err != nil {
			return dangling, &lautypes.FileSystemError{Path: backup, Err: err}
		}

		patched, err := unityasset.DisableFeature(original)
		if err != nil {
			return dangling, fmt.Errorf("%s: %w", backup, err)
		}

		return dangling, writeFile(step.target, func(sink io.Writer) error {
			_, err := sink.Write(patched)
			return err
		})
	case stepCopyIn:
		if !dangling {
			if err := move(step.target, backup); err != nil && !errors.Is(err, os.ErrNotExist) {
				return false, err
			}
		}

		return dangling, copyFile(step.source, step.target)
	default:
		return false, fmt.Errorf("unknown step kind: %d", step.kind)
	}
}

func (e *Engine) revert(step step) error {
	backup := step.target + backupSuffix

	switch step.kind {
	case stepDiff, stepHide, stepUnity:
		return ignoreNotExist(move(backup, step.target))
	case stepAdd:
		return removeIfExists(step.target)
	case stepCopyIn:
		err := move(backup, step.target)
		if errors.Is(err, os.ErrNotExist) { // nothing was there before we copied ours in
			return removeIfExists(step.target)
		}

		return err
	default:
		return fmt.Errorf("unknown step kind: %d", step.kind)
	}
}

func move(from string, to string) error {
	if err := os.Rename(from, to); err != nil {
		return &lautypes.FileSystemError{Path: from, Err: err}
	}

	return nil
}

func copyFile(from string, to string) error {
	source, err := os.Open(from)
	if err != nil {
		return &lautypes.FileSystemError{Path: from, Err: err}
	}
	defer source.Close()

	return writeFile(to, func(sink io.Writer) error {
		_, err := io.Copy(sink, source)
		return err
	})
}

func writeFile(path string, produce func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &lautypes.FileSystemError{Path: path, Err: err}
	}

	if err := atomicfilewrite.Write(path, produce); err != nil {
		return &lautypes.FileSystemError{Path: path, Err: err}
	}

	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &lautypes.FileSystemError{Path: path, Err: err}
	}

	return nil
}

func ignoreNotExist(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return err
}

// Binary diff application via the external xdelta3 / hpatchz tools
package laudiff

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/function61/laukaisin/pkg/logtee"
)

// produces target from source + patch. source and target are never the same path.
type Applier interface {
	Apply(ctx context.Context, source string, patch string, target string) error
}

type tool struct {
	binary string
	args   func(source string, patch string, target string) []string
	logl   *logex.Leveled
}

// VCDIFF patches (per-file patched entries)
func Xdelta3(binary string, logger *log.Logger) Applier {
	return &tool{
		binary: binary,
		args: func(source string, patch string, target string) []string {
			return []string{"-d", "-f", "-s", source, patch, target}
		},
		logl: logex.Levels(logger),
	}
}

// HDiffPatch patches (incremental game updates)
func Hpatchz(binary string, logger *log.Logger) Applier {
	return &tool{
		binary: binary,
		args: func(source string, patch string, target string) []string {
			return []string{"-f", source, patch, target}
		},
		logl: logex.Levels(logger),
	}
}

func (t *tool) Apply(ctx context.Context, source string, patch string, target string) error {
	output := logtee.NewStringTail(8)

	stderr := logtee.NewLineSplitterTee(nil, output.Write)

	cmd := exec.CommandContext(ctx, t.binary, t.args(source, patch, target)...)
	cmd.Stdout = stderr
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return &lautypes.ProcessSpawnError{Process: t.binary, Err: err}
	}

	err := cmd.Wait()
	stderr.Flush()

	if err != nil {
		exitErr := &exec.ExitError{}
		if errors.As(err, &exitErr) {
			return fmt.Errorf(
				"%s %s: exit code %d: %s",
				t.binary,
				target,
				exitErr.ExitCode(),
				strings.Join(output.Snapshot(), " | "))
		}

		return fmt.Errorf("%s %s: %w", t.binary, target, err)
	}

	t.logl.Debug.Printf("%s: %s + %s => %s", t.binary, source, patch, target)

	return nil
}

package lauclient

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/function61/laukaisin/pkg/logtee"
)

// runs the game's executable, through Wine if configured
type ProcessRunner struct {
	WineBinary string // "" = run natively
	WinePrefix string
	Env        []string
	logger     *log.Logger
}

func NewProcessRunner(wineBinary string, winePrefix string, logger *log.Logger) *ProcessRunner {
	return &ProcessRunner{
		WineBinary: wineBinary,
		WinePrefix: winePrefix,
		logger:     logger,
	}
}

func (p *ProcessRunner) Run(ctx context.Context, installDir string, executable string) error {
	exePath := filepath.Join(installDir, filepath.FromSlash(executable))

	args := []string{exePath}
	if p.WineBinary != "" {
		args = []string{p.WineBinary, exePath}
	}

	gameLogger := logex.Prefix("game", p.logger)

	output := logtee.NewLineSplitterTee(nil, func(line string) {
		gameLogger.Println(line)
	})
	defer output.Flush()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = installDir
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Env = append(os.Environ(), p.Env...)
	if p.WinePrefix != "" {
		cmd.Env = append(cmd.Env, "WINEPREFIX="+p.WinePrefix)
	}

	logex.Levels(p.logger).Info.Printf("starting %s", strings.Join(args, " "))

	if err := cmd.Start(); err != nil {
		return &lautypes.ProcessSpawnError{Process: filepath.Base(exePath), Err: err}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("%s: %w", filepath.Base(exePath), err)
	}

	return nil
}

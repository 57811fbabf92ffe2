package lauverify

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lautypes"
)

// *laudownload.Downloader implements this
type Downloader interface {
	DownloadWithProgress(ctx context.Context, uri string, destination string, emit lauprogress.Emit) error
}

// re-downloads broken files one at a time from remoteBase (the remote counterpart of dir)
func Repair(
	ctx context.Context,
	dl Downloader,
	remoteBase string,
	dir string,
	broken []Entry,
	emit lauprogress.Emit,
	logger *log.Logger,
) error {
	logl := logex.Levels(logger)

	total := strconv.Itoa(len(broken))

	for i, entry := range broken {
		if err := emit(lauprogress.SetIndeterminate()); err != nil {
			return err
		}

		if err := emit(lauprogress.SetStatus(lauprogress.FixingFiles, strconv.Itoa(i), total)); err != nil {
			return err
		}

		local, err := lautypes.JoinInside(dir, entry.RemoteName)
		if err != nil {
			return err
		}
		remote := strings.TrimSuffix(remoteBase, "/") + "/" + entry.RemoteName

		if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
			return &lautypes.FileSystemError{Path: local, Err: err}
		}

		// the daemon resumes onto whatever is there, which is known to be bad
		if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
			return &lautypes.FileSystemError{Path: local, Err: err}
		}

		logl.Info.Printf("repairing %s from %s", local, remote)

		if err := dl.DownloadWithProgress(ctx, remote, local, emit); err != nil {
			return err
		}
	}

	return emit(lauprogress.SetStatus(lauprogress.FixingFiles, total, total))
}

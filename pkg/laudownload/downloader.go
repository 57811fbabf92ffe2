package laudownload

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/byteshuman"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lautypes"
)

const (
	DefaultPollInterval           = 1 * time.Second
	defaultMaxConnectionPerServer = 10
)

type Snapshot struct {
	Downloaded uint64
	Total      uint64
	Speed      uint64 // bytes/second
}

// the daemon operations a Downloader needs. *Aria2 implements this.
type RPC interface {
	AddURI(ctx context.Context, uri string, opts Options) (string, error)
	TellStatus(ctx context.Context, gid string) (*Status, error)
}

var _ RPC = (*Aria2)(nil)

type Downloader struct {
	rpc          RPC
	pollInterval time.Duration
	logl         *logex.Leveled
}

func New(rpc RPC, logger *log.Logger) *Downloader {
	return &Downloader{
		rpc:          rpc,
		pollInterval: DefaultPollInterval,
		logl:         logex.Levels(logger),
	}
}

func (d *Downloader) WithPollInterval(interval time.Duration) *Downloader {
	d.pollInterval = interval
	return d
}

// lazy sequence of progress snapshots for one download. not safe for concurrent use.
type Transfer struct {
	rpc          RPC
	gid          string
	uri          string
	pollInterval time.Duration
	polled       bool
	finished     bool
}

// hands the URI to the daemon. re-invoking with the same destination resumes the partial
// file (the daemon handles that, we pass "continue").
func (d *Downloader) Start(ctx context.Context, uri string, destination string) (*Transfer, error) {
	gid, err := d.rpc.AddURI(ctx, uri, Options{
		MaxConnectionPerServer: defaultMaxConnectionPerServer,
		Dir:                    filepath.Dir(destination),
		Out:                    filepath.Base(destination),
	})
	if err != nil {
		return nil, fmt.Errorf("start download %s: %w", uri, err)
	}

	d.logl.Debug.Printf("started %s -> %s (gid %s)", uri, destination, gid)

	return &Transfer{
		rpc:          d.rpc,
		gid:          gid,
		uri:          uri,
		pollInterval: d.pollInterval,
	}, nil
}

// blocks until the daemon has a new status (one poll interval). returns io.EOF after the
// final snapshot, which always has Downloaded == Total.
func (t *Transfer) Next(ctx context.Context) (*Snapshot, error) {
	if t.finished {
		return nil, io.EOF
	}

	if t.polled { // first status is fetched immediately
		select {
		case <-time.After(t.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.polled = true

	status, err := t.rpc.TellStatus(ctx, t.gid)
	if err != nil {
		return nil, err
	}

	switch status.Status {
	case "complete":
		t.finished = true

		return &Snapshot{
			Downloaded: status.TotalLength,
			Total:      status.TotalLength,
			Speed:      0,
		}, nil
	case "error", "removed":
		t.finished = true

		return nil, &lautypes.NetworkError{
			Op:  "download",
			URL: t.uri,
			Err: fmt.Errorf("daemon reports %s (code %s): %s", status.Status, status.ErrorCode, status.ErrorMessage),
		}
	default: // active | waiting | paused
		return &Snapshot{
			Downloaded: status.CompletedLength,
			Total:      status.TotalLength,
			Speed:      status.DownloadSpeed,
		}, nil
	}
}

// downloads to completion, calling onProgress (may be nil) for each snapshot
func (d *Downloader) Download(
	ctx context.Context,
	uri string,
	destination string,
	onProgress func(Snapshot) error,
) error {
	transfer, err := d.Start(ctx, uri, destination)
	if err != nil {
		return err
	}

	for {
		snapshot, err := transfer.Next(ctx)
		if err != nil {
			if err == io.EOF {
				return nil
			}

			return err
		}

		if onProgress != nil {
			if err := onProgress(*snapshot); err != nil {
				return err
			}
		}
	}
}

// downloads while emitting DOWNLOADING_FILE_PROGRESS + percentage events
func (d *Downloader) DownloadWithProgress(
	ctx context.Context,
	uri string,
	destination string,
	emit lauprogress.Emit,
) error {
	name := filepath.Base(destination)

	return d.Download(ctx, uri, destination, func(snap Snapshot) error {
		if err := emit(lauprogress.SetStatus(
			lauprogress.DownloadingFileProgress,
			name,
			byteshuman.Rate(float64(snap.Speed)),
			byteshuman.Humanize(snap.Downloaded),
			byteshuman.Humanize(snap.Total),
		)); err != nil {
			return err
		}

		if snap.Total == 0 { // daemon does not know the size yet
			return emit(lauprogress.SetIndeterminate())
		}

		return emit(lauprogress.SetProgressRatio(snap.Downloaded, snap.Total))
	})
}

// lazy stream form, for callers that want a standalone progress stream for a single download
func (d *Downloader) Stream(ctx context.Context, uri string, destination string) *lauprogress.Stream {
	return lauprogress.Run(ctx, func(ctx context.Context, emit lauprogress.Emit) error {
		return d.DownloadWithProgress(ctx, uri, destination, emit)
	})
}

package laucli

import (
	"context"
	"log"
	"sync"

	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/lauconfig"
	"github.com/function61/laukaisin/pkg/laudownload"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lausophon"
)

// starts the aria2 daemon on first use, so that read-only commands never spawn it
type lazyDownloader struct {
	conf   lauconfig.Config
	logger *log.Logger

	mu         sync.Mutex
	daemon     *laudownload.Daemon
	downloader *laudownload.Downloader
}

func (l *lazyDownloader) get(ctx context.Context) (*laudownload.Downloader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.downloader != nil {
		return l.downloader, nil
	}

	// outlives the ctx of the operation that happened to start it. Close() stops it.
	daemon, err := laudownload.StartDaemon(context.WithoutCancel(ctx), laudownload.DaemonConfig{
		Binary:       l.conf.Aria2.Binary,
		Port:         l.conf.Aria2.Port,
		Secret:       l.conf.Aria2.Secret,
		SpawnTimeout: l.conf.Timeouts.Spawn.Duration,
	}, logex.Prefix("aria2", l.logger))
	if err != nil {
		return nil, err
	}

	l.daemon = daemon
	l.downloader = laudownload.New(daemon.RPC, logex.Prefix("download", l.logger))

	return l.downloader, nil
}

func (l *lazyDownloader) DownloadWithProgress(ctx context.Context, uri string, destination string, emit lauprogress.Emit) error {
	downloader, err := l.get(ctx)
	if err != nil {
		return err
	}

	return downloader.DownloadWithProgress(ctx, uri, destination, emit)
}

func (l *lazyDownloader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.daemon == nil {
		return nil
	}

	return l.daemon.Stop(ctx)
}

// spawns the Sophon server on first use if it is configured with a command. without a
// command the server is expected to be already running at the base URL.
type lazySophon struct {
	client *lausophon.Client
	cmd    []string
	logger *log.Logger

	mu      sync.Mutex
	started bool
	stop    func() error
}

func (l *lazySophon) ensure(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return nil
	}

	if len(l.cmd) == 0 {
		if err := l.client.WaitHealthy(ctx); err != nil {
			return err
		}
	} else {
		stop, err := lausophon.StartServer(context.WithoutCancel(ctx), l.cmd, l.client, logex.Prefix("sophon", l.logger))
		if err != nil {
			return err
		}

		l.stop = stop
	}

	l.started = true

	return nil
}

func (l *lazySophon) RunTask(
	ctx context.Context,
	kind lausophon.OperationKind,
	opts lausophon.StartOptions,
	emit lauprogress.Emit,
) error {
	if err := l.ensure(ctx); err != nil {
		return err
	}

	return l.client.RunTask(ctx, kind, opts, emit)
}

func (l *lazySophon) OnlineInfo(ctx context.Context, game string, reltype string) (*lausophon.OnlineInfo, error) {
	if err := l.ensure(ctx); err != nil {
		return nil, err
	}

	return l.client.OnlineInfo(ctx, game, reltype)
}

func (l *lazySophon) InstalledInfo(ctx context.Context, gameDir string) (*lausophon.InstalledInfo, error) {
	if err := l.ensure(ctx); err != nil {
		return nil, err
	}

	return l.client.InstalledInfo(ctx, gameDir)
}

func (l *lazySophon) Healthy(ctx context.Context) error {
	if err := l.ensure(ctx); err != nil {
		return err
	}

	return l.client.HealthCheck(ctx)
}

func (l *lazySophon) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop == nil {
		return nil
	}

	return l.stop()
}

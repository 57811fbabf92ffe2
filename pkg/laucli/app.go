package laucli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"

	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/dirlock"
	"github.com/function61/laukaisin/pkg/lauclient"
	"github.com/function61/laukaisin/pkg/lauconfig"
	"github.com/function61/laukaisin/pkg/laudb"
	"github.com/function61/laukaisin/pkg/laudiff"
	"github.com/function61/laukaisin/pkg/laudownload"
	"github.com/function61/laukaisin/pkg/laupatch"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lauqueue"
	"github.com/function61/laukaisin/pkg/lauresource"
	"github.com/function61/laukaisin/pkg/lausophon"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/function61/laukaisin/pkg/lauui"
)

// everything a command needs, built from the config file
type app struct {
	conf       *lauconfig.Config
	titles     []lautypes.Title
	db         *laudb.DB
	clients    map[string]*lauclient.Client
	downloader *lazyDownloader
	sophon     *lazySophon
	display    *lauui.Terminal
	logger     *log.Logger
	logl       *logex.Leveled
}

func openApp(logger *log.Logger) (*app, error) {
	conf, err := lauconfig.ReadConfig()
	if err != nil {
		return nil, err
	}

	titles, err := lautypes.LoadTitles(conf.TitlesFile)
	if err != nil {
		return nil, fmt.Errorf("titles: %w", err)
	}

	if err := os.MkdirAll(conf.DataDir, 0755); err != nil {
		return nil, err
	}

	db, err := laudb.Open(conf.StateDBPath())
	if err != nil {
		return nil, err
	}

	sophonConf := lausophon.DefaultConfig(conf.Sophon.BaseURL)
	sophonConf.HTTPTimeout = conf.Timeouts.HTTP.Duration
	sophonConf.HealthTimeout = conf.Timeouts.Health.Duration
	sophonConf.Backoff.MaxAttempts = conf.Timeouts.HealthRetryAttempts

	a := &app{
		conf:   conf,
		titles: titles,
		db:     db,
		downloader: &lazyDownloader{
			conf:   *conf,
			logger: logger,
		},
		sophon: &lazySophon{
			client: lausophon.New(sophonConf, logex.Prefix("sophon", logger)),
			cmd:    conf.Sophon.Command,
			logger: logger,
		},
		display: lauui.NewTerminal(os.Stdout),
		clients: map[string]*lauclient.Client{},
		logger:  logger,
		logl:    logex.Levels(logger),
	}

	httpClient := &http.Client{Timeout: conf.Timeouts.HTTP.Duration}

	verifyConcurrency := conf.VerifyConcurrency
	if verifyConcurrency == 0 {
		verifyConcurrency = runtime.NumCPU()
	}

	locks := dirlock.New()
	runner := lauclient.NewProcessRunner(conf.Wine.Binary, conf.Wine.Prefix, logger)
	resources := lauresource.Catalog(conf.Resources)

	for _, title := range titles {
		var versions lauclient.VersionSource
		switch title.Backend {
		case lautypes.BackendSophon:
			versions = lauclient.SophonVersions(a.sophon, *title.Sophon)
		default:
			versions = lauclient.PackageVersions(title.ResourceURL, httpClient, conf.Timeouts.HTTP.Duration)
		}

		a.clients[title.ID] = lauclient.New(title, lauclient.Deps{
			Store:             db,
			Versions:          versions,
			Sophon:            a.sophon,
			Downloader:        a.downloader,
			Fetcher:           laudownload.NewHTTPFetcher(httpClient),
			Hpatchz:           laudiff.Hpatchz(conf.Tools.Hpatchz, logex.Prefix("hpatchz", logger)),
			Xdelta3:           laudiff.Xdelta3(conf.Tools.Xdelta3, logex.Prefix("xdelta3", logger)),
			Notifier:          a.display,
			Runner:            runner,
			Locks:             locks,
			ResourceDir:       conf.ResourceDir(),
			Resources:         resources,
			DownloadTempDir:   conf.DownloadTempDir(),
			VerifyConcurrency: verifyConcurrency,
		}, logex.Prefix(title.ID, logger))
	}

	return a, nil
}

func (a *app) Close() error {
	a.display.Close()

	return errors.Join(
		a.downloader.Close(context.Background()),
		a.sophon.Close(),
		a.db.Close())
}

func (a *app) client(titleID string) (*lauclient.Client, error) {
	client, found := a.clients[titleID]
	if !found {
		return nil, fmt.Errorf("unknown title: %s", titleID)
	}

	return client, nil
}

// clients in titles file order
func (a *app) allClients() []*lauclient.Client {
	clients := []*lauclient.Client{}
	for _, title := range a.titles {
		clients = append(clients, a.clients[title.ID])
	}

	return clients
}

func (a *app) patchConfig() laupatch.Config {
	return laupatch.Config{
		PatchOff:      a.conf.Patch.PatchOff,
		Workaround3:   a.conf.Patch.Workaround3,
		RenderBackend: a.conf.Patch.RenderBackend,
		Reshade:       a.conf.Patch.Reshade,
		WinePrefix:    a.conf.Wine.Prefix,
		WineLibDir:    a.conf.Wine.LibDir,
	}
}

// runs operations one by one through a queue, so the display and the journal see them the
// same way as in the watch daemon
func (a *app) run(ctx context.Context, tasks ...lauqueue.Task) error {
	queue := lauqueue.New("cli", a.display, a.db, a.logger)

	tickets := []*lauqueue.Ticket{}
	for _, task := range tasks {
		ticket, err := queue.Enqueue(task)
		if err != nil {
			return err
		}

		tickets = append(tickets, ticket)
	}

	queueCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queueDone := make(chan error, 1)
	go func() {
		queueDone <- queue.Run(queueCtx)
	}()

	var firstErr error
	for _, ticket := range tickets {
		// not ctx: a cancelled launch still has to finish reverting
		if err := ticket.Wait(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	cancel()
	<-queueDone

	a.display.Close()

	return firstErr
}

func clientTask(client *lauclient.Client, kind string, start func(context.Context) *lauprogress.Stream) lauqueue.Task {
	return lauqueue.Task{
		Title: client.Title().ID,
		Kind:  kind,
		Start: start,
	}
}

package laucli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/function61/gokit/httputils"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/systemdinstaller"
	"github.com/function61/gokit/taskrunner"
	"github.com/function61/laukaisin/pkg/laumetrics"
	"github.com/function61/laukaisin/pkg/lauqueue"
	"github.com/function61/laukaisin/pkg/lauwatch"
	"github.com/spf13/cobra"
)

func watchEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keeps checking for updates on a schedule, serving metrics and status over HTTP",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withApp(watch))
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install-service",
		Short: "Installs systemd unit file to make the watcher start on system boot",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			serviceFile := systemdinstaller.SystemdServiceFile(
				"laukaisin",
				"Laukaisin update watcher",
				systemdinstaller.Args("watch"),
				systemdinstaller.Docs("https://github.com/function61/laukaisin"),
				systemdinstaller.RequireNetworkOnline)

			osutil.ExitIfError(systemdinstaller.Install(serviceFile))

			fmt.Println(systemdinstaller.GetHints(serviceFile))
		},
	})

	return cmd
}

func watch(ctx context.Context, a *app) error {
	metrics := laumetrics.New()

	queues := lauqueue.NewPair(a.display, metrics.WrapJournal(a.db), a.logger)

	watched := []lauwatch.Watched{}
	stated := []laumetrics.Stated{}
	for _, client := range a.allClients() {
		watched = append(watched, client)
		stated = append(stated, client)
	}

	jobs, err := lauwatch.Jobs(watched, a.conf.Watch.Schedule, lauwatch.Policy{
		AutoUpdate:      a.conf.Watch.AutoUpdate,
		AutoPredownload: a.conf.Watch.AutoPredownload,
	}, queues.Background, time.Now())
	if err != nil {
		return err
	}

	// leftovers of an earlier session are dealt with before anything else runs
	initTickets := []*lauqueue.Ticket{}
	for _, task := range initTasks(a) {
		ticket, err := queues.Urgent.Enqueue(task)
		if err != nil {
			return err
		}

		initTickets = append(initTickets, ticket)
	}

	tasks := taskrunner.New(ctx, a.logger)

	tasks.Start("queues", queues.Run)

	scheduler := lauwatch.NewScheduler(jobs, a.logger, func(task func(context.Context) error) {
		tasks.Start("scheduler", task)
	}, metrics.ObserveCheck)

	if addr := a.conf.Watch.MetricsAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metrics.Handler(stated),
			ReadHeaderTimeout: 10 * time.Second,
		}

		tasks.Start("metrics", metrics.Task(stated))

		tasks.Start("listener "+addr, func(ctx context.Context) error {
			return httputils.RemoveGracefulServerClosedError(srv.ListenAndServe())
		})

		tasks.Start("listenershutdowner", httputils.ServerShutdownTask(srv))
	}

	// first check right after init instead of waiting for the schedule
	go func() {
		for _, ticket := range initTickets {
			if err := ticket.Wait(ctx); err != nil && ctx.Err() != nil {
				return
			}
		}

		for _, job := range jobs {
			scheduler.Trigger(ctx, job.Spec.ID)
		}
	}()

	return tasks.Wait()
}

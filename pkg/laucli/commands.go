package laucli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/function61/gokit/osutil"
	"github.com/function61/laukaisin/pkg/lauclient"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lauqueue"
	"github.com/function61/laukaisin/pkg/lauui"
	"github.com/spf13/cobra"
)

func titlesEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "titles",
		Short: "Lists the titles from the titles file",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withApp(func(ctx context.Context, a *app) error {
				lauui.TitlesTable(os.Stdout, a.titles)
				return nil
			}))
		},
	}
}

func statusEntrypoint() *cobra.Command {
	offline := false

	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Shows installed and latest versions of each title",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withApp(func(ctx context.Context, a *app) error {
				rows := []lauui.StatusRow{}

				for _, client := range a.allClients() {
					if err := refreshOrReload(ctx, client, offline, a); err != nil {
						return err
					}

					rows = append(rows, lauui.StatusRow{
						Title: client.Title(),
						State: client.Snapshot(),
					})
				}

				lauui.StatusTable(os.Stdout, rows)

				return nil
			}))
		},
	}

	cmd.Flags().BoolVarP(&offline, "offline", "", offline, "Don't contact the version servers")

	return cmd
}

func installEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "install [title] [dir]",
		Short: "Installs a title into a directory, or adopts an existing installation there",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withClient(args[0], false, func(ctx context.Context, a *app, client *lauclient.Client) error {
				return a.run(ctx, clientTask(client, "install", func(ctx context.Context) *lauprogress.Stream {
					return client.Install(ctx, args[1])
				}))
			}))
		},
	}
}

func updateEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "update [title]",
		Short: "Updates an installed title to the latest version",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withClient(args[0], true, func(ctx context.Context, a *app, client *lauclient.Client) error {
				state := client.Snapshot()
				if state.Installed && !state.UpdateRequired {
					fmt.Printf("%s is up to date (%s)\n", client.Title().ID, state.Version)
					return nil
				}

				return a.run(ctx, clientTask(client, "update", client.Update))
			}))
		},
	}
}

func predownloadEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "predownload [title]",
		Short: "Downloads the next version's update ahead of its release",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withClient(args[0], true, func(ctx context.Context, a *app, client *lauclient.Client) error {
				return a.run(ctx, clientTask(client, "predownload", client.Predownload))
			}))
		},
	}
}

func verifyEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [title]",
		Short: "Checks game files against the manifest and repairs broken ones",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withClient(args[0], true, func(ctx context.Context, a *app, client *lauclient.Client) error {
				return a.run(ctx, clientTask(client, "verify", client.CheckIntegrity))
			}))
		},
	}
}

func launchEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "launch [title]",
		Short: "Patches the game, runs it and reverts the patches after it exits",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			// up-to-dateness was checked by "update". launching works offline.
			osutil.ExitIfError(withClient(args[0], false, func(ctx context.Context, a *app, client *lauclient.Client) error {
				return a.run(ctx, clientTask(client, "launch", func(ctx context.Context) *lauprogress.Stream {
					return client.Launch(ctx, a.patchConfig())
				}))
			}))
		},
	}
}

func initEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Startup housekeeping: checks for updates and cleans up after interrupted sessions",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withApp(func(ctx context.Context, a *app) error {
				return a.run(ctx, initTasks(a)...)
			}))
		},
	}
}

func historyEntrypoint() *cobra.Command {
	limit := 20

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Shows recent operations",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withApp(func(ctx context.Context, a *app) error {
				ops, err := a.db.Operations()
				if err != nil {
					return err
				}

				// newest first
				sort.SliceStable(ops, func(i, j int) bool {
					return ops[i].Started.After(ops[j].Started)
				})

				if limit > 0 && len(ops) > limit {
					ops = ops[:limit]
				}

				lauui.HistoryTable(os.Stdout, ops, time.Now())

				return nil
			}))
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", limit, "How many operations to show (0 = all)")

	return cmd
}

func initTasks(a *app) []lauqueue.Task {
	tasks := []lauqueue.Task{}
	for _, client := range a.allClients() {
		client := client // pin

		tasks = append(tasks, clientTask(client, "init", func(ctx context.Context) *lauprogress.Stream {
			return client.Init(ctx, a.patchConfig())
		}))
	}

	return tasks
}

// offline state comes from disk only. a failed refresh falls back to it.
func refreshOrReload(ctx context.Context, client *lauclient.Client, offline bool, a *app) error {
	if !offline {
		err := client.Refresh(ctx)
		if err == nil {
			return nil
		}

		a.logl.Error.Printf("%s: %v", client.Title().ID, err)
	}

	return client.Reload()
}

func withApp(fn func(ctx context.Context, a *app) error) error {
	return wrapWithStopSupport(func(ctx context.Context) error {
		a, err := openApp(rootLogger)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				a.logl.Error.Printf("close: %v", err)
			}
		}()

		return fn(ctx, a)
	})
}

// refresh = contact the version server first. without it the state is what's on disk.
func withClient(titleID string, refresh bool, fn func(ctx context.Context, a *app, client *lauclient.Client) error) error {
	return withApp(func(ctx context.Context, a *app) error {
		client, err := a.client(titleID)
		if err != nil {
			return err
		}

		if refresh {
			if err := client.Refresh(ctx); err != nil {
				return err
			}
		} else if err := client.Reload(); err != nil {
			return err
		}

		return fn(ctx, a, client)
	})
}

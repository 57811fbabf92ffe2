package laucli

import (
	"context"
	"fmt"
	"sort"

	"github.com/function61/gokit/osutil"
	"github.com/function61/laukaisin/pkg/laudb"
	"github.com/spf13/cobra"
)

func debugEntrypoint() *cobra.Command {
	debug := &cobra.Command{
		Use:   "debug",
		Short: "Debug utilities",
	}

	debug.AddCommand(&cobra.Command{
		Use:   "dump-state",
		Short: "Prints every key of the state database",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withApp(func(ctx context.Context, a *app) error {
				dump, err := a.db.Dump()
				if err != nil {
					return err
				}

				keys := []string{}
				for key := range dump {
					keys = append(keys, key)
				}
				sort.Strings(keys)

				for _, key := range keys {
					fmt.Printf("%s = %s\n", key, dump[key])
				}

				return nil
			}))
		},
	})

	debug.AddCommand(&cobra.Command{
		Use:   "predownload-key [title] [archiveUrl]",
		Short: "Formats the state key that marks an archive as pre-downloaded",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s/%s\n", args[0], laudb.KeyPredownloaded(args[1]).Key())
		},
	})

	return debug
}

package laucli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/osutil"
	"github.com/function61/laukaisin/pkg/lauconfig"
	"github.com/spf13/cobra"
)

func configEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration file management",
	}

	cmd.AddCommand(configInitEntrypoint())
	cmd.AddCommand(configPrintEntrypoint())

	return cmd
}

func configInitEntrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dataDir]",
		Short: "Writes a config file with defaults. dataDir defaults to ~/.local/share/laukaisin",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			confPath, err := lauconfig.ConfigFilePath()
			osutil.ExitIfError(err)

			exists, err := fileexists.Exists(confPath)
			osutil.ExitIfError(err)

			if exists {
				osutil.ExitIfError(errors.New("config file already exists"))
			}

			conf := lauconfig.Default()

			if len(args) > 0 {
				conf.DataDir = args[0]
			} else {
				conf.DataDir, err = lauconfig.DefaultDataDir()
				osutil.ExitIfError(err)
			}

			osutil.ExitIfError(conf.Validate())

			osutil.ExitIfError(lauconfig.WriteConfigWithPath(conf, confPath))

			fmt.Printf("wrote %s\nnext, describe your titles in %s\n", confPath, conf.TitlesFile)
		},
	}

	return cmd
}

func configPrintEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "print",
		Short: "Prints path to config file & its contents",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			confPath, err := lauconfig.ConfigFilePath()
			osutil.ExitIfError(err)

			fmt.Printf("file: %s\n", confPath)

			exists, err := fileexists.Exists(confPath)
			osutil.ExitIfError(err)

			if !exists {
				fmt.Printf(".. does not exist. To configure, run:\n    $ %s config init\n", os.Args[0])
				return
			}

			file, err := os.Open(confPath)
			osutil.ExitIfError(err)
			defer file.Close()

			_, err = io.Copy(os.Stdout, file)
			osutil.ExitIfError(err)
		},
	}
}

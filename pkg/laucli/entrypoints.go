// Command line interface of the launcher
package laucli

import (
	"context"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/spf13/cobra"
)

var rootLogger = logex.StandardLogger()

func Entrypoints() []*cobra.Command {
	return []*cobra.Command{
		titlesEntrypoint(),
		statusEntrypoint(),
		installEntrypoint(),
		updateEntrypoint(),
		predownloadEntrypoint(),
		verifyEntrypoint(),
		launchEntrypoint(),
		initEntrypoint(),
		doctorEntrypoint(),
		historyEntrypoint(),
		watchEntrypoint(),
		configEntrypoint(),
		debugEntrypoint(),
	}
}

func wrapWithStopSupport(fn func(ctx context.Context) error) error {
	return fn(osutil.CancelOnInterruptOrTerminate(rootLogger))
}

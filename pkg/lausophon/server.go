package lausophon

import (
	"context"
	"log"

	"github.com/function61/laukaisin/pkg/sidecar"
)

// spawns the sidecar server process and waits until it reports healthy. the returned stop
// function terminates the process.
func StartServer(ctx context.Context, cmd []string, client *Client, logger *log.Logger) (func() error, error) {
	process := sidecar.New(cmd, "sophon-server", logger)

	stop := process.Background(ctx)

	if err := client.WaitHealthy(ctx); err != nil {
		ignoreError(stop())
		return nil, err
	}

	return stop, nil
}

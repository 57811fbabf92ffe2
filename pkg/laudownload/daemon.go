package laudownload

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/retry"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/function61/laukaisin/pkg/sidecar"
)

const DefaultSpawnTimeout = 30 * time.Second

type DaemonConfig struct {
	Binary       string // "aria2c"
	Port         int
	Secret       string
	SpawnTimeout time.Duration
}

// the single aria2 process shared by all downloads of a session
type Daemon struct {
	RPC     *Aria2
	process *sidecar.Process
	stop    func() error
	logl    *logex.Leveled
}

func StartDaemon(ctx context.Context, conf DaemonConfig, logger *log.Logger) (*Daemon, error) {
	args := []string{
		conf.Binary,
		"--enable-rpc",
		"--rpc-listen-all=false",
		"--rpc-listen-port=" + strconv.Itoa(conf.Port),
		"--continue=true",
		"--auto-file-renaming=false",
		"--allow-overwrite=true",
	}

	if conf.Secret != "" {
		args = append(args, "--rpc-secret="+conf.Secret)
	}

	process := sidecar.New(args, "aria2c", logger)

	rpc := NewAria2(fmt.Sprintf("http://127.0.0.1:%d/jsonrpc", conf.Port), conf.Secret)

	stop := process.Background(ctx)

	timeout := conf.SpawnTimeout
	if timeout == 0 {
		timeout = DefaultSpawnTimeout
	}

	if err := Handshake(ctx, rpc, timeout, logger); err != nil {
		ignoreError(stop())
		return nil, err
	}

	return &Daemon{
		RPC:     rpc,
		process: process,
		stop:    stop,
		logl:    logex.Levels(logger),
	}, nil
}

func (d *Daemon) Status() sidecar.Status {
	return d.process.Status()
}

// asks the daemon to shut down gracefully (it saves session state), then makes sure the
// process is gone
func (d *Daemon) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := d.RPC.Shutdown(shutdownCtx); err != nil {
		d.logl.Error.Printf("shutdown: %v", err)
	}

	return d.stop()
}

type versionGetter interface {
	GetVersion(ctx context.Context) (string, error)
}

// waits for a freshly spawned daemon to answer RPC calls
func Handshake(ctx context.Context, rpc versionGetter, timeout time.Duration, logger *log.Logger) error {
	logl := logex.Levels(logger)

	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	version := ""
	if err := retry.Retry(handshakeCtx, func(ctx context.Context) error {
		var err error
		version, err = rpc.GetVersion(ctx)
		return err
	}, retry.DefaultBackoff(), func(err error) {
		logl.Debug.Printf("handshake: %v", err)
	}); err != nil {
		return &lautypes.ProcessSpawnError{
			Process: "aria2c",
			Err:     fmt.Errorf("%w: %v", &lautypes.TimeoutError{Op: "aria2 handshake", Timeout: timeout}, err),
		}
	}

	logl.Info.Printf("aria2 %s ready", version)

	return nil
}

func ignoreError(err error) {
	// no-op
}

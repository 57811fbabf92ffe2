// Keeps a helper process (download daemon, remote operation server) alive for the duration of a context
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/function61/laukaisin/pkg/logtee"
)

type Status struct {
	Description string
	Pid         string
	Alive       bool
	Started     time.Time
	Restarts    int
}

type Process struct {
	cmd           []string
	env           []string
	description   string
	restartDelay  time.Duration
	maxRestarts   int
	status        *Status
	restarts      int
	statusMu      sync.Mutex
	stderrTail    *logtee.StringTail
	controlLogger *logex.Leveled
	logger        *log.Logger // subprocess's stderr is logger.Println()'d here after per each line
}

func New(
	cmd []string,
	description string,
	logger *log.Logger,
) *Process {
	return &Process{
		cmd:           cmd,
		description:   description,
		restartDelay:  5 * time.Second,
		maxRestarts:   3,
		stderrTail:    logtee.NewStringTail(10),
		controlLogger: logex.Levels(logex.Prefix("sidecar/"+description, logger)),
		logger:        logex.Prefix(description, logger),
	}
}

func (p *Process) WithEnv(env ...string) *Process {
	p.env = append(p.env, env...)
	return p
}

func (p *Process) Status() Status {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	if p.status == nil {
		return Status{
			Description: p.description,
			Alive:       false,
			Restarts:    p.restarts,
		}
	}

	return *p.status
}

func (p *Process) setStatus(st *Status) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	if st != nil {
		st.Restarts = p.restarts
	}

	p.status = st
}

// last lines the process wrote to stderr. useful for explaining why it died.
func (p *Process) RecentOutput() []string {
	return p.stderrTail.Snapshot()
}

// runs the process until ctx is cancelled, restarting it after unexpected exits. returns
// ProcessSpawnError if the binary cannot be started at all or it keeps crashing.
func (p *Process) Run(ctx context.Context) error {
	exited := make(chan error, 1)

	var cmd *exec.Cmd
	var stderr *logtee.LineSplitterWriter

	start := func() error {
		cmd = exec.Command(p.cmd[0], p.cmd[1:]...)
		// child should receive full env of parent
		cmd.Env = append(os.Environ(), p.env...)

		stderr = logtee.NewLineSplitterTee(nil, func(line string) {
			p.stderrTail.Write(line)
			p.logger.Println(line)
		})
		cmd.Stderr = stderr

		if err := cmd.Start(); err != nil {
			return &lautypes.ProcessSpawnError{Process: p.description, Err: err}
		}

		p.controlLogger.Info.Printf("started (pid %d)", cmd.Process.Pid)

		p.setStatus(&Status{
			Description: p.description,
			Pid:         strconv.Itoa(cmd.Process.Pid),
			Alive:       true,
			Started:     time.Now(),
		})

		go func(cmd *exec.Cmd) {
			exited <- cmd.Wait()
		}(cmd)

		return nil
	}

	if err := start(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			p.controlLogger.Info.Printf("interrupting pid %d", cmd.Process.Pid)

			// TODO: interrupt does not work on Windows
			if err := cmd.Process.Signal(os.Interrupt); err != nil {
				p.controlLogger.Error.Printf("Signal(): %v", err)
			}

			select {
			case err := <-exited:
				if err != nil && !isInterruptExit(err) {
					p.controlLogger.Error.Printf("unclean exit: %v", err)
				} else {
					p.controlLogger.Info.Println("stopped")
				}
			case <-time.After(10 * time.Second):
				p.controlLogger.Error.Println("did not stop in time; killing")
				ignoreError(cmd.Process.Kill())
				<-exited
			}

			stderr.Flush()
			p.setStatus(nil)

			return nil
		case err := <-exited:
			stderr.Flush()
			p.setStatus(nil)

			if p.restarts >= p.maxRestarts {
				return &lautypes.ProcessSpawnError{
					Process: p.description,
					Err: fmt.Errorf(
						"exited %d times, last with %v: %s",
						p.restarts+1,
						err,
						strings.Join(p.RecentOutput(), " | ")),
				}
			}

			p.restarts++

			p.controlLogger.Error.Printf(
				"unexpected exit with %v (restarting in %s)",
				err,
				p.restartDelay)

			select {
			case <-time.After(p.restartDelay):
			case <-ctx.Done():
				return nil
			}

			if err := start(); err != nil {
				return err
			}
		}
	}
}

// starts Run() in the background. the returned stop function cancels it and waits for exit.
func (p *Process) Background(ctx context.Context) (stop func() error) {
	ctx, cancel := context.WithCancel(ctx)
	result := make(chan error, 1)

	go func() {
		result <- p.Run(ctx)
	}()

	return func() error {
		cancel()
		return <-result
	}
}

func isInterruptExit(err error) bool {
	exitErr := &exec.ExitError{}
	return errors.As(err, &exitErr) && !exitErr.Exited() // terminated by signal
}

func ignoreError(err error) {
	// no-op
}

// Periodically checks installed titles for updates and queues the follow-up work
package lauwatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/lauclient"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lauqueue"
	"github.com/function61/laukaisin/pkg/lautypes"
)

// subset of *lauclient.Client that the watcher drives
type Watched interface {
	Title() lautypes.Title
	Refresh(ctx context.Context) error
	Snapshot() lauclient.State
	Update(ctx context.Context) *lauprogress.Stream
	Predownload(ctx context.Context) *lauprogress.Stream
}

type Enqueuer interface {
	Enqueue(task lauqueue.Task) (*lauqueue.Ticket, error)
}

type Policy struct {
	AutoUpdate      bool
	AutoPredownload bool
}

// one check job per title
func Jobs(clients []Watched, schedule string, policy Policy, queue Enqueuer, now time.Time) ([]*Job, error) {
	jobs := []*Job{}

	for _, client := range clients {
		checker := &checker{
			client: client,
			policy: policy,
			queue:  queue,
		}

		job, err := NewJob(JobSpec{
			ID:          "check-" + client.Title().ID,
			TitleID:     client.Title().ID,
			Description: "check " + client.Title().ID,
			Schedule:    schedule,
		}, checker.Check, now)
		if err != nil {
			return nil, fmt.Errorf("watch schedule: %w", err)
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

type checker struct {
	client Watched
	policy Policy
	queue  Enqueuer

	mu       sync.Mutex
	inFlight *lauqueue.Ticket // follow-up work queued by an earlier check
}

func (c *checker) Check(ctx context.Context, logger *log.Logger) error {
	logl := logex.Levels(logger)

	if err := c.client.Refresh(ctx); err != nil {
		return err
	}

	state := c.client.Snapshot()
	if !state.Installed {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight != nil && !c.inFlight.Finished() {
		logl.Debug.Println("earlier follow-up still queued")
		return nil
	}

	task, reason := c.followUp(state)
	if task == nil {
		if reason != "" {
			logl.Info.Println(reason)
		}
		return nil
	}

	logl.Info.Println(reason)

	ticket, err := c.queue.Enqueue(*task)
	if err != nil {
		return err
	}

	c.inFlight = ticket

	return nil
}

// nil task with a reason = something to do, but policy says not to do it automatically
func (c *checker) followUp(state lauclient.State) (*lauqueue.Task, string) {
	titleID := c.client.Title().ID

	switch {
	case state.UpdateRequired && c.policy.AutoUpdate:
		return &lauqueue.Task{
			Title: titleID,
			Kind:  "update",
			Start: c.client.Update,
		}, fmt.Sprintf("queueing update %s -> %s", state.Version, state.LatestVersion)
	case state.UpdateRequired:
		return nil, fmt.Sprintf("update available: %s -> %s", state.Version, state.LatestVersion)
	case state.PredownloadAvailable && !state.PredownloadDismissed && c.policy.AutoPredownload:
		return &lauqueue.Task{
			Title: titleID,
			Kind:  "predownload",
			Start: c.client.Predownload,
		}, fmt.Sprintf("queueing pre-download of %s", state.PredownloadVersion)
	case state.PredownloadAvailable && !state.PredownloadDismissed:
		return nil, fmt.Sprintf("pre-download available: %s", state.PredownloadVersion)
	default:
		return nil, ""
	}
}

package lauwatch

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/laukaisin/pkg/lauclient"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lauqueue"
	"github.com/function61/laukaisin/pkg/lautypes"
)

func TestCheckQueuesFollowUp(t *testing.T) {
	for _, tc := range []struct {
		name     string
		state    lauclient.State
		policy   Policy
		expected string
	}{
		{
			"update",
			lauclient.State{Installed: true, UpdateRequired: true, PredownloadAvailable: true},
			Policy{AutoUpdate: true, AutoPredownload: true},
			"update",
		},
		{
			"update not automatic",
			lauclient.State{Installed: true, UpdateRequired: true},
			Policy{AutoPredownload: true},
			"",
		},
		{
			"predownload",
			lauclient.State{Installed: true, PredownloadAvailable: true},
			Policy{AutoPredownload: true},
			"predownload",
		},
		{
			"predownload dismissed",
			lauclient.State{Installed: true, PredownloadAvailable: true, PredownloadDismissed: true},
			Policy{AutoPredownload: true},
			"",
		},
		{
			"not installed",
			lauclient.State{UpdateRequired: true},
			Policy{AutoUpdate: true},
			"",
		},
	} {
		tc := tc // pin
		t.Run(tc.name, func(t *testing.T) {
			queue := &recordingQueue{}
			client := &fakeWatched{state: tc.state}

			jobs, err := Jobs([]Watched{client}, "@every 1h", tc.policy, queue, time.Now())
			assert.Assert(t, err == nil)

			assert.Assert(t, jobs[0].Run(context.Background(), discardLogger) == nil)
			assert.Assert(t, client.refreshes == 1)

			kinds := []string{}
			for _, task := range queue.tasks {
				assert.EqualString(t, task.Title, "gi")
				kinds = append(kinds, task.Kind)
			}

			assert.EqualString(t, strings.Join(kinds, ","), tc.expected)
		})
	}
}

func TestCheckDoesNotQueueTwice(t *testing.T) {
	// not running, so the first ticket stays unfinished
	queue := lauqueue.New("background", nopDisplay{}, nil, discardLogger)

	client := &fakeWatched{state: lauclient.State{Installed: true, UpdateRequired: true}}

	jobs, err := Jobs([]Watched{client}, "@every 1h", Policy{AutoUpdate: true}, queue, time.Now())
	assert.Assert(t, err == nil)

	assert.Assert(t, jobs[0].Run(context.Background(), discardLogger) == nil)
	assert.Assert(t, jobs[0].Run(context.Background(), discardLogger) == nil)

	assert.Assert(t, queue.Len() == 1)
	assert.Assert(t, client.refreshes == 2)
}

func TestCheckFailsWhenRefreshFails(t *testing.T) {
	client := &fakeWatched{refreshErr: errors.New("resource API down")}

	jobs, err := Jobs([]Watched{client}, "@every 1h", Policy{AutoUpdate: true}, &recordingQueue{}, time.Now())
	assert.Assert(t, err == nil)

	assert.EqualString(t, jobs[0].Run(context.Background(), discardLogger).Error(), "resource API down")
}

func TestJobsRejectsBadSchedule(t *testing.T) {
	_, err := Jobs([]Watched{&fakeWatched{}}, "every hour", Policy{}, &recordingQueue{}, time.Now())
	assert.Assert(t, err != nil)
	assert.Assert(t, strings.HasPrefix(err.Error(), "watch schedule: "))
}

func TestSchedulerTrigger(t *testing.T) {
	now := time.Now()

	ran := make(chan struct{}, 1)

	job, err := NewJob(JobSpec{
		ID:          "check-gi",
		TitleID:     "gi",
		Description: "check gi",
		Schedule:    "@every 1h",
	}, func(ctx context.Context, logger *log.Logger) error {
		ran <- struct{}{}
		return errors.New("offline")
	}, now)
	assert.Assert(t, err == nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan JobSpec, 1)

	scheduler := NewScheduler([]*Job{job}, discardLogger, func(task func(context.Context) error) {
		go func() {
			_ = task(ctx)
		}()
	}, func(spec JobSpec) {
		finished <- spec
	})

	scheduler.Trigger(ctx, "check-gi")

	<-ran
	spec := <-finished

	assert.EqualString(t, spec.LastRun.Error, "offline")
	assert.Assert(t, !spec.Running)

	snapshot := scheduler.Snapshot(ctx)
	assert.Assert(t, len(snapshot) == 1)
	// manual trigger does not consume the scheduled run
	assert.Assert(t, snapshot[0].NextRun.Equal(job.Schedule.Next(now)))
	assert.Assert(t, snapshot[0].NextRun.After(now))
}

var discardLogger = log.New(io.Discard, "", 0)

type fakeWatched struct {
	state      lauclient.State
	refreshErr error
	refreshes  int
}

func (f *fakeWatched) Title() lautypes.Title {
	return lautypes.Title{ID: "gi"}
}

func (f *fakeWatched) Refresh(_ context.Context) error {
	f.refreshes++
	return f.refreshErr
}

func (f *fakeWatched) Snapshot() lauclient.State {
	return f.state
}

func (f *fakeWatched) Update(_ context.Context) *lauprogress.Stream {
	return lauprogress.Failed(errors.New("not expected to run"))
}

func (f *fakeWatched) Predownload(_ context.Context) *lauprogress.Stream {
	return lauprogress.Failed(errors.New("not expected to run"))
}

type recordingQueue struct {
	tasks []lauqueue.Task
}

func (r *recordingQueue) Enqueue(task lauqueue.Task) (*lauqueue.Ticket, error) {
	r.tasks = append(r.tasks, task)
	return nil, nil
}

type nopDisplay struct{}

func (nopDisplay) Show(lauqueue.Task, lauprogress.Event) {}
func (nopDisplay) Reset() {}

package lauwatch

import (
	"context"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/robfig/cron/v3"
)

type LastRun struct {
	Started  time.Time
	Finished time.Time
	Error    string
}

func (l LastRun) Runtime() time.Duration {
	return l.Finished.Sub(l.Started)
}

type JobFn func(ctx context.Context, logger *log.Logger) error

type Job struct {
	Spec     JobSpec
	Run      JobFn
	Schedule cron.Schedule
}

type JobSpec struct {
	ID          string
	TitleID     string
	Description string
	Schedule    string
	NextRun     time.Time
	Running     bool
	LastRun     *LastRun
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

func NewJob(spec JobSpec, run JobFn, now time.Time) (*Job, error) {
	schedule, err := ParseSchedule(spec.Schedule)
	if err != nil {
		return nil, err
	}

	if spec.NextRun.IsZero() {
		spec.NextRun = schedule.Next(now)
	}

	return &Job{
		Spec:     spec,
		Run:      run,
		Schedule: schedule,
	}, nil
}

type snapshotRequest struct {
	result chan []JobSpec
}

type jobResult struct {
	job *Job
	run *LastRun
}

type Scheduler struct {
	snapshotRequest chan *snapshotRequest
	triggerRequest  chan string
	jobFinished     chan *jobResult
	onFinished      func(JobSpec)
	jobLogger       *log.Logger
}

// onFinished (may be nil) is called from the scheduler's goroutine and must not block
func NewScheduler(
	jobs []*Job,
	jobLogger *log.Logger,
	start func(func(context.Context) error),
	onFinished func(JobSpec),
) *Scheduler {
	if onFinished == nil {
		onFinished = func(JobSpec) {}
	}

	s := &Scheduler{
		snapshotRequest: make(chan *snapshotRequest),
		triggerRequest:  make(chan string),
		jobFinished:     make(chan *jobResult, 1),
		onFinished:      onFinished,
		jobLogger:       jobLogger,
	}

	start(func(ctx context.Context) error {
		return s.run(ctx, jobs)
	})

	return s
}

// runs the job now, unless it is already running. does not move its next scheduled run.
func (s *Scheduler) Trigger(ctx context.Context, jobID string) {
	select {
	case s.triggerRequest <- jobID:
	case <-ctx.Done():
	}
}

// atomic snapshot of the scheduler's internal state
func (s *Scheduler) Snapshot(ctx context.Context) []JobSpec {
	result := make(chan []JobSpec, 1)

	select {
	case s.snapshotRequest <- &snapshotRequest{result}:
		return <-result
	case <-ctx.Done():
		return nil
	}
}

// the core runs single-threaded. jobs run in their own goroutines and report back via channels.
func (s *Scheduler) run(ctx context.Context, jobs []*Job) error {
	nextEarliestCh := func() <-chan time.Time {
		if len(jobs) == 0 {
			return nil // blocks forever
		}

		earliest := jobs[0].Spec.NextRun
		for _, job := range jobs {
			if job.Spec.NextRun.Before(earliest) {
				earliest = job.Spec.NextRun
			}
		}

		return time.After(time.Until(earliest))
	}

	makeSnapshot := func() []JobSpec {
		copies := []JobSpec{}

		for _, job := range jobs {
			copies = append(copies, copyJobSpec(job.Spec))
		}

		return copies
	}

	recordJobFinished := func(jr *jobResult) {
		jr.job.Spec.LastRun = jr.run
		jr.job.Spec.Running = false

		s.onFinished(copyJobSpec(jr.job.Spec))
	}

	nextJobBecomesRunnableCh := nextEarliestCh()

	for {
		select {
		case now := <-nextJobBecomesRunnableCh:
			for _, job := range jobs {
				if !job.Spec.NextRun.After(now) {
					job.Spec.NextRun = job.Schedule.Next(now)

					s.startJob(ctx, job)
				}
			}

			nextJobBecomesRunnableCh = nextEarliestCh()
		case req := <-s.snapshotRequest:
			req.result <- makeSnapshot()
		case result := <-s.jobFinished:
			recordJobFinished(result)
		case jobID := <-s.triggerRequest:
			for _, job := range jobs {
				if job.Spec.ID == jobID {
					s.startJob(ctx, job)
					break
				}
			}
		case <-ctx.Done():
			for _, job := range jobs {
				if job.Spec.Running {
					// counts unfinished jobs. the result is not necessarily this job's.
					recordJobFinished(<-s.jobFinished)
				}
			}

			return nil
		}
	}
}

func (s *Scheduler) startJob(ctx context.Context, job *Job) {
	jlog := logex.Prefix("watch/"+job.Spec.Description, s.jobLogger)
	jlogl := logex.Levels(jlog)

	if job.Spec.Running {
		jlogl.Error.Println("previous run still in progress; skipping")
		return
	}

	job.Spec.Running = true

	jlogl.Debug.Println("starting")

	go func() {
		run := &LastRun{Started: time.Now()}

		if err := job.Run(ctx, jlog); err != nil {
			run.Error = err.Error()
		}

		run.Finished = time.Now()

		if run.Error != "" {
			jlogl.Error.Printf("in %s: %s", run.Runtime(), run.Error)
		} else {
			jlogl.Debug.Printf("completed in %s", run.Runtime())
		}

		s.jobFinished <- &jobResult{job, run}
	}()
}

func copyJobSpec(copied JobSpec) JobSpec {
	if copied.LastRun != nil {
		lastRunCopied := *copied.LastRun

		copied.LastRun = &lastRunCopied
	}

	return copied
}

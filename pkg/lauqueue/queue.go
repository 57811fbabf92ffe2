// FIFO queues that run one long operation at a time and feed its progress to a display
package lauqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/taskrunner"
	"github.com/function61/laukaisin/pkg/laudb"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/google/uuid"
)

var ErrStopped = errors.New("queue stopped")

// receives the events of the currently active task
type Display interface {
	Show(task Task, ev lauprogress.Event)
	// the previous operation failed in a way that the session survives
	Reset()
}

type Task struct {
	Title string // title ID, "" for operations that span titles
	Kind  string // "install", "update", ...
	Start func(ctx context.Context) *lauprogress.Stream
}

type Ticket struct {
	ID   string
	done chan struct{}
	err  error
}

// blocks until the task has finished (or was discarded), returning its error
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Ticket) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Ticket) finish(err error) {
	t.err = err
	close(t.done)
}

type queued struct {
	task   Task
	ticket *Ticket
}

type Queue struct {
	name    string
	display Display
	journal laudb.Journal
	logl    *logex.Leveled
	wake    chan struct{}
	mu      sync.Mutex
	pending []queued
	active  *Task
	fatal   error
}

func New(name string, display Display, journal laudb.Journal, logger *log.Logger) *Queue {
	return &Queue{
		name:    name,
		display: display,
		journal: journal,
		logl:    logex.Levels(logex.Prefix(name, logger)),
		wake:    make(chan struct{}, 1),
	}
}

func (q *Queue) Enqueue(task Task) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.fatal != nil {
		return nil, fmt.Errorf("%s: %w: %v", q.name, ErrStopped, q.fatal)
	}

	ticket := &Ticket{
		ID:   uuid.New().String(),
		done: make(chan struct{}),
	}

	q.pending = append(q.pending, queued{task, ticket})

	select {
	case q.wake <- struct{}{}:
	default: // already signalled
	}

	return ticket, nil
}

// error that stopped the queue, nil while it admits work
func (q *Queue) Fatal() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.fatal
}

// number of tasks waiting plus the one running
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active != nil {
		return len(q.pending) + 1
	}

	return len(q.pending)
}

// runs tasks in admission order until ctx is cancelled or a task fails fatally.
// must not be called concurrently.
func (q *Queue) Run(ctx context.Context) error {
	for {
		next, found := q.dequeue()
		if !found {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				q.discardPending(ctx.Err())
				return nil
			}
		}

		err := q.execute(ctx, next)

		q.mu.Lock()
		q.active = nil
		q.mu.Unlock()

		next.ticket.finish(err)

		switch {
		case err == nil:
		case ctx.Err() != nil:
			// cancelled from outside. not the task's fault.
			q.discardPending(ctx.Err())
			return nil
		case lautypes.IsRecoverable(err):
			q.logl.Error.Printf("%s %s: %v (continuing)", next.task.Kind, next.task.Title, err)
			q.display.Reset()
		default:
			q.stop(err)
			return fmt.Errorf("%s %s: %w", next.task.Kind, next.task.Title, err)
		}
	}
}

func (q *Queue) dequeue() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return queued{}, false
	}

	next := q.pending[0]
	q.pending = q.pending[1:]
	q.active = &next.task

	return next, true
}

func (q *Queue) execute(ctx context.Context, item queued) error {
	rec := laudb.OperationRecord{
		ID:      item.ticket.ID,
		Title:   item.task.Title,
		Kind:    item.task.Kind,
		Started: time.Now(),
	}

	q.record(rec)

	q.logl.Info.Printf("%s %s starting", item.task.Kind, item.task.Title)

	err := lauprogress.Drain(item.task.Start(ctx), func(ev lauprogress.Event) {
		q.display.Show(item.task, ev)
	})

	rec.Finished = time.Now()
	if err != nil {
		rec.Error = err.Error()
	}

	q.record(rec)

	if err == nil {
		q.logl.Info.Printf("%s %s completed in %s", item.task.Kind, item.task.Title, rec.Finished.Sub(rec.Started))
	}

	return err
}

// journal is bookkeeping. a failing write must not fail the operation it describes.
func (q *Queue) record(rec laudb.OperationRecord) {
	if q.journal == nil {
		return
	}

	if err := q.journal.RecordOperation(rec); err != nil {
		q.logl.Error.Printf("journal: %v", err)
	}
}

func (q *Queue) stop(err error) {
	q.mu.Lock()
	q.fatal = err
	q.mu.Unlock()

	q.discardPending(fmt.Errorf("%w: %v", ErrStopped, err))
}

func (q *Queue) discardPending(reason error) {
	q.mu.Lock()
	discarded := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, item := range discarded {
		item.ticket.finish(reason)
	}
}

// urgent work (user actions) never waits behind background work (pre-downloads, scheduled updates)
type Pair struct {
	Urgent     *Queue
	Background *Queue
	logger     *log.Logger
}

func NewPair(display Display, journal laudb.Journal, logger *log.Logger) *Pair {
	return &Pair{
		Urgent:     New("urgent", display, journal, logger),
		Background: New("background", display, journal, logger),
		logger:     logger,
	}
}

// a fatal error in either queue stops both
func (p *Pair) Run(ctx context.Context) error {
	tasks := taskrunner.New(ctx, p.logger)

	tasks.Start("urgent", p.Urgent.Run)
	tasks.Start("background", p.Background.Run)

	return tasks.Wait()
}

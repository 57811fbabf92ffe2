// Progress events emitted by long-running operations, and the single-consumer stream that carries them
package lauprogress

import (
	"context"
	"errors"
	"sync"
)

type Kind int

const (
	KindProgress Kind = iota
	KindIndeterminate
	KindStatus
)

// tagged union. inspect Kind before reading the other fields.
type Event struct {
	Kind    Kind
	Percent float64 // KindProgress: 0..100
	Key     StatusKey
	Args    []string
}

func SetProgress(percent float64) Event {
	switch {
	case percent < 0:
		percent = 0
	case percent > 100:
		percent = 100
	}

	return Event{Kind: KindProgress, Percent: percent}
}

// "done / total" as percentage. zero total counts as done.
func SetProgressRatio(done uint64, total uint64) Event {
	if total == 0 {
		return SetProgress(100)
	}

	return SetProgress(float64(done) / float64(total) * 100)
}

func SetIndeterminate() Event {
	return Event{Kind: KindIndeterminate}
}

func SetStatus(key StatusKey, args ...string) Event {
	return Event{Kind: KindStatus, Key: key, Args: args}
}

// blocks until the consumer has taken the event. returns error if the stream was abandoned.
type Emit func(Event) error

type Producer func(ctx context.Context, emit Emit) error

var errStreamAbandoned = errors.New("lauprogress: stream abandoned")

// Stream is a finite, strictly ordered sequence of events with exactly one consumer.
// the producer runs in its own goroutine but cannot get ahead of the consumer: each
// emit() is a rendezvous with Next().
type Stream struct {
	events    chan Event
	done      chan struct{}
	err       error
	consumer  sync.Mutex
	cancel    context.CancelFunc
	abandoned chan struct{}
	abandon   sync.Once
}

func Run(ctx context.Context, produce Producer) *Stream {
	ctx, cancel := context.WithCancel(ctx)

	s := &Stream{
		events:    make(chan Event),
		done:      make(chan struct{}),
		cancel:    cancel,
		abandoned: make(chan struct{}),
	}

	go func() {
		// done closes before events, so Err() is settled by the time Next() reports the end
		defer close(s.events)
		defer close(s.done)
		defer cancel()

		lastPercent := -1.0

		emit := func(ev Event) error {
			select {
			case s.events <- ev:
				if ev.Kind == KindProgress {
					lastPercent = ev.Percent
				}
				return nil
			case <-s.abandoned:
				return errStreamAbandoned
			}
		}

		err := produce(ctx, emit)

		// successful operation never ends mid-percentage
		if err == nil && lastPercent >= 0 && lastPercent < 100 {
			err = emit(SetProgress(100))
		}

		s.err = err
	}()

	return s
}

// stream that immediately fails. for operations that are refused before doing anything.
func Failed(err error) *Stream {
	return Run(context.Background(), func(_ context.Context, _ Emit) error {
		return err
	})
}

// returns false when the sequence has ended. then Err() tells whether it failed.
// calling Next() from two goroutines at once is a programming error and panics.
func (s *Stream) Next() (Event, bool) {
	if !s.consumer.TryLock() {
		panic("lauprogress: Stream has more than one active consumer")
	}
	defer s.consumer.Unlock()

	ev, ok := <-s.events
	return ev, ok
}

// only meaningful after Next() has returned false
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// consumer is no longer interested. producer's context is cancelled and pending emits
// fail. blocks until the producer has returned.
func (s *Stream) Abandon() {
	s.abandon.Do(func() {
		close(s.abandoned)
		s.cancel()
	})

	<-s.done
}

// consumes the whole stream, handing each event to fn (which may be nil)
func Drain(s *Stream, fn func(Event)) error {
	for {
		ev, ok := s.Next()
		if !ok {
			return s.Err()
		}

		if fn != nil {
			fn(ev)
		}
	}
}

// consumes a sub-stream inside a producer, re-emitting its events in order
func Forward(emit Emit, sub *Stream) error {
	for {
		ev, ok := sub.Next()
		if !ok {
			return sub.Err()
		}

		if err := emit(ev); err != nil {
			sub.Abandon()
			return err
		}
	}
}

// collects all events. convenient for tests.
func Collect(s *Stream) ([]Event, error) {
	events := []Event{}
	err := Drain(s, func(ev Event) {
		events = append(events, ev)
	})
	return events, err
}

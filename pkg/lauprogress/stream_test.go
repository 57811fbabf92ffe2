package lauprogress

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestStreamOrderingAndFinal100(t *testing.T) {
	stream := Run(context.Background(), func(ctx context.Context, emit Emit) error {
		if err := emit(SetStatus(Updating)); err != nil {
			return err
		}

		for _, pct := range []float64{10, 20, 55} {
			if err := emit(SetProgress(pct)); err != nil {
				return err
			}
		}

		return nil
	})

	events, err := Collect(stream)
	assert.Assert(t, err == nil)
	assert.EqualString(t, serialize(events), "UPDATING 10.0% 20.0% 55.0% 100.0%")
}

func TestStreamWithoutNumericEventsGetsNo100(t *testing.T) {
	events, err := Collect(Run(context.Background(), func(ctx context.Context, emit Emit) error {
		return emit(SetStatus(Patching))
	}))
	assert.Assert(t, err == nil)
	assert.EqualString(t, serialize(events), "PATCHING")
}

func TestStreamFailure(t *testing.T) {
	events, err := Collect(Run(context.Background(), func(ctx context.Context, emit Emit) error {
		_ = emit(SetStatus(ScanningFiles, "0", "10"))
		_ = emit(SetProgress(40))
		return errors.New("disk on fire")
	}))
	assert.EqualString(t, err.Error(), "disk on fire")
	// no 100% appended on failure
	assert.EqualString(t, serialize(events), "SCANNING_FILES 40.0%")
}

func TestFailed(t *testing.T) {
	events, err := Collect(Failed(errors.New("refused")))
	assert.EqualString(t, err.Error(), "refused")
	assert.Assert(t, len(events) == 0)
}

// producer must not run ahead of the consumer
func TestProducerWaitsForConsumer(t *testing.T) {
	produced := make(chan int, 10)

	stream := Run(context.Background(), func(ctx context.Context, emit Emit) error {
		for i := 0; i < 3; i++ {
			if err := emit(SetStatus(Updating)); err != nil {
				return err
			}
			produced <- i
		}
		return nil
	})

	_, ok := stream.Next()
	assert.Assert(t, ok)
	assert.Assert(t, <-produced == 0)

	// event #1 is blocked in emit() until we pull it
	select {
	case <-produced:
		t.Fatal("producer ran ahead of consumer")
	case <-time.After(50 * time.Millisecond):
	}

	_, _ = stream.Next()
	assert.Assert(t, <-produced == 1)

	assert.Assert(t, Drain(stream, nil) == nil)
}

func TestAbandon(t *testing.T) {
	producerErr := make(chan error, 1)

	stream := Run(context.Background(), func(ctx context.Context, emit Emit) error {
		for {
			if err := emit(SetIndeterminate()); err != nil {
				producerErr <- err
				return err
			}
		}
	})

	_, _ = stream.Next()
	stream.Abandon()

	assert.EqualString(t, (<-producerErr).Error(), "lauprogress: stream abandoned")
}

func TestForward(t *testing.T) {
	events, err := Collect(Run(context.Background(), func(ctx context.Context, emit Emit) error {
		if err := emit(SetStatus(Updating)); err != nil {
			return err
		}

		return Forward(emit, Run(ctx, func(ctx context.Context, emit Emit) error {
			return emit(SetProgress(30))
		}))
	}))
	assert.Assert(t, err == nil)
	// sub-stream's own final 100 is forwarded, parent does not add another
	assert.EqualString(t, serialize(events), "UPDATING 30.0% 100.0%")
}

func TestSecondConsumerPanics(t *testing.T) {
	stream := Run(context.Background(), func(ctx context.Context, emit Emit) error {
		<-ctx.Done()
		return nil
	})
	defer stream.Abandon()

	firstBlocked := make(chan struct{})
	go func() {
		close(firstBlocked)
		stream.Next() // blocks until abandoned
	}()
	<-firstBlocked
	time.Sleep(20 * time.Millisecond)

	defer func() {
		assert.EqualString(t, recover().(string), "lauprogress: Stream has more than one active consumer")
	}()

	stream.Next()
}

func TestFormat(t *testing.T) {
	for _, tc := range []struct {
		input  Event
		output string
	}{
		{SetProgress(42.123), "42.1%"},
		{SetProgress(150), "100.0%"},
		{SetProgressRatio(1, 4), "25.0%"},
		{SetProgressRatio(0, 0), "100.0%"},
		{SetIndeterminate(), "..."},
		{SetStatus(Patching), "Applying patches"},
		{SetStatus(ScanningFiles, "3", "10"), "Checking game files (3 / 10)"},
		{SetStatus(DownloadingFileProgress, "a.zip", "1.00 MiB/s", "5.00 MiB", "10.00 MiB"), "Downloading a.zip (1.00 MiB/s, 5.00 MiB / 10.00 MiB)"},
		{SetStatus(ScanningFiles), "SCANNING_FILES"},            // arg count mismatch
		{SetStatus("NEW_KEY", "x"), "NEW_KEY (x)"},              // unknown key
	} {
		tc := tc // pin
		t.Run(tc.output, func(t *testing.T) {
			assert.EqualString(t, Format(tc.input), tc.output)
		})
	}
}

func serialize(events []Event) string {
	parts := []string{}
	for _, ev := range events {
		switch ev.Kind {
		case KindStatus:
			parts = append(parts, string(ev.Key))
		default:
			parts = append(parts, Format(ev))
		}
	}
	return strings.Join(parts, " ")
}

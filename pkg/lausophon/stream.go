package lausophon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/gorilla/websocket"
)

type OverallProgress struct {
	DownloadedSize uint64  `json:"downloaded_size"`
	TotalSize      uint64  `json:"total_size"`
	OverallPercent float64 `json:"overall_percent"`
	DownloadSpeed  float64 `json:"download_speed"` // bytes/second
	TotalFiles     int     `json:"total_files"`
	CheckedFiles   int     `json:"checked_files"`
	DeletedFiles   int     `json:"deleted_files"`
}

// one frame from the task's WebSocket. fields are populated depending on Type.
type Message struct {
	Type            string           `json:"type"`
	Filename        string           `json:"filename,omitempty"`
	Error           string           `json:"error,omitempty"`
	Message         string           `json:"message,omitempty"`
	RequiresRepair  bool             `json:"requires_repair,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	TotalFiles      int              `json:"total_files,omitempty"`
	TotalSize       uint64           `json:"total_size,omitempty"`
	OverallProgress *OverallProgress `json:"overall_progress,omitempty"`
}

const (
	MsgJobStart  = "job_start"
	MsgJobEnd    = "job_end"
	MsgJobError  = "job_error"
	MsgError     = "error"
	MsgChunk     = "chunk_progress"
	MsgCheckFile = "check_file"
)

// remote reported that the task failed
type TaskFailedError struct {
	TaskID  string
	Message string
}

func (t *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", t.TaskID, t.Message)
}

// lazy, ordered sequence of a task's messages. incoming frames are buffered in memory
// without bound, so a slow consumer never stalls the connection.
type TaskStream struct {
	client *Client
	taskID string

	mu        sync.Mutex
	queue     []Message
	readerErr error         // non-nil once the current connection's reader stopped
	notify    chan struct{} // capacity 1, poked when queue or readerErr changes
	conn      *websocket.Conn

	reconnects int
	finished   bool
	finalErr   error // io.EOF on success
}

// connects to the task's stream. connection failure before the handshake completes is
// returned immediately.
func (c *Client) Stream(ctx context.Context, taskID string) (*TaskStream, error) {
	conn, err := c.dial(ctx, taskID)
	if err != nil {
		return nil, err
	}

	s := &TaskStream{
		client: c,
		taskID: taskID,
		notify: make(chan struct{}, 1),
	}

	s.attach(conn)

	return s, nil
}

func (c *Client) dial(ctx context.Context, taskID string) (*websocket.Conn, error) {
	wsURL := c.websocketURL(taskID)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			err = &RequestError{StatusCode: resp.StatusCode, Err: err}
		}

		return nil, &lautypes.NetworkError{Op: "stream", URL: wsURL, Err: err}
	}

	return conn, nil
}

func (s *TaskStream) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.readerErr = nil
	s.mu.Unlock()

	go s.reader(conn)
}

func (s *TaskStream) reader(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if s.conn == conn { // not replaced by a newer connection
				s.readerErr = err
			}
			s.mu.Unlock()
			s.poke()
			return
		}

		msg := Message{}
		if err := json.Unmarshal(data, &msg); err != nil {
			s.client.logl.Error.Printf("task %s: ignoring undecodable frame: %v", s.taskID, err)
			continue
		}

		s.mu.Lock()
		s.queue = append(s.queue, msg)
		s.mu.Unlock()
		s.poke()
	}
}

func (s *TaskStream) poke() {
	select {
	case s.notify <- struct{}{}:
	default: // already poked
	}
}

// next message in arrival order. returns io.EOF after job_end, TaskFailedError after
// job_error/error, and a NetworkError if the connection dropped and could not be recovered.
func (s *TaskStream) Next(ctx context.Context) (*Message, error) {
	for {
		if s.finished {
			return nil, s.finalErr
		}

		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			switch msg.Type {
			case MsgJobEnd:
				s.finish(io.EOF)
				return nil, io.EOF
			case MsgJobError, MsgError:
				reason := msg.Error
				if reason == "" {
					reason = msg.Message
				}

				err := &TaskFailedError{TaskID: s.taskID, Message: reason}
				s.finish(err)
				return nil, err
			default:
				return &msg, nil
			}
		}

		// queue drained; only now look at connection failure so buffered messages are not lost
		readerErr := s.readerErr
		s.mu.Unlock()

		if readerErr != nil {
			if err := s.recoverFromDrop(ctx, readerErr); err != nil {
				s.finish(err)
				return nil, err
			}
			continue
		}

		if s.reconnects == 0 {
			select {
			case <-s.notify:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		// job_end may have gone out while we were reconnecting, in which case nothing
		// more ever arrives on this connection
		poll := time.NewTimer(s.client.conf.StatusPollInterval)
		select {
		case <-s.notify:
			poll.Stop()
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-poll.C:
			if s.pending() {
				continue
			}

			state, err := s.client.TaskStatus(ctx, s.taskID)
			if err != nil {
				s.client.logl.Error.Printf("task %s: status: %v", s.taskID, err)
				continue
			}

			if err := s.outcome(state); err != nil {
				s.finish(err)
				return nil, err
			}
		}
	}
}

func (s *TaskStream) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue) > 0
}

// nil while the task is still going. io.EOF for success.
func (s *TaskStream) outcome(state *TaskState) error {
	switch state.Status {
	case "completed":
		return io.EOF
	case "failed", "cancelled":
		reason := state.Error
		if reason == "" {
			reason = state.Status
		}
		return &TaskFailedError{TaskID: s.taskID, Message: reason}
	default:
		return nil
	}
}

// connection dropped mid-stream. the task itself may still be fine, so ask the server.
// returns nil if we reconnected, io.EOF if the task had completed.
func (s *TaskStream) recoverFromDrop(ctx context.Context, dropErr error) error {
	// dead connection's reader has already exited
	if err := s.Close(); err != nil {
		s.client.logl.Debug.Printf("task %s: close dropped connection: %v", s.taskID, err)
	}

	backoff := s.client.conf.Backoff

	for s.reconnects < s.client.conf.MaxReconnects {
		s.reconnects++

		delay := backoff.Delay(s.reconnects)

		s.client.logl.Info.Printf(
			"task %s: stream dropped (%v); reconnect attempt %d/%d in %s",
			s.taskID,
			dropErr,
			s.reconnects,
			s.client.conf.MaxReconnects,
			delay)

		if err := backoff.wait(ctx, delay); err != nil {
			return err
		}

		state, err := s.client.TaskStatus(ctx, s.taskID)
		if err != nil {
			s.client.logl.Error.Printf("task %s: status: %v", s.taskID, err)
			continue
		}

		if err := s.outcome(state); err != nil {
			return err
		}

		conn, err := s.client.dial(ctx, s.taskID)
		if err != nil {
			s.client.logl.Error.Printf("task %s: redial: %v", s.taskID, err)
			continue
		}

		s.attach(conn)

		return nil
	}

	return &lautypes.NetworkError{
		Op:  "stream",
		URL: s.client.websocketURL(s.taskID),
		Err: fmt.Errorf("connection lost: %w", dropErr),
	}
}

func (s *TaskStream) finish(err error) {
	s.finished = true
	s.finalErr = err
	ignoreError(s.Close())
}

// closing does not cancel the remote task. use Client.Cancel() for that.
func (s *TaskStream) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Close()
}

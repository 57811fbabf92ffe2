package lausophon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/gorilla/websocket"
)

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()

	for _, tc := range []struct {
		name    string
		random  float64
		attempt int
		expect  time.Duration
	}{
		{"no jitter 1", 0.5, 1, 500 * time.Millisecond},
		{"no jitter 2", 0.5, 2, 1 * time.Second},
		{"no jitter 4", 0.5, 4, 4 * time.Second},
		{"capped", 0.5, 5, 5 * time.Second},
		{"capped far", 0.5, 60, 5 * time.Second},
		{"min jitter", 0, 1, 350 * time.Millisecond},
		{"max jitter", 0.999999999, 2, 1299999999 * time.Nanosecond},
		{"max jitter never exceeds cap", 0.999999999, 4, 5 * time.Second},
		{"attempt zero treated as first", 0.5, 0, 500 * time.Millisecond},
	} {
		tc := tc // pin
		t.Run(tc.name, func(t *testing.T) {
			b.random = func() float64 { return tc.random }

			assert.EqualString(t, b.Delay(tc.attempt).String(), tc.expect.String())
		})
	}
}

func TestWaitHealthyUnreachable(t *testing.T) {
	// start + close to get an address nobody listens on
	srv := httptest.NewServer(http.NotFoundHandler())
	unreachable := srv.URL
	srv.Close()

	delays := []time.Duration{}

	conf := DefaultConfig(unreachable)
	conf.Backoff.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	logs := &strings.Builder{}
	client := New(conf, log.New(logs, "", 0))

	err := client.WaitHealthy(context.Background())

	var netErr *lautypes.NetworkError
	assert.Assert(t, errors.As(err, &netErr))
	assert.Assert(t, strings.Contains(err.Error(), "giving up after 10 attempts"))

	// 10 attempts => 9 sleeps in between
	assert.Assert(t, len(delays) == 9)
	for _, delay := range delays {
		assert.Assert(t, delay <= 5000*time.Millisecond)
	}

	// each retry is logged with attempt count and delay
	assert.Assert(t, strings.Contains(logs.String(), "health check attempt 1/10 failed"))
	assert.Assert(t, strings.Contains(logs.String(), "health check attempt 9/10 failed"))
	assert.Assert(t, !strings.Contains(logs.String(), "attempt 10/10"))
}

func TestWaitHealthyRecovers(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "booting", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]interface{}{"status": "healthy", "timestamp": 1700000000.0})
	}))
	defer srv.Close()

	conf := DefaultConfig(srv.URL)
	conf.Backoff.sleep = func(context.Context, time.Duration) error { return nil }

	assert.Assert(t, New(conf, discardLogger()).WaitHealthy(context.Background()) == nil)
	assert.Assert(t, calls == 3)
}

func TestStartRequestBodiesAndErrors(t *testing.T) {
	bodies := map[string]map[string]interface{}{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies[r.URL.Path] = body

		if r.URL.Path == "/api/repair" {
			http.Error(w, `{"detail":"game not installed"}`, http.StatusBadRequest)
			return
		}

		writeJSON(w, map[string]interface{}{"task_id": "t-1", "status": "started"})
	}))
	defer srv.Close()

	client := New(DefaultConfig(srv.URL), discardLogger())

	taskID, err := client.Start(context.Background(), OperationInstall, StartOptions{
		GameDir:  "/games/genshin",
		Reltype:  "os",
		GameType: "hk4e",
	})
	assert.Assert(t, err == nil)
	assert.EqualString(t, taskID, "t-1")
	assert.EqualString(t, bodies["/api/install"]["install_reltype"].(string), "os")
	assert.EqualString(t, bodies["/api/install"]["gamedir"].(string), "/games/genshin")
	_, hasTempdir := bodies["/api/install"]["tempdir"]
	assert.Assert(t, !hasTempdir)

	_, err = client.Start(context.Background(), OperationUpdate, StartOptions{GameDir: "/g", GameType: "hk4e", Predownload: true})
	assert.Assert(t, err == nil)
	assert.Assert(t, bodies["/api/update"]["predownload"].(bool))

	_, err = client.Start(context.Background(), OperationRepair, StartOptions{GameDir: "/g", GameType: "hk4e"})
	var reqErr *RequestError
	assert.Assert(t, errors.As(err, &reqErr))
	assert.Assert(t, reqErr.StatusCode == http.StatusBadRequest)
	var netErr *lautypes.NetworkError
	assert.Assert(t, errors.As(err, &netErr))
	assert.EqualString(t, bodies["/api/repair"]["repair_mode"].(string), "quick")
}

// scripted remote: each WS connection plays back the next script
type fakeRemote struct {
	scripts     [][]string // raw JSON frames per connection. connection is dropped after the script unless it ends the job
	taskStatus  string
	statuses    []string // answers to consecutive status queries, taskStatus after these run out
	statusCalls int
	// last connection stays open (and silent) after its script, like the real sidecar does
	holdLast bool
	// close handshake after the first script; reports whether the client then hung up
	closeFirst   bool
	clientHungUp chan bool
	connections  int
	cancelled    []string
	mu           sync.Mutex
}

func (f *fakeRemote) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/install", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"task_id": "task-42", "status": "started"})
	})
	mux.HandleFunc("/api/tasks/task-42/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.taskStatus
		if f.statusCalls < len(f.statuses) {
			status = f.statuses[f.statusCalls]
		}
		f.statusCalls++
		f.mu.Unlock()

		writeJSON(w, map[string]interface{}{"task_id": "task-42", "status": status})
	})
	mux.HandleFunc("/api/tasks/task-42", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.cancelled = append(f.cancelled, r.Method)
		f.mu.Unlock()
		writeJSON(w, map[string]interface{}{"status": "cancelled"})
	})
	mux.HandleFunc("/ws/task-42", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		connIdx := f.connections
		script := f.scripts[connIdx]
		f.connections++
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()

		for _, frame := range script {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}

		switch {
		case f.holdLast && connIdx == len(f.scripts)-1:
			// until the client goes away
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		case f.closeFirst && connIdx == 0:
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting"),
				time.Now().Add(time.Second))
			_, _, _ = conn.ReadMessage() // client's close reply

			raw := conn.UnderlyingConn()
			_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, err := raw.Read(make([]byte, 1))

			var netErr net.Error
			f.clientHungUp <- err != nil && !(errors.As(err, &netErr) && netErr.Timeout())
		}
	})

	return mux
}

func newFakeClient(t *testing.T, remote *fakeRemote) (*Client, func()) {
	srv := httptest.NewServer(remote.handler(t))

	conf := DefaultConfig(srv.URL)
	conf.Backoff.sleep = func(context.Context, time.Duration) error { return nil }
	conf.StatusPollInterval = 10 * time.Millisecond

	return New(conf, discardLogger()), srv.Close
}

func TestStreamJobEnd(t *testing.T) {
	remote := &fakeRemote{scripts: [][]string{{
		`{"type":"job_start"}`,
		`{"type":"chunk_progress","filename":"a.pck","overall_progress":{"downloaded_size":512,"total_size":1024,"overall_percent":50,"download_speed":2048}}`,
		`{"type":"check_file","filename":"a.pck","overall_progress":{"total_files":4,"checked_files":1,"overall_percent":25}}`,
		`{"type":"job_end"}`,
	}}}
	client, stop := newFakeClient(t, remote)
	defer stop()

	events, err := lauprogress.Collect(lauprogress.Run(context.Background(), func(ctx context.Context, emit lauprogress.Emit) error {
		return client.RunTask(ctx, OperationInstall, StartOptions{GameDir: "/g", GameType: "hk4e", Reltype: "os"}, emit)
	}))
	assert.Assert(t, err == nil)

	formatted := []string{}
	for _, ev := range events {
		formatted = append(formatted, lauprogress.Format(ev))
	}

	assert.EqualString(t, strings.Join(formatted, " | "), strings.Join([]string{
		"...",
		"Downloading a.pck (2.00 kiB/s, 512 B / 1.00 kiB)",
		"50.0%",
		"Checking game files (1 / 4)",
		"25.0%",
		"100.0%", // appended because the job ended successfully
	}, " | "))
}

func TestStreamJobError(t *testing.T) {
	remote := &fakeRemote{scripts: [][]string{{
		`{"type":"job_start"}`,
		`{"type":"job_error","error":"disk full"}`,
		`{"type":"job_end"}`, // never observed
	}}}
	client, stop := newFakeClient(t, remote)
	defer stop()

	stream, err := client.Stream(context.Background(), "task-42")
	assert.Assert(t, err == nil)

	msg, err := stream.Next(context.Background())
	assert.Assert(t, err == nil)
	assert.EqualString(t, msg.Type, "job_start")

	_, err = stream.Next(context.Background())
	var failed *TaskFailedError
	assert.Assert(t, errors.As(err, &failed))
	assert.EqualString(t, err.Error(), "task task-42 failed: disk full")

	// failure is sticky
	_, err = stream.Next(context.Background())
	assert.Assert(t, errors.As(err, &failed))
}

func TestStreamGenericErrorMessage(t *testing.T) {
	remote := &fakeRemote{scripts: [][]string{{`{"type":"error","message":"bad request"}`}}}
	client, stop := newFakeClient(t, remote)
	defer stop()

	stream, err := client.Stream(context.Background(), "task-42")
	assert.Assert(t, err == nil)

	_, err = stream.Next(context.Background())
	assert.EqualString(t, err.Error(), "task task-42 failed: bad request")
}

func TestStreamBuffersWhileConsumerIsSlow(t *testing.T) {
	frames := []string{}
	for i := 0; i < 500; i++ {
		frames = append(frames, `{"type":"check_file","filename":"f"}`)
	}
	frames = append(frames, `{"type":"job_end"}`)

	remote := &fakeRemote{scripts: [][]string{frames}}
	client, stop := newFakeClient(t, remote)
	defer stop()

	stream, err := client.Stream(context.Background(), "task-42")
	assert.Assert(t, err == nil)

	// let the server write everything and close before we read anything
	time.Sleep(100 * time.Millisecond)

	count := 0
	for {
		_, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		assert.Assert(t, err == nil)
		count++
	}

	// connection closure after job_end is not treated as a drop; nothing was lost
	assert.Assert(t, count == 500)
}

func TestStreamDropTaskCompleted(t *testing.T) {
	remote := &fakeRemote{
		scripts:    [][]string{{`{"type":"job_start"}`}}, // then drops
		taskStatus: "completed",
	}
	client, stop := newFakeClient(t, remote)
	defer stop()

	stream, err := client.Stream(context.Background(), "task-42")
	assert.Assert(t, err == nil)

	_, err = stream.Next(context.Background())
	assert.Assert(t, err == nil)

	_, err = stream.Next(context.Background())
	assert.Assert(t, err == io.EOF)
}

func TestStreamDropReconnects(t *testing.T) {
	remote := &fakeRemote{
		scripts: [][]string{
			{`{"type":"job_start"}`}, // dropped mid-stream
			{`{"type":"check_file"}`, `{"type":"job_end"}`},
		},
		taskStatus: "running",
	}
	client, stop := newFakeClient(t, remote)
	defer stop()

	stream, err := client.Stream(context.Background(), "task-42")
	assert.Assert(t, err == nil)

	types := []string{}
	for {
		msg, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		assert.Assert(t, err == nil)
		types = append(types, msg.Type)
	}

	assert.EqualString(t, strings.Join(types, ","), "job_start,check_file")
	assert.Assert(t, remote.connections == 2)
}

func TestStreamReconnectedIdleStreamNoticesCompletion(t *testing.T) {
	remote := &fakeRemote{
		scripts: [][]string{
			{`{"type":"job_start"}`}, // dropped mid-stream
			{},                       // job_end went out before we got here
		},
		statuses: []string{"running", "completed"},
		holdLast: true,
	}
	client, stop := newFakeClient(t, remote)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Stream(ctx, "task-42")
	assert.Assert(t, err == nil)

	msg, err := stream.Next(ctx)
	assert.Assert(t, err == nil)
	assert.EqualString(t, msg.Type, "job_start")

	_, err = stream.Next(ctx)
	assert.Assert(t, err == io.EOF)

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Assert(t, remote.connections == 2)
	assert.Assert(t, remote.statusCalls == 2)
}

func TestStreamDropClosesOldConnection(t *testing.T) {
	remote := &fakeRemote{
		scripts: [][]string{
			{`{"type":"job_start"}`},
			{`{"type":"job_end"}`},
		},
		taskStatus:   "running",
		closeFirst:   true,
		clientHungUp: make(chan bool, 1),
	}
	client, stop := newFakeClient(t, remote)
	defer stop()

	stream, err := client.Stream(context.Background(), "task-42")
	assert.Assert(t, err == nil)

	_, err = stream.Next(context.Background())
	assert.Assert(t, err == nil)

	_, err = stream.Next(context.Background())
	assert.Assert(t, err == io.EOF)

	select {
	case hungUp := <-remote.clientHungUp:
		assert.Assert(t, hungUp)
	case <-time.After(5 * time.Second):
		t.Fatal("first connection never finished")
	}
}

func TestStreamDropTaskFailed(t *testing.T) {
	remote := &fakeRemote{
		scripts:    [][]string{{}},
		taskStatus: "failed",
	}
	client, stop := newFakeClient(t, remote)
	defer stop()

	stream, err := client.Stream(context.Background(), "task-42")
	assert.Assert(t, err == nil)

	_, err = stream.Next(context.Background())
	var failed *TaskFailedError
	assert.Assert(t, errors.As(err, &failed))
}

func TestStreamHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := New(DefaultConfig(srv.URL), discardLogger()).Stream(context.Background(), "task-42")

	var reqErr *RequestError
	assert.Assert(t, errors.As(err, &reqErr))
	assert.Assert(t, reqErr.StatusCode == http.StatusNotFound)
}

func TestCancel(t *testing.T) {
	remote := &fakeRemote{}
	client, stop := newFakeClient(t, remote)
	defer stop()

	assert.Assert(t, client.Cancel(context.Background(), "task-42") == nil)
	assert.EqualString(t, strings.Join(remote.cancelled, ","), "DELETE")
}

func TestOnlineInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.EqualString(t, r.URL.Path, "/api/game/online_info")
		assert.EqualString(t, r.URL.Query().Get("game"), "hk4e")
		assert.EqualString(t, r.URL.Query().Get("reltype"), "os")

		writeJSON(w, map[string]interface{}{
			"version":            "4.8.0",
			"updatable_versions": []string{"4.7.0", "4.6.0"},
			"release_type":       "os",
			"pre_download":       map[string]interface{}{"version": "5.0.0"},
			"some_future_field":  true,
		})
	}))
	defer srv.Close()

	info, err := New(DefaultConfig(srv.URL), discardLogger()).OnlineInfo(context.Background(), "hk4e", "os")
	assert.Assert(t, err == nil)
	assert.EqualString(t, info.Version, "4.8.0")
	assert.EqualString(t, strings.Join(info.UpdatableVersions, ","), "4.7.0,4.6.0")
	assert.EqualString(t, info.PreDownload.Version, "5.0.0")
}

func TestOnlineInfoServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// sidecar answers failures with 200
		writeJSON(w, map[string]interface{}{"error": "Unsupported game type. Only 'hk4e' is supported."})
	}))
	defer srv.Close()

	_, err := New(DefaultConfig(srv.URL), discardLogger()).OnlineInfo(context.Background(), "hkrpg", "os")

	var netErr *lautypes.NetworkError
	assert.Assert(t, errors.As(err, &netErr))
	assert.EqualString(t, netErr.Op, "online info")
	assert.Assert(t, strings.HasSuffix(err.Error(), "Unsupported game type. Only 'hk4e' is supported."))
}

func TestInstalledInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.EqualString(t, r.URL.Path, "/api/game/installed_info")

		switch r.URL.Query().Get("gamedir") {
		case "/games/genshin":
			writeJSON(w, map[string]interface{}{
				"installed":    true,
				"gamedir":      "/games/genshin",
				"version":      "4.8.0",
				"release_type": "os",
			})
		default:
			writeJSON(w, map[string]interface{}{"error": "config.ini not found", "installed": false})
		}
	}))
	defer srv.Close()

	client := New(DefaultConfig(srv.URL), discardLogger())

	info, err := client.InstalledInfo(context.Background(), "/games/genshin")
	assert.Assert(t, err == nil)
	assert.Assert(t, info.Installed)
	assert.EqualString(t, info.Version, "4.8.0")

	_, err = client.InstalledInfo(context.Background(), "/games/broken")
	var netErr *lautypes.NetworkError
	assert.Assert(t, errors.As(err, &netErr))
	assert.Assert(t, strings.HasSuffix(err.Error(), "config.ini not found"))
}

func TestTaskStatusUnknownTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"error": "Task not found"})
	}))
	defer srv.Close()

	_, err := New(DefaultConfig(srv.URL), discardLogger()).TaskStatus(context.Background(), "nope")
	assert.Assert(t, err != nil)
	assert.Assert(t, strings.HasSuffix(err.Error(), "Task not found"))
}

func TestHealthCheckAcceptsISOTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"status": "healthy", "timestamp": "2026-10-16T12:00:00.000000"})
	}))
	defer srv.Close()

	assert.Assert(t, New(DefaultConfig(srv.URL), discardLogger()).HealthCheck(context.Background()) == nil)
}

func TestToProgressDelete(t *testing.T) {
	events := ToProgress(Message{Type: "delete_file", OverallProgress: &OverallProgress{TotalFiles: 10, DeletedFiles: 3, OverallPercent: 30}})
	assert.Assert(t, len(events) == 2)
	assert.EqualString(t, lauprogress.Format(events[0]), "Deleting obsolete files (3 / 10)")

	assert.Assert(t, ToProgress(Message{Type: "file_download_complete"}) == nil)
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

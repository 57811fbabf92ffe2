package laudownload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lautypes"
)

// fake aria2 JSON-RPC server that plays back a scripted sequence of tellStatus responses
type fakeAria2 struct {
	statuses  []map[string]string
	polls     int
	addUriReq []interface{}
	mu        sync.Mutex
}

func (f *fakeAria2) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req := rpcRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var result interface{}

	switch req.Method {
	case "aria2.addUri":
		f.addUriReq = req.Params
		result = "2089b05ecca3d829"
	case "aria2.tellStatus":
		idx := f.polls
		if idx >= len(f.statuses) {
			idx = len(f.statuses) - 1
		}
		f.polls++
		result = f.statuses[idx]
	case "aria2.getVersion":
		result = map[string]interface{}{"version": "1.37.0"}
	default:
		http.Error(w, "unknown method", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	})
}

func status(st string, completed string, total string, speed string) map[string]string {
	return map[string]string{
		"gid":             "2089b05ecca3d829",
		"status":          st,
		"completedLength": completed,
		"totalLength":     total,
		"downloadSpeed":   speed,
	}
}

func TestDownloadSnapshots(t *testing.T) {
	fake := &fakeAria2{statuses: []map[string]string{
		status("waiting", "0", "0", "0"),
		status("active", "100", "1000", "50"),
		status("active", "600", "1000", "500"),
		status("complete", "1000", "1000", "0"),
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	dl := New(NewAria2(srv.URL, "s3cret"), discardLogger()).WithPollInterval(time.Millisecond)

	snapshots := []string{}
	assert.Assert(t, dl.Download(context.Background(), "https://example.com/game.zip", "/games/tmp/game.zip", func(snap Snapshot) error {
		snapshots = append(snapshots, fmt.Sprintf("%d/%d@%d", snap.Downloaded, snap.Total, snap.Speed))
		return nil
	}) == nil)

	assert.EqualString(t, strings.Join(snapshots, " "), "0/0@0 100/1000@50 600/1000@500 1000/1000@0")

	// token first, then URIs, then options
	assert.EqualString(t, fake.addUriReq[0].(string), "token:s3cret")
	opts := fake.addUriReq[2].(map[string]interface{})
	assert.EqualString(t, opts["max-connection-per-server"].(string), "10")
	assert.EqualString(t, opts["dir"].(string), "/games/tmp")
	assert.EqualString(t, opts["out"].(string), "game.zip")
	assert.EqualString(t, opts["continue"].(string), "true")
}

func TestDownloadDaemonError(t *testing.T) {
	fake := &fakeAria2{statuses: []map[string]string{
		status("active", "100", "1000", "50"),
		{"gid": "2089b05ecca3d829", "status": "error", "errorCode": "3", "errorMessage": "Resource not found"},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	dl := New(NewAria2(srv.URL, ""), discardLogger()).WithPollInterval(time.Millisecond)

	transfer, err := dl.Start(context.Background(), "https://example.com/404.zip", "/tmp/404.zip")
	assert.Assert(t, err == nil)

	snap, err := transfer.Next(context.Background())
	assert.Assert(t, err == nil)
	assert.Assert(t, snap.Downloaded == 100)

	_, err = transfer.Next(context.Background())
	var netErr *lautypes.NetworkError
	assert.Assert(t, errors.As(err, &netErr))
	assert.EqualString(t, err.Error(), "network: download https://example.com/404.zip: daemon reports error (code 3): Resource not found")

	// sequence has terminated
	_, err = transfer.Next(context.Background())
	assert.Assert(t, err == io.EOF)
}

func TestDownloadStreamEndsAt100(t *testing.T) {
	fake := &fakeAria2{statuses: []map[string]string{
		status("active", "0", "0", "0"),
		status("active", "512", "1024", "512"),
		status("complete", "1024", "1024", "0"),
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	dl := New(NewAria2(srv.URL, ""), discardLogger()).WithPollInterval(time.Millisecond)

	events, err := lauprogress.Collect(dl.Stream(context.Background(), "https://example.com/a.zip", "/tmp/a.zip"))
	assert.Assert(t, err == nil)

	formatted := []string{}
	for _, ev := range events {
		formatted = append(formatted, lauprogress.Format(ev))
	}

	assert.EqualString(t, strings.Join(formatted, " | "), strings.Join([]string{
		"Downloading a.zip (0 B/s, 0 B / 0 B)",
		"...",
		"Downloading a.zip (512 B/s, 512 B / 1.00 kiB)",
		"50.0%",
		"Downloading a.zip (0 B/s, 1.00 kiB / 1.00 kiB)",
		"100.0%",
	}, " | "))
}

func TestHandshake(t *testing.T) {
	srv := httptest.NewServer(&fakeAria2{})
	defer srv.Close()

	assert.Assert(t, Handshake(context.Background(), NewAria2(srv.URL, ""), time.Second, discardLogger()) == nil)
}

type neverReady struct{}

func (n *neverReady) GetVersion(ctx context.Context) (string, error) {
	return "", errors.New("connection refused")
}

func TestHandshakeTimeout(t *testing.T) {
	err := Handshake(context.Background(), &neverReady{}, 50*time.Millisecond, discardLogger())

	var spawnErr *lautypes.ProcessSpawnError
	assert.Assert(t, errors.As(err, &spawnErr))

	var timeoutErr *lautypes.TimeoutError
	assert.Assert(t, errors.As(err, &timeoutErr))
	assert.Assert(t, timeoutErr.Timeout == 50*time.Millisecond)
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

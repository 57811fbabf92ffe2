// Client for the remote operation ("Sophon") sidecar: starts install/update/repair tasks
// and streams their progress over a WebSocket
package lausophon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/function61/gokit/ezhttp"
	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/gorilla/websocket"
)

type OperationKind string

const (
	OperationInstall OperationKind = "install"
	OperationRepair  OperationKind = "repair"
	OperationUpdate  OperationKind = "update"
)

const (
	RepairModeQuick    = "quick"
	RepairModeReliable = "reliable"
)

type Config struct {
	BaseURL       string // "http://127.0.0.1:8765"
	HTTPTimeout   time.Duration
	HealthTimeout time.Duration
	Backoff       Backoff
	MaxReconnects int // mid-stream connection drops we try to recover from

	// how often a reconnected, idle stream asks for the task status. job_end may have
	// been sent while we had no connection.
	StatusPollInterval time.Duration
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:            baseURL,
		HTTPTimeout:        ezhttp.DefaultTimeout10s,
		HealthTimeout:      5 * time.Second,
		Backoff:            DefaultBackoff(),
		MaxReconnects:      3,
		StatusPollInterval: 5 * time.Second,
	}
}

type Client struct {
	conf       Config
	httpClient *http.Client
	dialer     *websocket.Dialer
	logl       *logex.Leveled
}

func New(conf Config, logger *log.Logger) *Client {
	if conf.StatusPollInterval <= 0 {
		conf.StatusPollInterval = DefaultConfig(conf.BaseURL).StatusPollInterval
	}

	return &Client{
		conf:       conf,
		httpClient: http.DefaultClient,
		dialer:     websocket.DefaultDialer,
		logl:       logex.Levels(logger),
	}
}

// non-2xx from the remote. always wrapped inside a NetworkError.
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("HTTP %d: %v", r.StatusCode, r.Err)
}

func (r *RequestError) Unwrap() error {
	return r.Err
}

type StartOptions struct {
	GameDir     string
	TempDir     string // install only, optional
	Reltype     string // install only
	GameType    string
	Predownload bool   // update only
	RepairMode  string // repair only
}

type startResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// starts a remote task, returning its ID
func (c *Client) Start(ctx context.Context, kind OperationKind, opts StartOptions) (string, error) {
	body := map[string]interface{}{
		"gamedir":   opts.GameDir,
		"game_type": opts.GameType,
	}

	switch kind {
	case OperationInstall:
		body["install_reltype"] = opts.Reltype
		if opts.TempDir != "" {
			body["tempdir"] = opts.TempDir
		}
	case OperationUpdate:
		body["predownload"] = opts.Predownload
	case OperationRepair:
		mode := opts.RepairMode
		if mode == "" {
			mode = RepairModeQuick
		}
		body["repair_mode"] = mode
	default:
		return "", fmt.Errorf("Start: unsupported operation '%s'", kind)
	}

	ctx, cancel := context.WithTimeout(ctx, c.conf.HTTPTimeout)
	defer cancel()

	endpoint := c.conf.BaseURL + "/api/" + string(kind)

	res := startResponse{}
	if err := c.wrapErr("start "+string(kind), endpoint, func() (*http.Response, error) {
		return ezhttp.Post(
			ctx,
			endpoint,
			ezhttp.SendJson(body),
			ezhttp.RespondsJson(&res, true),
			ezhttp.Client(c.httpClient))
	}); err != nil {
		return "", err
	}

	if res.TaskID == "" {
		return "", &lautypes.NetworkError{Op: "start " + string(kind), URL: endpoint, Err: fmt.Errorf("no task_id in response: %s", res.Message)}
	}

	c.logl.Info.Printf("started %s task %s", kind, res.TaskID)

	return res.TaskID, nil
}

type TaskState struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"` // pending | running | completed | failed | cancelled
	Progress float64 `json:"progress"`
	Error    string  `json:"error"`
}

func (c *Client) TaskStatus(ctx context.Context, taskID string) (*TaskState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.conf.HTTPTimeout)
	defer cancel()

	endpoint := c.conf.BaseURL + "/api/tasks/" + url.PathEscape(taskID) + "/status"

	state := &TaskState{}
	if err := c.wrapErr("task status", endpoint, func() (*http.Response, error) {
		return ezhttp.Get(ctx, endpoint, ezhttp.RespondsJson(state, true), ezhttp.Client(c.httpClient))
	}); err != nil {
		return nil, err
	}

	// unknown task id comes back as 200 with only "error" set
	if state.Status == "" && state.Error != "" {
		return nil, &lautypes.NetworkError{Op: "task status", URL: endpoint, Err: errors.New(state.Error)}
	}

	return state, nil
}

// asks the remote to cancel. the stream may still deliver messages afterwards.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.conf.HTTPTimeout)
	defer cancel()

	endpoint := c.conf.BaseURL + "/api/tasks/" + url.PathEscape(taskID)

	return c.wrapErr("cancel", endpoint, func() (*http.Response, error) {
		return ezhttp.Del(ctx, endpoint, ezhttp.Client(c.httpClient))
	})
}

type PreDownloadInfo struct {
	Version string `json:"version"`
	Size    uint64 `json:"size"`
}

type OnlineInfo struct {
	Version           string           `json:"version"`
	UpdatableVersions []string         `json:"updatable_versions"`
	ReleaseType       string           `json:"release_type"`
	Size              uint64           `json:"size"`
	PreDownload       *PreDownloadInfo `json:"pre_download,omitempty"`
	Error             string           `json:"error,omitempty"`
}

func (c *Client) OnlineInfo(ctx context.Context, game string, reltype string) (*OnlineInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.conf.HTTPTimeout)
	defer cancel()

	endpoint := fmt.Sprintf(
		"%s/api/game/online_info?reltype=%s&game=%s",
		c.conf.BaseURL,
		url.QueryEscape(reltype),
		url.QueryEscape(game))

	info := &OnlineInfo{}
	// intentionally allowing unknown fields to be forward-compatible
	if err := c.wrapErr("online info", endpoint, func() (*http.Response, error) {
		return ezhttp.Get(ctx, endpoint, ezhttp.RespondsJson(info, true), ezhttp.Client(c.httpClient))
	}); err != nil {
		return nil, err
	}

	// the sidecar reports failures as 200 with "error" set
	if info.Error != "" {
		return nil, &lautypes.NetworkError{Op: "online info", URL: endpoint, Err: errors.New(info.Error)}
	}

	return info, nil
}

// the sidecar's own view of an install directory
type InstalledInfo struct {
	Installed   bool   `json:"installed"`
	GameDir     string `json:"gamedir"`
	Version     string `json:"version"`
	ReleaseType string `json:"release_type"`
	Error       string `json:"error,omitempty"`
}

func (c *Client) InstalledInfo(ctx context.Context, gameDir string) (*InstalledInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.conf.HTTPTimeout)
	defer cancel()

	endpoint := c.conf.BaseURL + "/api/game/installed_info?gamedir=" + url.QueryEscape(gameDir)

	info := &InstalledInfo{}
	if err := c.wrapErr("installed info", endpoint, func() (*http.Response, error) {
		return ezhttp.Get(ctx, endpoint, ezhttp.RespondsJson(info, true), ezhttp.Client(c.httpClient))
	}); err != nil {
		return nil, err
	}

	if info.Error != "" {
		return nil, &lautypes.NetworkError{Op: "installed info", URL: endpoint, Err: errors.New(info.Error)}
	}

	return info, nil
}

type healthResponse struct {
	Status string `json:"status"`
}

// single health check, bounded by the health timeout
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.conf.HealthTimeout)
	defer cancel()

	endpoint := c.conf.BaseURL + "/health"

	res := healthResponse{}
	if err := c.wrapErr("health check", endpoint, func() (*http.Response, error) {
		return ezhttp.Get(ctx, endpoint, ezhttp.RespondsJson(&res, true), ezhttp.Client(c.httpClient))
	}); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &lautypes.NetworkError{
				Op:  "health check",
				URL: endpoint,
				Err: &lautypes.TimeoutError{Op: "health check", Timeout: c.conf.HealthTimeout},
			}
		}

		return err
	}

	if res.Status != "healthy" {
		return &lautypes.NetworkError{Op: "health check", URL: endpoint, Err: fmt.Errorf("status '%s'", res.Status)}
	}

	return nil
}

// checks health with exponential backoff + jitter. used before first use, while the
// sidecar may still be booting.
func (c *Client) WaitHealthy(ctx context.Context) error {
	backoff := c.conf.Backoff

	var lastErr error
	for attempt := 1; attempt <= backoff.MaxAttempts; attempt++ {
		lastErr = c.HealthCheck(ctx)
		if lastErr == nil {
			if attempt > 1 {
				c.logl.Info.Printf("healthy after %d attempts", attempt)
			}
			return nil
		}

		if attempt == backoff.MaxAttempts {
			break
		}

		delay := backoff.Delay(attempt)

		c.logl.Info.Printf(
			"health check attempt %d/%d failed: %v; retrying in %s",
			attempt,
			backoff.MaxAttempts,
			lastErr,
			delay)

		if err := backoff.wait(ctx, delay); err != nil {
			return err
		}
	}

	return &lautypes.NetworkError{
		Op:  "health check",
		URL: c.conf.BaseURL + "/health",
		Err: fmt.Errorf("giving up after %d attempts: %w", backoff.MaxAttempts, lastErr),
	}
}

// translates ezhttp's errors into our taxonomy
func (c *Client) wrapErr(op string, endpoint string, do func() (*http.Response, error)) error {
	resp, err := do()
	if err != nil {
		if resp != nil { // got response, but it was non-2xx
			return &lautypes.NetworkError{Op: op, URL: endpoint, Err: &RequestError{StatusCode: resp.StatusCode, Err: err}}
		}

		return &lautypes.NetworkError{Op: op, URL: endpoint, Err: err}
	}

	if resp != nil && resp.Body != nil {
		ignoreError(resp.Body.Close())
	}

	return nil
}

func (c *Client) websocketURL(taskID string) string {
	base := c.conf.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	return base + "/ws/" + url.PathEscape(taskID)
}

func ignoreError(err error) {
	// no-op
}

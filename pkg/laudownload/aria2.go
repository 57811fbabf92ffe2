// Downloads via the aria2 daemon's JSON-RPC interface
package laudownload

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/function61/gokit/ezhttp"
	"github.com/function61/laukaisin/pkg/lautypes"
)

type Options struct {
	MaxConnectionPerServer int
	Dir                    string
	Out                    string // file name, relative to Dir
}

type Status struct {
	GID             string
	Status          string // active | waiting | paused | error | complete | removed
	CompletedLength uint64
	TotalLength     uint64
	DownloadSpeed   uint64
	ErrorCode       string
	ErrorMessage    string
}

// thin client for the handful of aria2 RPC methods we need
type Aria2 struct {
	endpoint   string // "http://127.0.0.1:6800/jsonrpc"
	secret     string
	httpClient *http.Client
	idCounter  uint64
}

func NewAria2(endpoint string, secret string) *Aria2 {
	return &Aria2{
		endpoint:   endpoint,
		secret:     secret,
		httpClient: http.DefaultClient,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *Aria2) AddURI(ctx context.Context, uri string, opts Options) (string, error) {
	rpcOpts := map[string]string{
		"max-connection-per-server": strconv.Itoa(opts.MaxConnectionPerServer),
		"continue":                  "true", // resume partial downloads
	}

	if opts.Dir != "" {
		rpcOpts["dir"] = opts.Dir
	}

	if opts.Out != "" {
		rpcOpts["out"] = opts.Out
	}

	gid := ""
	if err := a.call(ctx, "aria2.addUri", []interface{}{[]string{uri}, rpcOpts}, &gid); err != nil {
		return "", err
	}

	return gid, nil
}

func (a *Aria2) TellStatus(ctx context.Context, gid string) (*Status, error) {
	raw := struct {
		GID             string `json:"gid"`
		Status          string `json:"status"`
		CompletedLength string `json:"completedLength"`
		TotalLength     string `json:"totalLength"`
		DownloadSpeed   string `json:"downloadSpeed"`
		ErrorCode       string `json:"errorCode"`
		ErrorMessage    string `json:"errorMessage"`
	}{}

	if err := a.call(ctx, "aria2.tellStatus", []interface{}{gid}, &raw); err != nil {
		return nil, err
	}

	// aria2 sends numbers as strings
	parse := func(num string) uint64 {
		if num == "" {
			return 0
		}

		n, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}

	return &Status{
		GID:             raw.GID,
		Status:          raw.Status,
		CompletedLength: parse(raw.CompletedLength),
		TotalLength:     parse(raw.TotalLength),
		DownloadSpeed:   parse(raw.DownloadSpeed),
		ErrorCode:       raw.ErrorCode,
		ErrorMessage:    raw.ErrorMessage,
	}, nil
}

func (a *Aria2) GetVersion(ctx context.Context) (string, error) {
	res := struct {
		Version string `json:"version"`
	}{}

	if err := a.call(ctx, "aria2.getVersion", nil, &res); err != nil {
		return "", err
	}

	return res.Version, nil
}

func (a *Aria2) Shutdown(ctx context.Context) error {
	return a.call(ctx, "aria2.shutdown", nil, nil)
}

func (a *Aria2) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if a.secret != "" {
		params = append([]interface{}{"token:" + a.secret}, params...)
	}

	if params == nil {
		params = []interface{}{}
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      strconv.FormatUint(atomic.AddUint64(&a.idCounter, 1), 10),
		Method:  method,
		Params:  params,
	}

	res := rpcResponse{}
	resp, err := ezhttp.Post(
		ctx,
		a.endpoint,
		ezhttp.SendJson(&req),
		ezhttp.RespondsJson(&res, true),
		ezhttp.Client(a.httpClient))
	if err != nil {
		// aria2 responds to RPC-level errors with HTTP 400 + JSON error body. ezhttp has
		// already consumed the body at that point, so we can only report the status.
		if resp != nil {
			return &lautypes.NetworkError{Op: method, URL: a.endpoint, Err: fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)}
		}

		return &lautypes.NetworkError{Op: method, URL: a.endpoint, Err: err}
	}

	if res.Error != nil {
		return &lautypes.NetworkError{Op: method, URL: a.endpoint, Err: fmt.Errorf("aria2 error %d: %s", res.Error.Code, res.Error.Message)}
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(res.Result, result); err != nil {
		return fmt.Errorf("%s: unmarshal result: %w", method, err)
	}

	return nil
}

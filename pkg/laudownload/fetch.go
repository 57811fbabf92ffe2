package laudownload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/ezhttp"
	"github.com/function61/laukaisin/pkg/lautypes"
)

// fetches small files (patch diffs, added files) straight over HTTP, without the daemon.
// the destination never contains a partial file.
type HTTPFetcher struct {
	httpClient *http.Client
}

func NewHTTPFetcher(httpClient *http.Client) *HTTPFetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &HTTPFetcher{httpClient}
}

func (h *HTTPFetcher) Fetch(ctx context.Context, url string, destination string) error {
	res, err := ezhttp.Get(ctx, url, ezhttp.Client(h.httpClient))
	if err != nil {
		if res != nil {
			res.Body.Close()
		}
		return &lautypes.NetworkError{Op: "fetch", URL: url, Err: err}
	}
	defer res.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return &lautypes.FileSystemError{Path: destination, Err: err}
	}

	if err := atomicfilewrite.Write(destination, func(sink io.Writer) error {
		_, err := io.Copy(sink, res.Body)
		return err
	}); err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}

	return nil
}

// Fetch() for payloads large enough to want the daemon's segmented downloading
func (d *Downloader) Fetch(ctx context.Context, uri string, destination string) error {
	return d.Download(ctx, uri, destination, nil)
}

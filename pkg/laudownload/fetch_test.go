package laudownload

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/laukaisin/pkg/lautypes"
)

func TestHTTPFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/patches/UnityPlayer.dll.vcdiff" {
			http.NotFound(w, r)
			return
		}

		_, _ = w.Write([]byte("diff content"))
	}))
	defer server.Close()

	dir := t.TempDir()
	fetcher := NewHTTPFetcher(nil)

	destination := filepath.Join(dir, "sub", "UnityPlayer.dll.vcdiff")

	assert.Assert(t, fetcher.Fetch(context.Background(), server.URL+"/patches/UnityPlayer.dll.vcdiff", destination) == nil)

	content, err := os.ReadFile(destination)
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(content), "diff content")

	missing := filepath.Join(dir, "missing")

	err = fetcher.Fetch(context.Background(), server.URL+"/nope", missing)

	var netErr *lautypes.NetworkError
	assert.Assert(t, errors.As(err, &netErr))
	assert.EqualString(t, netErr.Op, "fetch")

	exists, err := fileexists.Exists(missing)
	assert.Assert(t, err == nil)
	assert.Assert(t, !exists)
}

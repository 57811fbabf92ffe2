package lauresource

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/laukaisin/pkg/laudb"
	"github.com/function61/laukaisin/pkg/lauprogress"
)

func TestEnsureIsIdempotent(t *testing.T) {
	root := t.TempDir()
	store := laudb.NewMemory()
	dl := &fakeDownloader{files: map[string][]byte{
		"https://example.com/a.dll": []byte("a"),
	}}

	provisioner := NewProvisioner(root, store, dl, discardLogger())

	res := Resource{
		Name:    "thing",
		Version: "1.0.0",
		Files:   []File{{URL: "https://example.com/a.dll", Name: "a.dll", SHA256: sha256Hex("a")}},
	}

	assert.Assert(t, provisioner.Ensure(context.Background(), res, discardEmit) == nil)
	assert.Assert(t, len(dl.downloaded) == 1)

	version, err := laudb.KeyInstalledResourceVersion("thing").GetRequired(store)
	assert.Assert(t, err == nil)
	assert.EqualString(t, version, "1.0.0")

	// "v1.0.0" is the same version
	res.Version = "v1.0.0"
	assert.Assert(t, provisioner.Ensure(context.Background(), res, discardEmit) == nil)
	assert.Assert(t, len(dl.downloaded) == 1)

	// deleted file gets re-downloaded
	assert.Assert(t, os.Remove(filepath.Join(root, "thing", "a.dll")) == nil)
	assert.Assert(t, provisioner.Ensure(context.Background(), res, discardEmit) == nil)
	assert.Assert(t, len(dl.downloaded) == 2)
}

func TestEnsureNewVersionReplacesOldFiles(t *testing.T) {
	root := t.TempDir()
	store := laudb.NewMemory()
	dl := &fakeDownloader{files: map[string][]byte{
		"https://example.com/old.dll": []byte("old"),
		"https://example.com/new.dll": []byte("new"),
	}}

	provisioner := NewProvisioner(root, store, dl, discardLogger())

	assert.Assert(t, provisioner.Ensure(context.Background(), Resource{
		Name:    "thing",
		Version: "1.0.0",
		Files:   []File{{URL: "https://example.com/old.dll", Name: "old.dll"}},
	}, discardEmit) == nil)

	assert.Assert(t, provisioner.Ensure(context.Background(), Resource{
		Name:    "thing",
		Version: "1.1.0",
		Files:   []File{{URL: "https://example.com/new.dll", Name: "new.dll"}},
	}, discardEmit) == nil)

	_, err := os.Stat(filepath.Join(root, "thing", "old.dll"))
	assert.Assert(t, os.IsNotExist(err))

	content, err := os.ReadFile(filepath.Join(root, "thing", "new.dll"))
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(content), "new")
}

func TestEnsureChecksumMismatch(t *testing.T) {
	store := laudb.NewMemory()
	dl := &fakeDownloader{files: map[string][]byte{
		"https://example.com/a.dll": []byte("tampered"),
	}}

	err := NewProvisioner(t.TempDir(), store, dl, discardLogger()).Ensure(context.Background(), Resource{
		Name:    "thing",
		Version: "1.0.0",
		Files:   []File{{URL: "https://example.com/a.dll", Name: "a.dll", SHA256: sha256Hex("a")}},
	}, discardEmit)
	assert.Assert(t, err != nil)

	installed, err := laudb.KeyInstalledResourceVersion("thing").IsSet(store)
	assert.Assert(t, err == nil)
	assert.Assert(t, !installed)
}

func TestEnsureExtracts(t *testing.T) {
	root := t.TempDir()

	zipped := &bytes.Buffer{}
	archive := zip.NewWriter(zipped)
	w, err := archive.Create("jadeite.exe")
	assert.Assert(t, err == nil)
	_, _ = w.Write([]byte("jadeite"))
	assert.Assert(t, archive.Close() == nil)

	dl := &fakeDownloader{files: map[string][]byte{
		Jadeite.Files[0].URL: zipped.Bytes(),
	}}

	events, err := lauprogress.Collect(lauprogress.Run(context.Background(), func(ctx context.Context, emit lauprogress.Emit) error {
		return NewProvisioner(root, laudb.NewMemory(), dl, discardLogger()).Ensure(ctx, Jadeite, emit)
	}))
	assert.Assert(t, err == nil)
	assert.EqualString(t, lauprogress.Format(events[0]), "Downloading jadeite")

	content, err := os.ReadFile(filepath.Join(root, "jadeite", "jadeite.exe"))
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(content), "jadeite")

	_, err = os.Stat(filepath.Join(root, "jadeite", "archive.zip"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestCatalogOverrides(t *testing.T) {
	catalog := Catalog([]Resource{{Name: "dxvk", Version: "2.3.0"}})

	assert.EqualString(t, catalog["dxvk"].Version, "2.3.0")
	assert.EqualString(t, catalog["moltenvk"].Version, "1.2.2")
}

type fakeDownloader struct {
	files      map[string][]byte
	downloaded []string
}

func (f *fakeDownloader) DownloadWithProgress(ctx context.Context, uri string, destination string, emit lauprogress.Emit) error {
	f.downloaded = append(f.downloaded, uri)

	return os.WriteFile(destination, f.files[uri], 0644)
}

func sha256Hex(content string) string {
	digest := sha256.Sum256([]byte(content))
	return hex.EncodeToString(digest[:])
}

func discardEmit(lauprogress.Event) error {
	return nil
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// Versioned on-demand runtime resources (DXVK, MoltenVK, ..) that launching depends on
package lauresource

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/hashverifyreader"
	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/lauarchive"
	"github.com/function61/laukaisin/pkg/laudb"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/minio/sha256-simd"
)

type File struct {
	URL    string `json:"url"`
	Name   string `json:"name"`             // relative to the resource's dir
	SHA256 string `json:"sha256,omitempty"` // hex. verified if given.
	// archive is extracted into the resource's dir and then removed
	Extract bool `json:"extract,omitempty"`
}

type Resource struct {
	Name    string `json:"name"` // also the dir name
	Version string `json:"version"`
	Files   []File `json:"files"`
}

// *laudownload.Downloader implements this
type Downloader interface {
	DownloadWithProgress(ctx context.Context, uri string, destination string, emit lauprogress.Emit) error
}

type Provisioner struct {
	root  string
	store laudb.Store
	dl    Downloader
	logl  *logex.Leveled
}

func NewProvisioner(root string, store laudb.Store, dl Downloader, logger *log.Logger) *Provisioner {
	return &Provisioner{
		root:  root,
		store: store,
		dl:    dl,
		logl:  logex.Levels(logger),
	}
}

func (p *Provisioner) Dir(res Resource) string {
	return filepath.Join(p.root, res.Name)
}

// no-op if this version is already installed and its files are in place
func (p *Provisioner) Ensure(ctx context.Context, res Resource, emit lauprogress.Emit) error {
	upToDate, err := p.IsInstalled(res)
	if err != nil {
		return err
	}
	if upToDate {
		return nil
	}

	dir := p.Dir(res)

	p.logl.Info.Printf("installing %s %s to %s", res.Name, res.Version, dir)

	// files of other versions must not linger
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	for _, file := range res.Files {
		dest := filepath.Join(dir, filepath.FromSlash(file.Name))

		if err := emit(lauprogress.SetStatus(lauprogress.DownloadingEnvironment, res.Name)); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}

		if err := p.dl.DownloadWithProgress(ctx, file.URL, dest, emit); err != nil {
			return err
		}

		if file.SHA256 != "" {
			if err := verifySha256(dest, file.SHA256); err != nil {
				return fmt.Errorf("%s: %w", res.Name, err)
			}
		}

		if file.Extract {
			if err := emit(lauprogress.SetStatus(lauprogress.ExtractEnvironment, res.Name)); err != nil {
				return err
			}

			if err := lauarchive.ExtractWithProgress(ctx, []string{dest}, dir, emit); err != nil {
				return fmt.Errorf("%s: %w", res.Name, err)
			}

			if err := os.Remove(dest); err != nil {
				return err
			}
		}
	}

	return laudb.KeyInstalledResourceVersion(res.Name).Set(res.Version, p.store)
}

func (p *Provisioner) IsInstalled(res Resource) (bool, error) {
	installed, err := laudb.KeyInstalledResourceVersion(res.Name).GetOptional(p.store)
	if err != nil || installed == "" {
		return false, err
	}

	if !sameVersion(installed, res.Version) {
		return false, nil
	}

	// extracted archives don't leave their own name behind
	for _, file := range res.Files {
		if file.Extract {
			continue
		}

		exists, err := fileexists.Exists(filepath.Join(p.Dir(res), filepath.FromSlash(file.Name)))
		if err != nil || !exists {
			return false, err
		}
	}

	return true, nil
}

// semver equality ("1.2.2" == "v1.2.2"), falling back to exact match for non-semver versions
func sameVersion(a string, b string) bool {
	aVer, errA := semver.NewVersion(a)
	bVer, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return a == b
	}

	return aVer.Equal(bVer)
}

func verifySha256(path string, expectedHex string) error {
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return fmt.Errorf("bad sha256 '%s': %w", expectedHex, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := io.Copy(io.Discard, hashverifyreader.New(file, sha256.New(), expected)); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	return nil
}

// Extracts downloaded game payloads (zip, tar.zst, rar), including multi-part archives
package lauarchive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/klauspost/compress/zstd"
	"github.com/nwaples/rardecode"
)

type Format string

const (
	FormatZip     Format = "zip"
	FormatTarZstd Format = "tar.zst"
	FormatRar     Format = "rar"
)

// "game.zip.001" => "game.zip"
var partSuffixRe = regexp.MustCompile(`\.\d{3}$`)

func DetectFormat(name string) (Format, error) {
	lower := strings.ToLower(partSuffixRe.ReplaceAllString(name, ""))

	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return FormatTarZstd, nil
	case strings.HasSuffix(lower, ".rar"):
		return FormatRar, nil
	default:
		return "", fmt.Errorf("unsupported archive format: %s", name)
	}
}

// called after each extracted file. total is 0 if the format doesn't tell it up front.
type ProgressFunc func(extracted int, total int) error

// extracts the archive that parts make up (in order) into destDir. multi-part zip and tar.zst
// parts are plain byte-level splits, rar parts are volumes.
func Extract(ctx context.Context, parts []string, destDir string, onProgress ProgressFunc) error {
	if len(parts) == 0 {
		return errors.New("Extract: no archive parts")
	}

	if onProgress == nil {
		onProgress = func(int, int) error { return nil }
	}

	format, err := DetectFormat(parts[0])
	if err != nil {
		return err
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}

	x := &extractor{ctx: ctx, destDir: destDir, onProgress: onProgress}

	switch format {
	case FormatZip:
		return x.zip(parts)
	case FormatTarZstd:
		return x.tarZstd(parts)
	case FormatRar:
		return x.rar(parts[0])
	default:
		return fmt.Errorf("Extract: unhandled format %s", format)
	}
}

// Extract() that reports DECOMPRESS_FILE_PROGRESS + percentage
func ExtractWithProgress(ctx context.Context, parts []string, destDir string, emit lauprogress.Emit) error {
	if len(parts) == 0 {
		return errors.New("ExtractWithProgress: no archive parts")
	}

	if err := emit(lauprogress.SetStatus(lauprogress.DecompressFileProgress, filepath.Base(parts[0]))); err != nil {
		return err
	}

	if err := emit(lauprogress.SetIndeterminate()); err != nil {
		return err
	}

	return Extract(ctx, parts, destDir, func(extracted int, total int) error {
		if total == 0 {
			return nil
		}

		return emit(lauprogress.SetProgressRatio(uint64(extracted), uint64(total)))
	})
}

type extractor struct {
	ctx        context.Context
	destDir    string
	onProgress ProgressFunc
	extracted  int
}

func (x *extractor) zip(parts []string) error {
	readerAt, size, closeAll, err := openParts(parts)
	if err != nil {
		return err
	}
	defer closeAll()

	archive, err := zip.NewReader(readerAt, size)
	if err != nil {
		return fmt.Errorf("zip: %w", err)
	}

	for _, file := range archive.File {
		if file.FileInfo().IsDir() {
			if err := x.mkdir(file.Name); err != nil {
				return err
			}
			continue
		}

		if err := x.file(file.Name, file.Mode(), func() (io.ReadCloser, error) {
			return file.Open()
		}, len(archive.File)); err != nil {
			return err
		}
	}

	return nil
}

func (x *extractor) tarZstd(parts []string) error {
	files := []*os.File{}
	defer func() {
		for _, file := range files {
			file.Close()
		}
	}()

	readers := []io.Reader{}
	for _, part := range parts {
		file, err := os.Open(part)
		if err != nil {
			return err
		}
		files = append(files, file)
		readers = append(readers, file)
	}

	decompressed, err := zstd.NewReader(io.MultiReader(readers...))
	if err != nil {
		return fmt.Errorf("zstd: %w", err)
	}
	defer decompressed.Close()

	archive := tar.NewReader(decompressed)

	for {
		header, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}

			return fmt.Errorf("tar: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := x.mkdir(header.Name); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := x.file(header.Name, header.FileInfo().Mode(), func() (io.ReadCloser, error) {
				return io.NopCloser(archive), nil
			}, 0); err != nil {
				return err
			}
		default: // links etc. are never part of game payloads
			return fmt.Errorf("tar: %s: unsupported entry type %c", header.Name, header.Typeflag)
		}
	}
}

// for multi-volume archives the library finds the following volumes by name
func (x *extractor) rar(firstVolume string) error {
	archive, err := rardecode.OpenReader(firstVolume, "")
	if err != nil {
		return fmt.Errorf("rardecode: %w", err)
	}
	defer archive.Close()

	for {
		header, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}

			return fmt.Errorf("rardecode: %w", err)
		}

		if header.IsDir {
			if err := x.mkdir(header.Name); err != nil {
				return err
			}
			continue
		}

		if err := x.file(header.Name, header.Mode(), func() (io.ReadCloser, error) {
			return io.NopCloser(archive), nil
		}, 0); err != nil {
			return err
		}
	}
}

func (x *extractor) mkdir(name string) error {
	path, err := safeJoin(x.destDir, name)
	if err != nil {
		return err
	}

	return os.MkdirAll(path, 0755)
}

func (x *extractor) file(name string, mode os.FileMode, open func() (io.ReadCloser, error), total int) error {
	if err := x.ctx.Err(); err != nil {
		return err
	}

	path, err := safeJoin(x.destDir, name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	content, err := open()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer content.Close()

	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}

	// O_TRUNC because updates overwrite existing game files
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, content); err != nil {
		out.Close()
		return fmt.Errorf("%s: %w", name, err)
	}

	if err := out.Close(); err != nil {
		return err
	}

	x.extracted++

	return x.onProgress(x.extracted, total)
}

// archive entry names are untrusted
func safeJoin(destDir string, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(name, "\\", "/")))

	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}

	return filepath.Join(destDir, cleaned), nil
}

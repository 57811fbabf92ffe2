package lauclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/laukaisin/pkg/lauarchive"
	"github.com/function61/laukaisin/pkg/laudb"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lautypes"
)

// manifests that update archives carry at their root
const (
	deleteFilesManifest = "deletefiles.txt"
	hdiffMapManifest    = "hdiffmap.json"
	hdiffFilesManifest  = "hdifffiles.txt" // older archives
)

// voice pack language => the name its pkg_version file uses
var voicePackNames = map[string]string{
	"zh-cn": "Chinese",
	"en-us": "English(US)",
	"ja-jp": "Japanese",
	"ko-kr": "Korean",
}

func (c *Client) updatePackage(
	ctx context.Context,
	installDir string,
	version string,
	remote *RemoteInfo,
	emit lauprogress.Emit,
) error {
	diff, found := remote.DiffFrom(version)
	if !found {
		return fmt.Errorf("no update package from version %s", version)
	}

	archives, err := archivesFor(installDir, diff)
	if err != nil {
		return err
	}

	tmpDir := c.downloadTmpDir(installDir)

	for _, archiveURL := range archives {
		if err := c.downloadUnlessPredownloaded(ctx, archiveURL, filepath.Join(tmpDir, urlBasename(archiveURL)), emit); err != nil {
			return err
		}
	}

	// voice packs carry their own manifests, so each archive is applied fully before the next
	for _, archiveURL := range archives {
		local := filepath.Join(tmpDir, urlBasename(archiveURL))

		if err := lauarchive.ExtractWithProgress(ctx, []string{local}, installDir, emit); err != nil {
			return err
		}

		if err := applyDeleteFiles(installDir, emit); err != nil {
			return err
		}

		if err := c.applyHdiffs(ctx, installDir, emit); err != nil {
			return err
		}

		if err := os.Remove(local); err != nil {
			return &lautypes.FileSystemError{Path: local, Err: err}
		}
	}

	return writeGameConfig(installDir, gameConfigFor(c.title, remote.Version))
}

func (c *Client) predownloadPackage(
	ctx context.Context,
	installDir string,
	version string,
	remote *RemoteInfo,
	emit lauprogress.Emit,
) error {
	if remote.PreDownload == nil {
		return ErrPredownloadUnavailable
	}

	diff, found := remote.PreDownload.DiffFrom(version)
	if !found {
		return fmt.Errorf("no pre-download package from version %s", version)
	}

	archives, err := archivesFor(installDir, diff)
	if err != nil {
		return err
	}

	tmpDir := c.downloadTmpDir(installDir)

	for _, archiveURL := range archives {
		if err := c.deps.Downloader.DownloadWithProgress(ctx, archiveURL, filepath.Join(tmpDir, urlBasename(archiveURL)), emit); err != nil {
			return err
		}

		if err := laudb.KeyPredownloaded(archiveURL).Set("1", c.store); err != nil {
			return err
		}
	}

	return nil
}

// the update then only needs to apply. the marker is consumed either way, so a failed
// update re-downloads instead of trusting a file that may be the reason it failed.
func (c *Client) downloadUnlessPredownloaded(ctx context.Context, archiveURL string, local string, emit lauprogress.Emit) error {
	marker := laudb.KeyPredownloaded(archiveURL)
	defer func() {
		if err := marker.Delete(c.store); err != nil {
			c.logl.Error.Printf("forget pre-download of %s: %v", archiveURL, err)
		}
	}()

	predownloaded, err := marker.IsSet(c.store)
	if err != nil {
		return err
	}

	exists, err := fileexists.Exists(local)
	if err != nil {
		return err
	}

	if predownloaded && exists {
		c.logl.Info.Printf("using pre-downloaded %s", local)
		return nil
	}

	return c.deps.Downloader.DownloadWithProgress(ctx, archiveURL, local, emit)
}

func (c *Client) predownloadAvailable(st State, remote *RemoteInfo) (bool, error) {
	pre := remote.PreDownload
	if pre == nil || !st.Installed {
		return false, nil
	}

	cmp, err := compareVersions(pre.Version, st.Version)
	if err != nil || cmp <= 0 {
		return false, nil
	}

	switch c.title.Backend {
	case lautypes.BackendSophon:
		done, err := laudb.KeyPredownloadedAll.IsSet(c.store)
		return !done, err
	case lautypes.BackendPackage:
		diff, found := pre.DiffFrom(st.Version)
		if !found {
			return false, nil
		}

		archives, err := archivesFor(st.InstallDir, diff)
		if err != nil {
			return false, err
		}

		for _, archiveURL := range archives {
			done, err := laudb.KeyPredownloaded(archiveURL).IsSet(c.store)
			if err != nil {
				return false, err
			}

			if !done {
				return true, nil
			}
		}

		return false, nil
	default:
		return false, nil
	}
}

// game archive + the voice packs that are installed
func archivesFor(installDir string, diff Diff) ([]string, error) {
	archives := []string{diff.URL}

	for _, pkg := range diff.AudioPkgs {
		name, known := voicePackNames[pkg.Language]
		if !known {
			continue
		}

		installed, err := fileexists.Exists(filepath.Join(installDir, fmt.Sprintf("Audio_%s_pkg_version", name)))
		if err != nil {
			return nil, err
		}

		if installed {
			archives = append(archives, pkg.URL)
		}
	}

	return archives, nil
}

func applyDeleteFiles(installDir string, emit lauprogress.Emit) error {
	manifestPath := filepath.Join(installDir, deleteFilesManifest)

	names, err := readLines(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	total := strconv.Itoa(len(names))

	for i, name := range names {
		target, err := installPath(installDir, name)
		if err != nil {
			return err
		}

		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return &lautypes.FileSystemError{Path: target, Err: err}
		}

		if err := emit(lauprogress.SetStatus(lauprogress.DeletingFiles, strconv.Itoa(i+1), total)); err != nil {
			return err
		}
	}

	return os.Remove(manifestPath)
}

type hdiffMap struct {
	DiffMap []struct {
		SourceFileName string `json:"source_file_name"`
		TargetFileName string `json:"target_file_name"`
		PatchFileName  string `json:"patch_file_name"`
	} `json:"diff_map"`
}

type hdiffPatch struct {
	source string
	patch  string
	target string
}

func (c *Client) applyHdiffs(ctx context.Context, installDir string, emit lauprogress.Emit) error {
	patches, manifests, err := readHdiffManifests(installDir)
	if err != nil {
		return err
	}

	for i, patch := range patches {
		if err := c.applyHdiff(ctx, installDir, patch); err != nil {
			return err
		}

		if err := emit(lauprogress.SetProgressRatio(uint64(i+1), uint64(len(patches)))); err != nil {
			return err
		}
	}

	for _, manifest := range manifests {
		if err := os.Remove(manifest); err != nil {
			return &lautypes.FileSystemError{Path: manifest, Err: err}
		}
	}

	return nil
}

// the patched output goes to a temp name first, because source and target are usually
// the same file. a renamed source is left for deletefiles.txt to clean up.
func (c *Client) applyHdiff(ctx context.Context, installDir string, patch hdiffPatch) error {
	source, err := installPath(installDir, patch.source)
	if err != nil {
		return err
	}

	patchFile, err := installPath(installDir, patch.patch)
	if err != nil {
		return err
	}

	target, err := installPath(installDir, patch.target)
	if err != nil {
		return err
	}

	patched := target + ".patched"

	if err := c.deps.Hpatchz.Apply(ctx, source, patchFile, patched); err != nil {
		return fmt.Errorf("hdiff %s: %w", patch.target, err)
	}

	if err := os.Rename(patched, target); err != nil {
		return &lautypes.FileSystemError{Path: target, Err: err}
	}

	if err := os.Remove(patchFile); err != nil {
		return &lautypes.FileSystemError{Path: patchFile, Err: err}
	}

	return nil
}

func readHdiffManifests(installDir string) ([]hdiffPatch, []string, error) {
	patches := []hdiffPatch{}
	manifests := []string{}

	mapPath := filepath.Join(installDir, hdiffMapManifest)
	hasMap, err := fileexists.Exists(mapPath)
	if err != nil {
		return nil, nil, err
	}

	if hasMap {
		diffMap := hdiffMap{}
		if err := jsonfile.Read(mapPath, &diffMap, false); err != nil {
			return nil, nil, err
		}

		for _, entry := range diffMap.DiffMap {
			patches = append(patches, hdiffPatch{
				source: entry.SourceFileName,
				patch:  entry.PatchFileName,
				target: entry.TargetFileName,
			})
		}

		manifests = append(manifests, mapPath)
	}

	// one JSON object per line: {"remoteName": "GenshinImpact_Data/..."}
	filesPath := filepath.Join(installDir, hdiffFilesManifest)
	lines, err := readLines(filesPath)
	switch {
	case err == nil:
		for i, line := range lines {
			entry := struct {
				RemoteName string `json:"remoteName"`
			}{}
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				return nil, nil, fmt.Errorf("%s: line %d: %w", hdiffFilesManifest, i+1, err)
			}

			patches = append(patches, hdiffPatch{
				source: entry.RemoteName,
				patch:  entry.RemoteName + ".hdiff",
				target: entry.RemoteName,
			})
		}

		manifests = append(manifests, filesPath)
	case !os.IsNotExist(err):
		return nil, nil, err
	}

	return patches, manifests, nil
}

// non-empty lines, trimmed
func readLines(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	lines := []string{}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	return lines, scanner.Err()
}

// manifests come from the network. refuse names that would land outside the install dir.
func installPath(installDir string, name string) (string, error) {
	return lautypes.JoinInside(installDir, name)
}

func urlBasename(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		return path.Base(parsed.Path)
	}

	return path.Base(rawURL)
}

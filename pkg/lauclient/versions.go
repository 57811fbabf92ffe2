package lauclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/function61/gokit/ezhttp"
	"github.com/function61/laukaisin/pkg/lausophon"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/samber/lo"
)

// incremental update from one specific version to the latest
type Diff struct {
	FromVersion string
	URL         string
	Size        uint64
	AudioPkgs   []AudioPkg
}

type AudioPkg struct {
	Language string // "en-us" | "ja-jp" | ...
	URL      string
}

type PreDownload struct {
	Version string
	Diffs   []Diff // package backend only
}

// what the server currently offers for a title
type RemoteInfo struct {
	Version string
	Size    uint64 // full install, compressed
	// full install archive parts, in order (package backend only)
	Segments []string
	// base URL that has the loose files listed in pkg_version (package backend only)
	ResourceBase string
	Diffs        []Diff   // package backend only
	Updatable    []string // versions that have an update path to Version
	PreDownload  *PreDownload
}

func (r *RemoteInfo) CanUpdateFrom(version string) bool {
	return lo.ContainsBy(r.Updatable, func(updatable string) bool {
		return versionsEqual(updatable, version)
	})
}

func (r *RemoteInfo) DiffFrom(version string) (Diff, bool) {
	return lo.Find(r.Diffs, func(diff Diff) bool {
		return versionsEqual(diff.FromVersion, version)
	})
}

func (p *PreDownload) DiffFrom(version string) (Diff, bool) {
	return lo.Find(p.Diffs, func(diff Diff) bool {
		return versionsEqual(diff.FromVersion, version)
	})
}

type VersionSource interface {
	Latest(ctx context.Context) (*RemoteInfo, error)
}

// *lausophon.Client implements this
type OnlineInfoGetter interface {
	OnlineInfo(ctx context.Context, game string, reltype string) (*lausophon.OnlineInfo, error)
}

type sophonVersions struct {
	api    OnlineInfoGetter
	target lautypes.SophonTarget
}

func SophonVersions(api OnlineInfoGetter, target lautypes.SophonTarget) VersionSource {
	return &sophonVersions{api, target}
}

func (s *sophonVersions) Latest(ctx context.Context) (*RemoteInfo, error) {
	info, err := s.api.OnlineInfo(ctx, s.target.Game, s.target.Reltype)
	if err != nil {
		return nil, err
	}

	if info.Version == "" {
		return nil, fmt.Errorf("online info for %s/%s: server reported no version", s.target.Game, s.target.Reltype)
	}

	remote := &RemoteInfo{
		Version:   info.Version,
		Size:      info.Size,
		Updatable: info.UpdatableVersions,
	}

	if info.PreDownload != nil && info.PreDownload.Version != "" {
		remote.PreDownload = &PreDownload{Version: info.PreDownload.Version}
	}

	return remote, nil
}

// JSON resource API of the package backend. sizes come as strings or numbers depending
// on the API generation, hence json.Number.
type resourceResponse struct {
	Retcode int    `json:"retcode"`
	Message string `json:"message"`
	Data    struct {
		Game            resourceGame  `json:"game"`
		PreDownloadGame *resourceGame `json:"pre_download_game"`
	} `json:"data"`
}

type resourceGame struct {
	Latest struct {
		Version          string         `json:"version"`
		Size             json.Number    `json:"size"`
		Path             string         `json:"path"`
		MD5              string         `json:"md5"`
		DecompressedPath string         `json:"decompressed_path"`
		Segments         []resourceFile `json:"segments"`
	} `json:"latest"`
	Diffs []resourceDiff `json:"diffs"`
}

type resourceDiff struct {
	Version    string         `json:"version"`
	Path       string         `json:"path"`
	Size       json.Number    `json:"size"`
	MD5        string         `json:"md5"`
	VoicePacks []resourceFile `json:"voice_packs"`
}

type resourceFile struct {
	Path     string `json:"path"`
	MD5      string `json:"md5"`
	Language string `json:"language"` // voice packs only
}

type packageVersions struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
}

func PackageVersions(resourceURL string, httpClient *http.Client, timeout time.Duration) VersionSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &packageVersions{resourceURL, httpClient, timeout}
}

func (p *packageVersions) Latest(ctx context.Context) (*RemoteInfo, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	res := resourceResponse{}
	httpRes, err := ezhttp.Get(ctx, p.url, ezhttp.RespondsJson(&res, true), ezhttp.Client(p.httpClient))
	if err != nil {
		if httpRes != nil {
			httpRes.Body.Close()
		}
		return nil, &lautypes.NetworkError{Op: "resource info", URL: p.url, Err: err}
	}

	if res.Retcode != 0 {
		return nil, &lautypes.NetworkError{
			Op:  "resource info",
			URL: p.url,
			Err: fmt.Errorf("retcode %d: %s", res.Retcode, res.Message),
		}
	}

	return res.toRemoteInfo()
}

func (r *resourceResponse) toRemoteInfo() (*RemoteInfo, error) {
	latest := r.Data.Game.Latest
	if latest.Version == "" {
		return nil, fmt.Errorf("resource info: no latest version")
	}

	size, err := parseSize(latest.Size)
	if err != nil {
		return nil, fmt.Errorf("resource info: latest: %w", err)
	}

	segments := lo.Map(latest.Segments, func(segment resourceFile, _ int) string {
		return segment.Path
	})
	if len(segments) == 0 && latest.Path != "" {
		segments = []string{latest.Path}
	}

	diffs, err := toDiffs(r.Data.Game.Diffs)
	if err != nil {
		return nil, err
	}

	remote := &RemoteInfo{
		Version:      latest.Version,
		Size:         size,
		Segments:     segments,
		ResourceBase: latest.DecompressedPath,
		Diffs:        diffs,
		Updatable: lo.Map(diffs, func(diff Diff, _ int) string {
			return diff.FromVersion
		}),
	}

	if pre := r.Data.PreDownloadGame; pre != nil && pre.Latest.Version != "" {
		preDiffs, err := toDiffs(pre.Diffs)
		if err != nil {
			return nil, err
		}

		remote.PreDownload = &PreDownload{
			Version: pre.Latest.Version,
			Diffs:   preDiffs,
		}
	}

	return remote, nil
}

func toDiffs(resDiffs []resourceDiff) ([]Diff, error) {
	diffs := []Diff{}
	for _, resDiff := range resDiffs {
		size, err := parseSize(resDiff.Size)
		if err != nil {
			return nil, fmt.Errorf("resource info: diff from %s: %w", resDiff.Version, err)
		}

		diffs = append(diffs, Diff{
			FromVersion: resDiff.Version,
			URL:         resDiff.Path,
			Size:        size,
			AudioPkgs: lo.Map(resDiff.VoicePacks, func(pack resourceFile, _ int) AudioPkg {
				return AudioPkg{Language: pack.Language, URL: pack.Path}
			}),
		})
	}

	return diffs, nil
}

func parseSize(num json.Number) (uint64, error) {
	if num == "" {
		return 0, nil
	}

	return strconv.ParseUint(string(num), 10, 64)
}

// a < b => -1, a == b => 0, a > b => 1
func compareVersions(a string, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, err
	}

	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, err
	}

	return va.Compare(vb), nil
}

func versionsEqual(a string, b string) bool {
	cmp, err := compareVersions(a, b)
	if err != nil {
		return a == b
	}

	return cmp == 0
}

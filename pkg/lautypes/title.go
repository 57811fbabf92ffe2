// Title descriptors and shared error types
package lautypes

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

type BackendKind string

const (
	BackendSophon  BackendKind = "sophon"  // remote operation sidecar does the heavy lifting
	BackendPackage BackendKind = "package" // we download zip segments + diffs ourselves
)

// entries carrying this tag are skipped when config asks for it
const TagWorkaround3 = "workaround3"

type PatchedFile struct {
	File    string `json:"file"`
	DiffURL string `json:"diff_url"`
	Tag     string `json:"tag,omitempty"`
}

type RemovedFile struct {
	File string `json:"file"`
	Tag  string `json:"tag,omitempty"`
}

type AddedFile struct {
	File string `json:"file"`
	URL  string `json:"url"`
}

type SophonTarget struct {
	Game    string `json:"game"`    // "hk4e" | "hkrpg" | "nap" | ...
	Reltype string `json:"reltype"` // "os" | "cn" | "bb"
}

// immutable after NewTitle()/ParseTitles()
type Title struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"display_name"`
	Executable  string        `json:"executable"` // relative to install dir
	DataDir     string        `json:"data_dir"`   // relative to install dir, e.g. "GenshinImpact_Data"
	Backend     BackendKind   `json:"backend"`
	Sophon      *SophonTarget `json:"sophon,omitempty"`
	ResourceURL string        `json:"resource_url,omitempty"` // version/manifest API for package backend
	Channel     int           `json:"channel"`
	SubChannel  int           `json:"sub_channel"`
	CPS         string        `json:"cps"`
	// newest version we know how to patch. newer local installs are refused.
	MaxSupportedVersion string        `json:"max_supported_version"`
	Patched             []PatchedFile `json:"patched"`
	Removed             []RemovedFile `json:"removed"`
	Added               []AddedFile   `json:"added"`
	Hosts               []string      `json:"hosts"`
}

func (t Title) IsStarRail() bool {
	return t.Sophon != nil && t.Sophon.Game == "hkrpg"
}

// game type identifier used by the remote operation API
func (t Title) GameType() string {
	if t.Sophon != nil {
		return t.Sophon.Game
	}

	return t.ID
}

func NewTitle(t Title) (*Title, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("title %s: %w", t.ID, err)
	}

	return &t, nil
}

func (t Title) Validate() error {
	if t.ID == "" {
		return errors.New("empty id")
	}

	if err := validateRelPath(t.Executable); err != nil {
		return fmt.Errorf("executable: %w", err)
	}

	if err := validateRelPath(t.DataDir); err != nil {
		return fmt.Errorf("data_dir: %w", err)
	}

	switch t.Backend {
	case BackendSophon:
		if t.Sophon == nil || t.Sophon.Game == "" || t.Sophon.Reltype == "" {
			return errors.New("sophon backend requires sophon.game and sophon.reltype")
		}
	case BackendPackage:
		if t.ResourceURL == "" {
			return errors.New("package backend requires resource_url")
		}
	default:
		return fmt.Errorf("unsupported backend: '%s'", t.Backend)
	}

	for _, p := range t.Patched {
		if err := validateRelPath(p.File); err != nil {
			return fmt.Errorf("patched: %w", err)
		}

		if p.DiffURL == "" {
			return fmt.Errorf("patched %s: empty diff_url", p.File)
		}
	}

	for _, r := range t.Removed {
		if err := validateRelPath(r.File); err != nil {
			return fmt.Errorf("removed: %w", err)
		}
	}

	for _, a := range t.Added {
		if err := validateRelPath(a.File); err != nil {
			return fmt.Errorf("added: %w", err)
		}

		if a.URL == "" {
			return fmt.Errorf("added %s: empty url", a.File)
		}
	}

	return nil
}

type titlesFile struct {
	Titles []Title `json:"titles"`
}

// parses a YAML titles document. ids must be unique.
func ParseTitles(content []byte) ([]Title, error) {
	doc := titlesFile{}
	if err := yaml.UnmarshalWithOptions(content, &doc, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("ParseTitles: %w", err)
	}

	seen := map[string]bool{}

	for _, title := range doc.Titles {
		if seen[title.ID] {
			return nil, fmt.Errorf("ParseTitles: duplicate id: %s", title.ID)
		}
		seen[title.ID] = true

		if err := title.Validate(); err != nil {
			return nil, fmt.Errorf("ParseTitles: title %s: %w", title.ID, err)
		}
	}

	return doc.Titles, nil
}

func LoadTitles(filePath string) ([]Title, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return ParseTitles(content)
}

func FindTitle(titles []Title, id string) (*Title, error) {
	for _, title := range titles {
		if title.ID == id {
			title := title
			return &title, nil
		}
	}

	return nil, fmt.Errorf("title not found: %s", id)
}

// descriptor paths use forward slashes and must stay inside the install dir
func validateRelPath(p string) error {
	switch {
	case p == "":
		return errors.New("empty path")
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("absolute path not allowed: %s", p)
	case strings.Contains(p, "\\"):
		return fmt.Errorf("use forward slashes: %s", p)
	}

	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("path escapes install dir: %s", p)
	}

	return nil
}

// joins a slash-separated name from a manifest under dir. names that would land outside
// dir are refused, since manifests come from the network.
func JoinInside(dir string, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(name, "\\", "/")))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes install dir: %s", name)
	}

	return filepath.Join(dir, cleaned), nil
}

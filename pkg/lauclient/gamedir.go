package lauclient

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/function61/laukaisin/pkg/unityasset"
	"golang.org/x/sys/unix"
	"gopkg.in/ini.v1"
)

const (
	configIniFilename  = "config.ini"
	manifestFilename   = "pkg_version"
	downloadTmpDirname = ".ariatmp"
	generalSection     = "General"
)

// config.ini's [General] section, which the game's own launcher also reads
type gameConfig struct {
	GameVersion string
	Channel     int
	SubChannel  int
	CPS         string
}

func gameConfigFor(title lautypes.Title, version string) gameConfig {
	return gameConfig{
		GameVersion: version,
		Channel:     title.Channel,
		SubChannel:  title.SubChannel,
		CPS:         title.CPS,
	}
}

// keeps whatever else the file has (other sections, keys the game's launcher added)
func writeGameConfig(installDir string, conf gameConfig) error {
	iniPath := filepath.Join(installDir, configIniFilename)

	file, err := loadGameConfigFile(iniPath)
	if err != nil {
		return err
	}

	general := file.Section(generalSection)
	general.Key("game_version").SetValue(conf.GameVersion)
	general.Key("channel").SetValue(strconv.Itoa(conf.Channel))
	general.Key("sub_channel").SetValue(strconv.Itoa(conf.SubChannel))
	general.Key("cps").SetValue(conf.CPS)

	return atomicfilewrite.Write(iniPath, func(sink io.Writer) error {
		_, err := file.WriteTo(sink)
		return err
	})
}

func loadGameConfigFile(iniPath string) (*ini.File, error) {
	content, err := os.ReadFile(iniPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ini.Empty(), nil
		}

		return nil, err
	}

	file, err := ini.Load(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", configIniFilename, err)
	}

	return file, nil
}

// only [General] matters to us. other sections and unknown keys are ignored.
func parseGameConfig(content []byte) (*gameConfig, error) {
	file, err := ini.Load(content)
	if err != nil {
		return nil, err
	}

	general := file.Section(generalSection)

	conf := &gameConfig{
		GameVersion: general.Key("game_version").String(),
		CPS:         general.Key("cps").String(),
	}

	for key, dest := range map[string]*int{
		"channel":     &conf.Channel,
		"sub_channel": &conf.SubChannel,
	} {
		if !general.HasKey(key) {
			continue
		}

		num, err := strconv.Atoi(general.Key(key).String())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}

		*dest = num
	}

	return conf, nil
}

// config.ini is the primary source. older installs lack the version there, so fall back
// to the version Unity stamped into the player settings.
func installedVersion(installDir string, title lautypes.Title) (string, error) {
	content, err := os.ReadFile(filepath.Join(installDir, configIniFilename))
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}

	if err == nil {
		conf, err := parseGameConfig(content)
		if err != nil {
			return "", fmt.Errorf("%s: %w", configIniFilename, err)
		}

		if conf.GameVersion != "" {
			return conf.GameVersion, nil
		}
	}

	version, err := unityasset.ReadVersion(filepath.Join(installDir, title.DataDir, "globalgamemanagers"))
	if err != nil {
		return "", fmt.Errorf("no version in %s or Unity assets: %w", configIniFilename, err)
	}

	return version, nil
}

func manifestExists(installDir string) (bool, error) {
	return fileexists.Exists(filepath.Join(installDir, manifestFilename))
}

// free bytes for unprivileged users on the filesystem that has path
func freeSpace(path string) (uint64, error) {
	stat := unix.Statfs_t{}
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, &lautypes.FileSystemError{Path: path, Err: err}
	}

	return stat.Bavail * uint64(stat.Bsize), nil
}

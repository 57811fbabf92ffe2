// Launcher configuration: JSON file in the user's config dir, timeouts overridable from env
package lauconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/function61/gokit/jsonfile"
	"github.com/function61/laukaisin/pkg/duration"
	"github.com/function61/laukaisin/pkg/laupatch"
	"github.com/function61/laukaisin/pkg/lauresource"
)

const (
	configFilename = "laukaisin-config.json"
)

type Config struct {
	DataDir           string                 `json:"data_dir"`    // state DB, resources, download temp
	TitlesFile        string                 `json:"titles_file"` // YAML. relative to the config file.
	Aria2             Aria2                  `json:"aria2"`
	Sophon            Sophon                 `json:"sophon"`
	Tools             Tools                  `json:"tools"`
	Patch             Patch                  `json:"patch"`
	Wine              Wine                   `json:"wine"`
	Timeouts          Timeouts               `json:"timeouts"`
	VerifyConcurrency int                    `json:"verify_concurrency"` // 0 = number of CPUs
	Watch             Watch                  `json:"watch"`
	Resources         []lauresource.Resource `json:"resources,omitempty"` // overrides for built-ins
}

type Aria2 struct {
	Binary string `json:"binary"`
	Port   int    `json:"port"`
	Secret string `json:"secret,omitempty"`
}

type Sophon struct {
	Command []string `json:"command"` // how to start the sidecar. empty = already running at BaseURL.
	BaseURL string   `json:"base_url"`
}

type Tools struct {
	Xdelta3 string `json:"xdelta3"`
	Hpatchz string `json:"hpatchz"`
}

type Patch struct {
	PatchOff      bool                   `json:"patch_off"`
	Workaround3   bool                   `json:"workaround3"`
	RenderBackend laupatch.RenderBackend `json:"render_backend"` // "" | "dxvk" | "dxmt"
	Reshade       bool                   `json:"reshade"`
}

type Wine struct {
	Binary string `json:"binary"` // empty = run the executable natively
	Prefix string `json:"prefix"`
	LibDir string `json:"lib_dir,omitempty"`
}

type Timeouts struct {
	HTTP                duration.Duration `json:"http"`
	Health              duration.Duration `json:"health"`
	Spawn               duration.Duration `json:"spawn"`
	HealthRetryAttempts int               `json:"health_retry_attempts"`
}

type Watch struct {
	Schedule        string `json:"schedule"`     // cron expression
	MetricsAddr     string `json:"metrics_addr"` // "" = no HTTP server
	AutoUpdate      bool   `json:"auto_update"`
	AutoPredownload bool   `json:"auto_predownload"`
}

func Default() *Config {
	return &Config{
		TitlesFile: "titles.yaml",
		Aria2: Aria2{
			Binary: "aria2c",
			Port:   6868,
		},
		Sophon: Sophon{
			BaseURL: "http://127.0.0.1:8587",
		},
		Tools: Tools{
			Xdelta3: "xdelta3",
			Hpatchz: "hpatchz",
		},
		Timeouts: Timeouts{
			HTTP:                duration.Duration{Duration: 10 * time.Second},
			Health:              duration.Duration{Duration: 5 * time.Second},
			Spawn:               duration.Duration{Duration: 30 * time.Second},
			HealthRetryAttempts: 10,
		},
		Watch: Watch{
			Schedule:    "@every 1h",
			MetricsAddr: "127.0.0.1:9187",
		},
	}
}

func (c *Config) StateDBPath() string {
	return filepath.Join(c.DataDir, "state.db")
}

func (c *Config) ResourceDir() string {
	return filepath.Join(c.DataDir, "resources")
}

func (c *Config) DownloadTempDir() string {
	return filepath.Join(c.DataDir, "downloads")
}

func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.New("data_dir not set")
	case !filepath.IsAbs(c.DataDir):
		return fmt.Errorf("data_dir must be absolute; got %s", c.DataDir)
	case c.TitlesFile == "":
		return errors.New("titles_file not set")
	case c.Sophon.BaseURL == "":
		return errors.New("sophon.base_url not set")
	case c.Timeouts.HealthRetryAttempts < 1:
		return fmt.Errorf("timeouts.health_retry_attempts must be >= 1; got %d", c.Timeouts.HealthRetryAttempts)
	}

	switch c.Patch.RenderBackend {
	case laupatch.RenderDefault, laupatch.RenderDXVK, laupatch.RenderDXMT:
	default:
		return fmt.Errorf("unsupported patch.render_backend: %s", c.Patch.RenderBackend)
	}

	return nil
}

// environment wins over the config file
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, override := range []struct {
		env    string
		target *duration.Duration
	}{
		{"LAU_TIMEOUT_HTTP", &c.Timeouts.HTTP},
		{"LAU_TIMEOUT_HEALTH", &c.Timeouts.Health},
		{"LAU_TIMEOUT_SPAWN", &c.Timeouts.Spawn},
	} {
		value, set := lookup(override.env)
		if !set || value == "" {
			continue
		}

		parsed, err := duration.Parse(value)
		if err != nil {
			return fmt.Errorf("%s: %w", override.env, err)
		}

		override.target.Duration = parsed
	}

	if value, set := lookup("LAU_RETRY_HEALTH_ATTEMPTS"); set && value != "" {
		attempts, err := strconv.Atoi(value)
		if err != nil || attempts < 1 {
			return fmt.Errorf("LAU_RETRY_HEALTH_ATTEMPTS: expecting positive integer; got %s", value)
		}

		c.Timeouts.HealthRetryAttempts = attempts
	}

	return nil
}

func ReadConfig() (*Config, error) {
	confPath, err := ConfigFilePath()
	if err != nil {
		return nil, fmt.Errorf("laukaisin config: %w", err)
	}

	return ReadConfigWithPath(confPath)
}

func ReadConfigWithPath(confPath string) (*Config, error) {
	conf := Default()
	if err := jsonfile.Read(confPath, conf, true); err != nil {
		return nil, fmt.Errorf("laukaisin config: %w", err)
	}

	if !filepath.IsAbs(conf.TitlesFile) {
		conf.TitlesFile = filepath.Join(filepath.Dir(confPath), conf.TitlesFile)
	}

	if err := conf.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("laukaisin config: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("laukaisin config: %w", err)
	}

	return conf, nil
}

func WriteConfig(conf *Config) error {
	confPath, err := ConfigFilePath()
	if err != nil {
		return err
	}

	return WriteConfigWithPath(conf, confPath)
}

func WriteConfigWithPath(conf *Config, confPath string) error {
	if err := os.MkdirAll(filepath.Dir(confPath), 0755); err != nil {
		return err
	}

	return jsonfile.Write(confPath, conf)
}

// $LAU_CONFIG, or "laukaisin/laukaisin-config.json" under the user's config dir
func ConfigFilePath() (string, error) {
	if fromEnv := os.Getenv("LAU_CONFIG"); fromEnv != "" {
		return fromEnv, nil
	}

	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(userConfigDir, "laukaisin", configFilename), nil
}

// "~/.local/share/laukaisin"
func DefaultDataDir() (string, error) {
	usersHomeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(usersHomeDirectory, ".local", "share", "laukaisin"), nil
}

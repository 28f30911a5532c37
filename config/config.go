// Package config loads the cache configuration from a YAML file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is absent.
const (
	DefaultMainlineTTLDays     = 30
	DefaultTagsBranchesTTLDays = 7
)

// Config describes one cache: the remote repository it mirrors, where entries
// live on disk, and how long idle entries survive.
type Config struct {
	// RepositoryURL is the remote repository every entry is pulled from.
	RepositoryURL string `yaml:"repositoryUrl"`

	// Username and Password authenticate against the remote. Both empty
	// means anonymous access.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// InsecureSkipTLS disables server certificate verification.
	InsecureSkipTLS bool `yaml:"insecureSkipTls"`

	// ExportRoot is the directory all cache entries live under.
	ExportRoot string `yaml:"exportRoot"`

	// LedgerFile is the access-ledger path. Defaults to
	// <exportRoot>/ledger.json.
	LedgerFile string `yaml:"ledgerFile"`

	// LockFile is the host-wide lock file path. Defaults to
	// <exportRoot>/.wccache.lock.
	LockFile string `yaml:"lockFile"`

	// MainlineTTLDays is the idle TTL for entries directly under the export
	// root.
	MainlineTTLDays int `yaml:"mainlineTtlDays"`

	// TagsBranchesTTLDays is the idle TTL for entries under tags/ and
	// branches/.
	TagsBranchesTTLDays int `yaml:"tagsBranchesTtlDays"`
}

// Load reads and validates the configuration at path, applying defaults for
// optional fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to read config file %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to parse config file %s", path)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LedgerFile == "" && c.ExportRoot != "" {
		c.LedgerFile = filepath.Join(c.ExportRoot, "ledger.json")
	}
	if c.LockFile == "" && c.ExportRoot != "" {
		c.LockFile = filepath.Join(c.ExportRoot, ".wccache.lock")
	}
	if c.MainlineTTLDays == 0 {
		c.MainlineTTLDays = DefaultMainlineTTLDays
	}
	if c.TagsBranchesTTLDays == 0 {
		c.TagsBranchesTTLDays = DefaultTagsBranchesTTLDays
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.RepositoryURL == "" {
		return errors.New(errors.CodeInvalidConfig, "repositoryUrl is required")
	}
	if c.ExportRoot == "" {
		return errors.New(errors.CodeInvalidConfig, "exportRoot is required")
	}
	if c.MainlineTTLDays < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "mainlineTtlDays must not be negative: %d", c.MainlineTTLDays)
	}
	if c.TagsBranchesTTLDays < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "tagsBranchesTtlDays must not be negative: %d", c.TagsBranchesTTLDays)
	}
	return nil
}

// MainlineTTL returns the mainline idle TTL as a duration.
func (c *Config) MainlineTTL() time.Duration {
	return time.Duration(c.MainlineTTLDays) * 24 * time.Hour
}

// TagsBranchesTTL returns the tags/branches idle TTL as a duration.
func (c *Config) TagsBranchesTTL() time.Duration {
	return time.Duration(c.TagsBranchesTTLDays) * 24 * time.Hour
}

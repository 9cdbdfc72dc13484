package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	yaml "gopkg.in/yaml.v2"
)

const DefaultDepot = "import"
const DefaultBranch = "main"

type BranchMapping struct {
	Name   string `yaml:"name"`   // Regex for branch
	Prefix string `yaml:"prefix"` // Prefix to prepend to matching branches
}

// Compile returns the branch-name matcher.
func (m *BranchMapping) Compile() (*regexp.Regexp, error) {
	return regexp.Compile(m.Name)
}

// SubmitRetry bounds the view-lock retry loop during submit.
type SubmitRetry struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
}

// UnmarshalYAML accepts durations as strings ("100ms", "10s").
func (s *SubmitRetry) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		MaxAttempts int    `yaml:"max_attempts"`
		InitialWait string `yaml:"initial_wait"`
		MaxWait     string `yaml:"max_wait"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	s.MaxAttempts = raw.MaxAttempts
	var err error
	if raw.InitialWait != "" {
		if s.InitialWait, err = time.ParseDuration(raw.InitialWait); err != nil {
			return fmt.Errorf("invalid initial_wait: %v", err)
		}
	}
	if raw.MaxWait != "" {
		if s.MaxWait, err = time.ParseDuration(raw.MaxWait); err != nil {
			return fmt.Errorf("invalid max_wait: %v", err)
		}
	}
	return nil
}

// Config for a git-fusion repo.
type Config struct {
	ImportDepot    string          `yaml:"import_depot"`
	ImportPath     string          `yaml:"import_path"`
	DefaultBranch  string          `yaml:"default_branch"`
	BranchMappings []BranchMapping `yaml:"branch_mappings"`

	ReadOnly            bool `yaml:"read_only"`
	EnableMergeCommits  bool `yaml:"enable_merge_commits"`
	EnableSwarmReviews  bool `yaml:"enable_swarm_reviews"`
	EnableSubmodules    bool `yaml:"enable_submodules"`
	EnableFastPush      bool `yaml:"enable_fast_push"`
	EnableLFS           bool `yaml:"enable_lfs"`
	EnableFindCopies    bool `yaml:"enable_git_find_copies"`
	EnableFindRenames   bool `yaml:"enable_git_find_renames"`
	CaseInsensitive     bool `yaml:"case_insensitive"`
	WindowsServer       bool `yaml:"windows_server"`
	ChangeOwnerToAuthor bool `yaml:"change_owner_to_author"`

	// MaxRevsPerArchive chunks fast push bulk-import archives to bound
	// server memory use during import.
	MaxRevsPerArchive int `yaml:"max_revs_per_archive"`

	SubmitRetry SubmitRetry `yaml:"submit_retry"`
}

// Unmarshal the config
func Unmarshal(config []byte) (*Config, error) {
	// Default values specified here
	cfg := &Config{
		ImportDepot:         DefaultDepot,
		DefaultBranch:       DefaultBranch,
		EnableMergeCommits:  true,
		ChangeOwnerToAuthor: true,
		MaxRevsPerArchive:   200000,
	}
	err := yaml.Unmarshal(config, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters (like match patterns)", err.Error())
	}
	err = cfg.validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile - loads config file
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

// LoadConfigString - loads a string
func LoadConfigString(content []byte) (*Config, error) {
	cfg, err := Unmarshal([]byte(content))
	return cfg, err
}

func (c *Config) validate() error {
	if len(c.BranchMappings) > 0 {
		for _, m := range c.BranchMappings {
			if _, err := regexp.Compile(m.Name); err != nil {
				return fmt.Errorf("failed to parse '%s' as a regex", m.Name)
			}
		}
	}
	if c.MaxRevsPerArchive < 1 {
		return fmt.Errorf("max_revs_per_archive must be positive, got %d", c.MaxRevsPerArchive)
	}
	if c.SubmitRetry.MaxAttempts < 0 {
		return fmt.Errorf("submit_retry.max_attempts cannot be negative")
	}
	return nil
}

package indexer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the symbolctl configuration file.
type Config struct {
	BuildID     int64          `yaml:"build_id"`
	ProjectID   string         `yaml:"project_id"`
	BuildNumber string         `yaml:"build_number"`
	Enabled     *bool          `yaml:"enabled"`
	SourceRoot  string         `yaml:"source_root"`
	ServerURL   string         `yaml:"server_url"`
	ToolsDir    string         `yaml:"tools_dir"`
	SrcSrvDir   string         `yaml:"srcsrv_dir"`
	TempDir     string         `yaml:"temp_dir"`
	OutputDir   string         `yaml:"output_dir"`
	Parallelism int            `yaml:"parallelism"`
	ToolTimeout time.Duration  `yaml:"tool_timeout"`
	Bucket      string         `yaml:"bucket"`
	NatsURL     string         `yaml:"nats_url"`
	Artifacts   []ArtifactRule `yaml:"artifacts"`
}

// ArtifactRule publishes the files found under Source into Target. Target may
// name an archive, for example "symbols.zip/lib".
type ArtifactRule struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// ParseArtifactRule parses the "source => target" notation. A rule without a
// target publishes to the artifacts root.
func ParseArtifactRule(s string) (ArtifactRule, error) {
	source, target, _ := strings.Cut(s, "=>")
	source = strings.TrimSpace(source)
	if source == "" {
		return ArtifactRule{}, fmt.Errorf("artifact rule %q has no source", s)
	}
	return ArtifactRule{Source: source, Target: strings.TrimSpace(target)}, nil
}

// Resolve expands the rule into the artifacts it matches. Files in
// subdirectories of Source keep their relative directory below Target.
func (r ArtifactRule) Resolve() ([]Artifact, error) {
	info, err := os.Stat(r.Source)
	if err != nil {
		return nil, fmt.Errorf("artifact source: %w", err)
	}
	if !info.IsDir() {
		return []Artifact{{LocalPath: r.Source, TargetDir: r.Target}}, nil
	}

	var artifacts []Artifact
	err = filepath.WalkDir(r.Source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(r.Source, filepath.Dir(path))
		if err != nil {
			return err
		}
		target := r.Target
		if rel != "." {
			target = strings.Trim(target+"/"+filepath.ToSlash(rel), "/")
		}
		artifacts = append(artifacts, Artifact{LocalPath: path, TargetDir: target})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

// ResolveArtifacts expands every rule of the configuration.
func (c *Config) ResolveArtifacts() ([]Artifact, error) {
	var all []Artifact
	for _, rule := range c.Artifacts {
		artifacts, err := rule.Resolve()
		if err != nil {
			return nil, err
		}
		all = append(all, artifacts...)
	}
	return all, nil
}

// LoadConfig reads the configuration file at path and applies environment
// overrides. A missing path yields a configuration built from the
// environment alone.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	for env, dst := range map[string]*string{
		"SYMBOLD_SERVER_URL":  &c.ServerURL,
		"SYMBOLD_TOOLS_DIR":   &c.ToolsDir,
		"SYMBOLD_SRCSRV_DIR":  &c.SrcSrvDir,
		"SYMBOLD_SOURCE_ROOT": &c.SourceRoot,
		"SYMBOLD_PROJECT_ID":  &c.ProjectID,
		"S3_BUCKET":           &c.Bucket,
		"NATS_URL":            &c.NatsURL,
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("SYMBOLD_BUILD_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SYMBOLD_BUILD_ID: %w", err)
		}
		c.BuildID = id
	}
	return nil
}

// Validate checks the fields every indexing run needs.
func (c *Config) Validate() error {
	var errs []error
	if c.BuildID <= 0 {
		errs = append(errs, errors.New("build_id is required"))
	}
	if c.SourceRoot == "" {
		errs = append(errs, errors.New("source_root is required"))
	}
	if len(c.Artifacts) == 0 {
		errs = append(errs, errors.New("at least one artifact rule is required"))
	}
	return errors.Join(errs...)
}

// SessionConfig derives the indexing session settings.
func (c *Config) SessionConfig() SessionConfig {
	return SessionConfig{
		BuildID:     c.BuildID,
		SourceRoot:  c.SourceRoot,
		ServerURL:   c.ServerURL,
		TempDir:     c.TempDir,
		Parallelism: c.Parallelism,
		Enabled:     c.Enabled,
	}
}

// BuildRef returns the build the configuration describes.
func (c *Config) BuildRef() BuildRef {
	return BuildRef{ID: c.BuildID, ProjectID: c.ProjectID, Number: c.BuildNumber}
}

package indexer

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// URLProvider maps local source files to the URLs the sources endpoint serves them from.
type URLProvider interface {
	// BasePath is the sources endpoint root without a trailing slash.
	BasePath() string
	// BuildPath is the build-specific path below BasePath.
	BuildPath() string
	// FileURL returns the path of file relative to the source root, using
	// "/" separators. ok is false for files outside the source root.
	FileURL(file string) (rel string, ok bool)
}

// Alias returns the absolute URL prefix source files of the build are served under.
func Alias(p URLProvider) string {
	return p.BasePath() + "/" + p.BuildPath()
}

// FileURLProvider resolves files below a single source root.
type FileURLProvider struct {
	basePath   string
	buildPath  string
	sourceRoot string
}

// NewFileURLProvider builds a provider for the sources of buildID checked out
// under sourceRoot. serverURL is the sources endpoint, for example
// https://symbols.example.com/app/sources.
func NewFileURLProvider(serverURL string, buildID int64, sourceRoot string) (*FileURLProvider, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return nil, errors.New("sources server url is required")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse sources server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("sources server url %q must be absolute", serverURL)
	}
	if buildID <= 0 {
		return nil, errors.New("build id is required")
	}
	if strings.TrimSpace(sourceRoot) == "" {
		return nil, errors.New("source root is required")
	}

	root, err := canonicalPath(sourceRoot)
	if err != nil {
		return nil, fmt.Errorf("source root: %w", err)
	}

	return &FileURLProvider{
		basePath:   strings.TrimRight(serverURL, "/"),
		buildPath:  fmt.Sprintf("builds/id-%d/sources/files", buildID),
		sourceRoot: root,
	}, nil
}

func (p *FileURLProvider) BasePath() string { return p.basePath }

func (p *FileURLProvider) BuildPath() string { return p.buildPath }

// SourceRoot returns the canonical source root.
func (p *FileURLProvider) SourceRoot() string { return p.sourceRoot }

func (p *FileURLProvider) FileURL(file string) (string, bool) {
	canonical, err := canonicalPath(file)
	if err != nil {
		return "", false
	}
	if len(canonical) <= len(p.sourceRoot) || !strings.EqualFold(canonical[:len(p.sourceRoot)], p.sourceRoot) {
		return "", false
	}
	rest := canonical[len(p.sourceRoot):]
	if !strings.HasSuffix(p.sourceRoot, string(filepath.Separator)) {
		if rest[0] != filepath.Separator {
			return "", false
		}
		rest = rest[1:]
	}
	if rest == "" {
		return "", false
	}
	rel := strings.ReplaceAll(filepath.ToSlash(rest), `\`, "/")
	return rel, true
}

// canonicalPath makes path absolute and resolves symlinks when the file exists.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

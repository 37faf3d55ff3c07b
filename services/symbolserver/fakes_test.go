package symbolserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"symbold/pkg/symbols"
)

type storedRow struct {
	buildID  int64
	provider string
	key      string
	fields   map[string]string
}

// memoryMetadata returns rows newest first, as the database does.
type memoryMetadata struct {
	mu    sync.Mutex
	rows  []storedRow
	reads int
	err   error
}

func (m *memoryMetadata) AddRecord(_ context.Context, buildID int64, providerID, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, storedRow{buildID: buildID, provider: providerID, key: key, fields: fields})
	return nil
}

func (m *memoryMetadata) GetByKey(_ context.Context, providerID, key string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	var out []Record
	for i := len(m.rows) - 1; i >= 0; i-- {
		row := m.rows[i]
		if row.provider == providerID && strings.EqualFold(row.key, key) {
			out = append(out, recordFromFields(row.buildID, row.key, row.fields))
		}
	}
	return out, nil
}

func (m *memoryMetadata) RemoveBuild(_ context.Context, buildID int64, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	for _, row := range m.rows {
		if row.buildID != buildID || row.provider != providerID {
			kept = append(kept, row)
		}
	}
	m.rows = kept
	return nil
}

func (m *memoryMetadata) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

type memoryBuilds struct {
	mu     sync.Mutex
	builds map[int64]Build
	err    error
}

func newMemoryBuilds(builds ...Build) *memoryBuilds {
	m := &memoryBuilds{builds: map[int64]Build{}}
	for _, b := range builds {
		m.builds[b.ID] = b
	}
	return m
}

func (m *memoryBuilds) FindBuild(_ context.Context, id int64) (Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Build{}, m.err
	}
	b, ok := m.builds[id]
	if !ok {
		return Build{}, fmt.Errorf("%w: %d", ErrBuildNotFound, id)
	}
	return b, nil
}

func (m *memoryBuilds) UpsertBuild(_ context.Context, b Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds[b.ID] = b
	return nil
}

// memoryArtifacts is an ArtifactStore over plain in-memory files. Archive
// paths are not supported.
type memoryArtifacts struct {
	mu    sync.Mutex
	files map[int64]map[string][]byte
}

func newMemoryArtifacts() *memoryArtifacts {
	return &memoryArtifacts{files: map[int64]map[string][]byte{}}
}

func (m *memoryArtifacts) put(buildID int64, artifactPath string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[buildID] == nil {
		m.files[buildID] = map[string][]byte{}
	}
	m.files[buildID][artifactPath] = data
}

func (m *memoryArtifacts) Open(_ context.Context, buildID int64, artifactPath string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[buildID][artifactPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactPath)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryArtifacts) List(_ context.Context, buildID int64, dir string) ([]ArtifactInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := ""
	if dir != "" {
		prefix = strings.Trim(dir, "/") + "/"
	}
	var infos []ArtifactInfo
	for p, data := range m.files[buildID] {
		if strings.HasPrefix(p, prefix) {
			infos = append(infos, ArtifactInfo{Path: p, Size: int64(len(data))})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// staticTokens authenticates bearer tokens from a fixed table.
type staticTokens map[string]string

func (s staticTokens) Authenticate(_ context.Context, r *http.Request) (Principal, error) {
	raw, _ := requestToken(r)
	id, ok := s[raw]
	if raw == "" || !ok {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{ID: id}, nil
}

// grantSet holds "principal/project" pairs with download permission.
type grantSet map[string]bool

func (g grantSet) HasPermission(_ context.Context, p Principal, projectID, permission string) (bool, error) {
	if permission != symbols.PermissionViewBuildRuntimeData {
		return false, nil
	}
	return g[p.ID+"/"+projectID] || g[p.ID+"/*"], nil
}

var (
	_ MetadataStore     = (*memoryMetadata)(nil)
	_ BuildRegistry     = (*memoryBuilds)(nil)
	_ ArtifactStore     = (*memoryArtifacts)(nil)
	_ Authenticator     = staticTokens(nil)
	_ PermissionChecker = grantSet(nil)
)
